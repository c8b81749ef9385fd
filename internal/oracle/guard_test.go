package oracle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// #region helpers
type fakeBackend struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, n int) (action.RawProposal, error)
}

func (f *fakeBackend) Propose(ctx context.Context, req Request) (action.RawProposal, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(ctx, n)
}

func (f *fakeBackend) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var errTransport = errors.New("connection refused")

func testGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:         200 * time.Millisecond,
		RetryBackoff:    time.Millisecond,
		MaxAttempts:     2,
		BreakerFailures: 10,
		BreakerReset:    time.Minute,
	}
}

func okProposal() action.RawProposal {
	return action.NewRawProposal(map[string]any{"strategy_name": "busy_office"})
}

func testRequest() Request {
	return Request{
		Context: observation.Context{
			Scene:  observation.SceneRestaurant,
			Intent: observation.IntentConversation,
		},
		Constraints: bounds.Default(),
	}
}

// #endregion helpers

// #region guard-tests
func TestGuarded_PassesThroughSuccess(t *testing.T) {
	fb := &fakeBackend{fn: func(context.Context, int) (action.RawProposal, error) { return okProposal(), nil }}
	g := NewGuarded(fb, testGuardConfig(), nil)

	p, err := g.Propose(context.Background(), testRequest())
	require.NoError(t, err)
	name, _ := p.String("strategy_name")
	assert.Equal(t, "busy_office", name)
	assert.Equal(t, 1, fb.Calls())
}

func TestGuarded_RetriesOnceThenFails(t *testing.T) {
	fb := &fakeBackend{fn: func(context.Context, int) (action.RawProposal, error) { return action.RawProposal{}, errTransport }}
	g := NewGuarded(fb, testGuardConfig(), nil)

	_, err := g.Propose(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.ErrorIs(t, err, errTransport)
	assert.Equal(t, 2, fb.Calls())
}

func TestGuarded_RetrySucceeds(t *testing.T) {
	fb := &fakeBackend{fn: func(_ context.Context, n int) (action.RawProposal, error) {
		if n == 1 {
			return action.RawProposal{}, errTransport
		}
		return okProposal(), nil
	}}
	g := NewGuarded(fb, testGuardConfig(), nil)

	_, err := g.Propose(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, fb.Calls())
}

func TestGuarded_TimeoutIsUnavailable(t *testing.T) {
	fb := &fakeBackend{fn: func(ctx context.Context, _ int) (action.RawProposal, error) {
		<-ctx.Done()
		return action.RawProposal{}, ctx.Err()
	}}
	cfg := testGuardConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxAttempts = 1
	g := NewGuarded(fb, cfg, nil)

	start := time.Now()
	_, err := g.Propose(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGuarded_BreakerOpensAndShortCircuits(t *testing.T) {
	fb := &fakeBackend{fn: func(context.Context, int) (action.RawProposal, error) { return action.RawProposal{}, errTransport }}
	cfg := testGuardConfig()
	cfg.BreakerFailures = 2
	g := NewGuarded(fb, cfg, nil)

	_, err := g.Propose(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, g.Breaker().State())

	_, err = g.Propose(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, fb.Calls(), "open breaker must not reach the backend")
}

func TestGuarded_CallBudget(t *testing.T) {
	fb := &fakeBackend{fn: func(context.Context, int) (action.RawProposal, error) { return okProposal(), nil }}
	cfg := testGuardConfig()
	cfg.RPS = 0.001
	cfg.Burst = 1
	g := NewGuarded(fb, cfg, nil)

	_, err := g.Propose(context.Background(), testRequest())
	require.NoError(t, err)
	_, err = g.Propose(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Equal(t, 1, fb.Calls())
}

func TestGuarded_CancelledContextStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fb := &fakeBackend{fn: func(context.Context, int) (action.RawProposal, error) {
		cancel()
		return action.RawProposal{}, errTransport
	}}
	g := NewGuarded(fb, testGuardConfig(), nil)

	_, err := g.Propose(ctx, testRequest())
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Equal(t, 1, fb.Calls())
}

// #endregion guard-tests

// #region breaker-tests
func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b := NewBreaker(1, 10*time.Second, nil)
	b.now = func() time.Time { return now }

	assert.ErrorIs(t, b.Execute(func() error { return errTransport }), errTransport)
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Execute(func() error { return nil }), ErrCircuitOpen)

	now = now.Add(11 * time.Second)
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Execute(func() error { return errTransport }), errTransport)
	assert.Equal(t, BreakerOpen, b.State(), "failed probe re-opens")

	now = now.Add(11 * time.Second)
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

// #endregion breaker-tests

// #region extract-tests
func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"bare object", `{"strategy_name":"music","duration_seconds":60}`, false},
		{"fenced with tag", "Here you go:\n```json\n{\"strategy_name\":\"music\",\"duration_seconds\":60}\n```\nThanks", false},
		{"fenced without tag", "```\n{\"strategy_name\":\"music\",\"duration_seconds\":60}\n```", false},
		{"inline fence", "```{\"strategy_name\":\"music\",\n\"duration_seconds\":60}```", false},
		{"prose only", "I cannot help with that.", true},
		{"broken json", "{\"strategy_name\": }", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseReply(tt.text)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedReply)
				return
			}
			require.NoError(t, err)
			name, _ := p.String("strategy_name")
			assert.Equal(t, "music", name)
			dur, st := p.Int("duration_seconds")
			assert.Equal(t, action.FieldOK, st)
			assert.Equal(t, 60, dur)
		})
	}
}

func TestSystemPromptListsBounds(t *testing.T) {
	s := SystemPrompt(bounds.Default())
	assert.Contains(t, s, "noise_suppression_strength: number in [0, 0.95]")
	assert.Contains(t, s, "speech_optimized")
	assert.Contains(t, s, "at least 20 characters")
	assert.Contains(t, s, "Bounds version v1")
}

// #endregion extract-tests

// #region static-tests
func TestStaticBackend_ProposesTopRankedPreset(t *testing.T) {
	req := testRequest()
	req.Rankings = []ranking.Entry{
		{Strategy: "bespoke_focus", Score: 0.9},
		{Strategy: "busy_office", Score: 0.75},
		{Strategy: "crowded_restaurant", Score: 0.5},
	}
	p, err := StaticBackend{}.Propose(context.Background(), req)
	require.NoError(t, err)

	name, _ := p.String("strategy_name")
	assert.Equal(t, "busy_office", name)
	conf, _ := p.Float("confidence")
	assert.InDelta(t, 0.7, conf, 1e-9)

	check := safety.Validate(p, bounds.Default())
	assert.True(t, check.IsSafe, check.Summary())
}

func TestStaticBackend_SeedsWithoutRankings(t *testing.T) {
	p, err := StaticBackend{DurationSeconds: 300}.Propose(context.Background(), testRequest())
	require.NoError(t, err)
	name, _ := p.String("strategy_name")
	assert.Equal(t, "crowded_restaurant", name)
	dur, _ := p.Int("duration_seconds")
	assert.Equal(t, 300, dur)
	assert.True(t, safety.Validate(p, bounds.Default()).IsSafe)
}

func TestStaticBackend_TiesKeepSeedOrder(t *testing.T) {
	req := testRequest()
	req.Rankings = []ranking.Entry{
		{Strategy: "busy_office", Score: 0.5},
		{Strategy: "comfort_mode", Score: 0.5},
		{Strategy: "crowded_restaurant", Score: 0.5},
	}
	p, err := StaticBackend{}.Propose(context.Background(), req)
	require.NoError(t, err)
	name, _ := p.String("strategy_name")
	assert.Equal(t, "crowded_restaurant", name)
}

// #endregion static-tests
