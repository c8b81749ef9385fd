package engine

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/audit"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/learning"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/oracle"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/safety"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// #region helpers
var t0 = time.Date(2026, 6, 2, 13, 0, 0, 0, time.UTC)

const overrideText = "wearer turned towards a new talker across the table"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scripted returns whatever next yields and keeps every request it saw.
type scripted struct {
	mu   sync.Mutex
	next func(req oracle.Request) (action.RawProposal, error)
	reqs []oracle.Request
}

func (s *scripted) Propose(ctx context.Context, req oracle.Request) (action.RawProposal, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	next := s.next
	s.mu.Unlock()
	return next(req)
}

func (s *scripted) set(fn func(req oracle.Request) (action.RawProposal, error)) {
	s.mu.Lock()
	s.next = fn
	s.mu.Unlock()
}

func (s *scripted) returns(overrides map[string]any) {
	p := proposal(overrides)
	s.set(func(oracle.Request) (action.RawProposal, error) { return p, nil })
}

func (s *scripted) last() oracle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

func proposal(overrides map[string]any) action.RawProposal {
	f := map[string]any{
		"strategy_name":               "crowded_restaurant",
		"noise_suppression_strength":  0.7,
		"speech_enhancement_strength": 0.6,
		"compression_ratio":           3.0,
		"high_freq_boost_db":          2.0,
		"low_freq_reduction_db":       -3.0,
		"frequency_profile":           "speech_optimized",
		"confidence":                  0.75,
		"rationale":                   "Dense babble around the table is masking the talker directly in front of the user",
		"duration_seconds":            120,
		"secondary_adjustments":       []any{},
		"is_reversible":               true,
	}
	for k, v := range overrides {
		if v == nil {
			delete(f, k)
			continue
		}
		f[k] = v
	}
	return action.NewRawProposal(f)
}

func restaurant() observation.Fields {
	return observation.Fields{
		"acoustic_scene":       "restaurant",
		"noise_level_db":       72.0,
		"snr_db":               3.5,
		"speech_presence":      true,
		"speech_confidence":    0.8,
		"speech_dominance_pct": 40.0,
		"asr_confidence":       0.7,
		"hearing_loss_profile": map[string]any{"1000": 30.0, "4000": 45.0},
		"listening_intent":     "conversation",
		"device_state":         map[string]any{"battery_pct": 80.0, "processing_load_pct": 35.0},
		"temporal_context":     map[string]any{"hour": 13, "day_of_week": "tuesday"},
	}
}

type fixture struct {
	eng     *Engine
	backend *scripted
	clock   *clock
	tracker *learning.Tracker
	audit   *audit.MemoryRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: &scripted{},
		clock:   &clock{t: t0},
		tracker: learning.NewTracker(ranking.NewMemoryStore(), learning.DefaultConfig(), zap.NewNop()),
		audit:   audit.NewMemoryRecorder(),
	}
	f.backend.returns(nil)
	f.eng = New(DefaultConfig(), Deps{
		Oracle:  f.backend,
		Tracker: f.tracker,
		Table:   bounds.Default(),
		Audit:   f.audit,
		Logger:  zap.NewNop(),
		Clock:   f.clock.Now,
	})
	return f
}

func (f *fixture) cycle(t *testing.T) CycleResult {
	t.Helper()
	return f.eng.RunCycle(context.Background(), restaurant())
}

func hasFinding(fs []safety.Finding, kind safety.CheckKind) bool {
	for _, f := range fs {
		if f.Check == kind {
			return true
		}
	}
	return false
}

// #endregion helpers

// #region cycle-tests
func TestRunCycle_ValidProposalIsEmitted(t *testing.T) {
	f := newFixture(t)
	res := f.cycle(t)

	require.NoError(t, res.Err)
	assert.Equal(t, action.OriginValidated, res.Decision.Origin)
	assert.True(t, res.Check.IsSafe, res.Check.Summary())
	assert.Equal(t, "crowded_restaurant", res.Decision.StrategyName)
	assert.Equal(t, 0.7, res.Decision.Params.NoiseSuppression)
	assert.Equal(t, t0, res.Decision.IssuedAt)
	assert.Equal(t, StateLearning, f.eng.State())

	require.NotNil(t, res.Reasoning)
	assert.InDelta(t, 0.9, res.Reasoning.AssessedConfidence, 1e-9)
	assert.InDelta(t, 0.75, res.Reasoning.EffectiveConfidence, 1e-9)
	assert.False(t, res.Reasoning.Guard.Active)

	cur, ok := f.eng.Current()
	require.True(t, ok)
	assert.Equal(t, res.Decision.ID, cur.ID)

	req := f.backend.last()
	assert.Equal(t, bounds.DefaultVersion, req.Constraints.Version)
	assert.Equal(t, "restaurant|conversation|"+req.Context.LossBucket()+"|afternoon", req.ScenarioKey)
	assert.NotEmpty(t, req.Strategies)
	assert.Len(t, req.Rankings, 3)

	entries, err := f.audit.List(context.Background(), audit.Filter{DecisionID: res.Decision.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.KindCycle, entries[0].Kind)
	assert.True(t, entries[0].Safe)
}

func TestRunCycle_OracleFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection refused")
	f.backend.set(func(oracle.Request) (action.RawProposal, error) {
		return action.RawProposal{}, boom
	})

	res := f.cycle(t)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, action.OriginFallback, res.Decision.Origin)
	assert.Equal(t, safety.FallbackParameters(), res.Decision.Params)
	assert.Equal(t, bounds.DefaultVersion, res.Decision.BoundsVersion)
	require.Len(t, res.Check.Violations, 1)
	assert.Equal(t, safety.CheckOracle, res.Check.Violations[0].Check)
	assert.Equal(t, StateLearning, f.eng.State())
}

func TestRunCycle_RejectedProposals(t *testing.T) {
	tests := []struct {
		name       string
		overrides  map[string]any
		violations int
		field      string
	}{
		{"noise suppression above bound", map[string]any{"noise_suppression_strength": 1.2}, 1, bounds.FieldNoiseSuppression},
		{"irreversible", map[string]any{"is_reversible": false}, 1, bounds.FieldIsReversible},
		{"vague and too short", map[string]any{"rationale": "I think this will be better", "duration_seconds": 5}, -1, bounds.FieldDurationSeconds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.backend.returns(tt.overrides)

			res := f.cycle(t)
			assert.NoError(t, res.Err)
			assert.Equal(t, action.OriginFallback, res.Decision.Origin)
			assert.False(t, res.Check.IsSafe)
			if tt.violations > 0 {
				assert.Len(t, res.Check.Violations, tt.violations)
			}
			assert.NotEmpty(t, res.Check.ViolationsFor(tt.field))
			assert.Equal(t, safety.FallbackParameters(), res.Decision.Params)
		})
	}
}

func TestRunCycle_InputContractViolation(t *testing.T) {
	f := newFixture(t)
	fields := restaurant()
	fields["audio_samples"] = make([]float64, 1024)

	res := f.eng.RunCycle(context.Background(), fields)
	var icv *observation.InputContractViolation
	require.ErrorAs(t, res.Err, &icv)
	assert.Equal(t, action.OriginFallback, res.Decision.Origin)
	assert.Equal(t, bounds.DefaultVersion, res.Decision.BoundsVersion)
	require.Len(t, res.Check.Violations, 1)
	assert.Equal(t, safety.CheckInputContract, res.Check.Violations[0].Check)
	assert.Equal(t, StateObserving, f.eng.State())
	assert.Empty(t, f.backend.reqs, "oracle must not be consulted")

	entries, err := f.audit.List(context.Background(), audit.Filter{Kind: audit.KindInputViolation})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = f.eng.Learn(context.Background(), learning.Feedback{DecisionID: res.Decision.ID, ASRConfidenceChange: 0.3})
	assert.ErrorIs(t, err, learning.ErrUnknownDecision)

	// the fallback holds the window, then cycles run normally
	held := f.cycle(t)
	assert.ErrorIs(t, held.Err, ErrOscillationGuard)
	assert.Equal(t, action.OriginExtended, held.Decision.Origin)
	assert.Equal(t, res.Decision.ID, held.Decision.ID)

	f.clock.Advance(10 * time.Second)
	next := f.cycle(t)
	assert.NoError(t, next.Err)
	assert.Equal(t, action.OriginValidated, next.Decision.Origin)
}

func TestRunCycle_InputContractViolationInsideWindow(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)
	require.Equal(t, action.OriginValidated, first.Decision.Origin)

	f.clock.Advance(time.Second)
	fields := restaurant()
	fields["pcm_frames"] = []any{0.1, 0.2}
	res := f.eng.RunCycle(context.Background(), fields)

	var icv *observation.InputContractViolation
	require.ErrorAs(t, res.Err, &icv)
	assert.ErrorIs(t, res.Err, ErrOscillationGuard)
	assert.Equal(t, action.OriginExtended, res.Decision.Origin)
	assert.Equal(t, first.Decision.ID, res.Decision.ID)
	assert.Equal(t, first.Decision.Params, res.Decision.Params)
	assert.False(t, res.Check.IsSafe)
	assert.True(t, hasFinding(res.Check.Violations, safety.CheckInputContract))
	assert.True(t, hasFinding(res.Check.Warnings, safety.CheckOscillationGuard))
	assert.Len(t, f.eng.History(), 1)
}

func TestRunCycle_CycleInProgress(t *testing.T) {
	f := newFixture(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	p := proposal(nil)
	f.backend.set(func(oracle.Request) (action.RawProposal, error) {
		close(entered)
		<-release
		return p, nil
	})

	done := make(chan CycleResult)
	go func() { done <- f.cycle(t) }()
	<-entered

	busy := f.cycle(t)
	assert.ErrorIs(t, busy.Err, ErrCycleInProgress)
	assert.Equal(t, action.OriginFallback, busy.Decision.Origin)
	assert.True(t, busy.Check.IsSafe)

	close(release)
	first := <-done
	assert.NoError(t, first.Err)
	assert.Equal(t, action.OriginValidated, first.Decision.Origin)
	assert.Len(t, f.eng.History(), 1)
}

// #endregion cycle-tests

// #region guard-tests
func TestOscillationGuard_ExtendsCurrentDecision(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)
	require.Equal(t, action.OriginValidated, first.Decision.Origin)

	f.clock.Advance(3 * time.Second)
	f.backend.returns(map[string]any{"strategy_name": "busy_office", "noise_suppression_strength": 0.5})
	res := f.cycle(t)

	assert.ErrorIs(t, res.Err, ErrOscillationGuard)
	assert.Equal(t, action.OriginExtended, res.Decision.Origin)
	assert.Equal(t, first.Decision.ID, res.Decision.ID)
	assert.Equal(t, first.Decision.IssuedAt, res.Decision.IssuedAt)
	assert.Equal(t, first.Decision.Params, res.Decision.Params)
	assert.True(t, res.Check.IsSafe)
	assert.True(t, hasFinding(res.Check.Warnings, safety.CheckOscillationGuard))
	assert.Len(t, f.eng.History(), 1)
}

func TestOscillationGuard_OverrideRationale(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)

	f.clock.Advance(3 * time.Second)
	f.backend.returns(map[string]any{"strategy_name": "busy_office", "override_rationale": overrideText})
	res := f.cycle(t)

	assert.NoError(t, res.Err)
	assert.Equal(t, action.OriginValidated, res.Decision.Origin)
	assert.NotEqual(t, first.Decision.ID, res.Decision.ID)
	assert.Equal(t, overrideText, res.Decision.OverrideRationale)
	assert.True(t, res.Reasoning.Guard.Override)
	assert.Len(t, f.eng.History(), 2)
}

func TestOscillationGuard_InvalidOverrideKeepsCurrent(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)

	f.clock.Advance(2 * time.Second)
	f.backend.returns(map[string]any{"noise_suppression_strength": 1.2, "override_rationale": overrideText})
	res := f.cycle(t)

	assert.ErrorIs(t, res.Err, ErrOscillationGuard)
	assert.Equal(t, action.OriginExtended, res.Decision.Origin)
	assert.Equal(t, first.Decision.ID, res.Decision.ID)
	assert.False(t, res.Check.IsSafe)
	assert.NotEmpty(t, res.Check.ViolationsFor(bounds.FieldNoiseSuppression))
	assert.True(t, hasFinding(res.Check.Warnings, safety.CheckOscillationGuard))
}

func TestOscillationGuard_ShortOverrideIgnored(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)

	f.clock.Advance(time.Second)
	f.backend.returns(map[string]any{"override_rationale": "user asked"})
	res := f.cycle(t)

	assert.False(t, res.Reasoning.Guard.Override)
	assert.Equal(t, first.Decision.ID, res.Decision.ID)
}

func TestOscillationGuard_ExpiresAfterWindow(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)

	f.clock.Advance(10 * time.Second)
	res := f.cycle(t)
	assert.NoError(t, res.Err)
	assert.Equal(t, action.OriginValidated, res.Decision.Origin)
	assert.NotEqual(t, first.Decision.ID, res.Decision.ID)
}

func TestManualOverrideLiftsGuard(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)

	require.NoError(t, f.eng.ManualOverride(context.Background(), "wearer pressed the program button"))
	f.clock.Advance(2 * time.Second)
	res := f.cycle(t)

	assert.NoError(t, res.Err)
	assert.Equal(t, action.OriginValidated, res.Decision.Origin)
	assert.NotEqual(t, first.Decision.ID, res.Decision.ID)

	entries, err := f.audit.List(context.Background(), audit.Filter{Kind: audit.KindOverride})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first.Decision.ID, entries[0].DecisionID)
	assert.Equal(t, "wearer pressed the program button", entries[0].Reason)

	// the new decision holds the window again
	f.clock.Advance(2 * time.Second)
	again := f.cycle(t)
	assert.Equal(t, action.OriginExtended, again.Decision.Origin)
}

func TestDecisionStartsAreSpacedByStabilityWindow(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))
	window := DefaultConfig().StabilityWindow

	var starts []action.Decision
	seen := map[string]bool{}
	for i := 0; i < 300; i++ {
		f.clock.Advance(time.Duration(rng.Intn(15000)) * time.Millisecond)
		overrides := map[string]any{"noise_suppression_strength": 0.3 + 0.6*rng.Float64()}
		if rng.Intn(5) == 0 {
			overrides["override_rationale"] = overrideText
		}
		switch rng.Intn(6) {
		case 0:
			f.backend.set(func(oracle.Request) (action.RawProposal, error) {
				return action.RawProposal{}, oracle.ErrOracleUnavailable
			})
		case 1:
			overrides["is_reversible"] = false
			f.backend.returns(overrides)
		default:
			f.backend.returns(overrides)
		}

		res := f.cycle(t)
		require.Contains(t, []action.Origin{action.OriginValidated, action.OriginExtended, action.OriginFallback}, res.Decision.Origin)
		if !seen[res.Decision.ID] {
			seen[res.Decision.ID] = true
			starts = append(starts, res.Decision)
		}
	}

	require.Greater(t, len(starts), 10)
	var fallbacks int
	for _, d := range starts {
		if d.Origin == action.OriginFallback {
			fallbacks++
		}
	}
	require.Positive(t, fallbacks)
	for i := 1; i < len(starts); i++ {
		if starts[i].OverrideRationale != "" {
			continue
		}
		gap := starts[i].IssuedAt.Sub(starts[i-1].IssuedAt)
		assert.GreaterOrEqual(t, gap, window, "decision %d started %s after the previous one", i, gap)
	}
}

func TestOscillationGuard_FallbackHoldsWindow(t *testing.T) {
	f := newFixture(t)
	f.backend.returns(map[string]any{"is_reversible": false})
	first := f.cycle(t)
	require.Equal(t, action.OriginFallback, first.Decision.Origin)

	f.clock.Advance(time.Second)
	f.backend.returns(nil)
	res := f.cycle(t)
	assert.ErrorIs(t, res.Err, ErrOscillationGuard)
	assert.Equal(t, action.OriginExtended, res.Decision.Origin)
	assert.Equal(t, first.Decision.ID, res.Decision.ID)
	assert.Equal(t, safety.FallbackParameters(), res.Decision.Params)
	assert.Len(t, f.eng.History(), 1)

	f.clock.Advance(9 * time.Second)
	after := f.cycle(t)
	assert.NoError(t, after.Err)
	assert.Equal(t, action.OriginValidated, after.Decision.Origin)
}

func TestOscillationGuard_OracleErrorExtendsCurrent(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)
	require.Equal(t, action.OriginValidated, first.Decision.Origin)

	f.clock.Advance(time.Second)
	boom := errors.New("deadline exceeded")
	f.backend.set(func(oracle.Request) (action.RawProposal, error) {
		return action.RawProposal{}, boom
	})
	res := f.cycle(t)
	assert.ErrorIs(t, res.Err, boom)
	assert.ErrorIs(t, res.Err, ErrOscillationGuard)
	assert.Equal(t, action.OriginExtended, res.Decision.Origin)
	assert.Equal(t, first.Decision.ID, res.Decision.ID)
	assert.Equal(t, first.Decision.Params, res.Decision.Params)
	assert.False(t, res.Check.IsSafe)
	assert.True(t, hasFinding(res.Check.Violations, safety.CheckOracle))
	assert.True(t, hasFinding(res.Check.Warnings, safety.CheckOscillationGuard))

	f.clock.Advance(time.Second)
	f.backend.returns(nil)
	again := f.cycle(t)
	assert.Equal(t, action.OriginExtended, again.Decision.Origin)
	assert.Equal(t, first.Decision.ID, again.Decision.ID)
	assert.Len(t, f.eng.History(), 1)
}

func TestOscillationGuard_LowConfidenceOverrideKeepsCurrent(t *testing.T) {
	f := newFixture(t)
	first := f.cycle(t)

	f.clock.Advance(2 * time.Second)
	f.backend.returns(map[string]any{"confidence": 0.1, "strategy_name": "music", "override_rationale": overrideText})
	res := f.cycle(t)

	assert.ErrorIs(t, res.Err, ErrOscillationGuard)
	assert.Equal(t, action.OriginExtended, res.Decision.Origin)
	assert.Equal(t, first.Decision.ID, res.Decision.ID)
	assert.True(t, hasFinding(res.Check.Violations, safety.CheckLowConfidence))
	assert.Len(t, f.eng.History(), 1)
}

func TestSelectPreset_SupersedesAndIsRanked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.cycle(t)
	require.Equal(t, action.OriginValidated, first.Decision.Origin)

	f.clock.Advance(2 * time.Second)
	d, check, err := f.eng.SelectPreset(ctx, strategy.Music)
	require.NoError(t, err)
	assert.True(t, check.IsSafe, check.Summary())
	assert.Equal(t, action.OriginValidated, d.Origin)
	assert.Equal(t, strategy.Presets[strategy.Music].Params, d.Params)
	assert.Equal(t, "user selected preset music", d.OverrideRationale)
	assert.Equal(t, f.clock.Now(), d.IssuedAt)

	cur, ok := f.eng.Current()
	require.True(t, ok)
	assert.Equal(t, d.ID, cur.ID)
	assert.Len(t, f.eng.History(), 2)

	// the preset holds the window like any decision
	f.clock.Advance(time.Second)
	held := f.cycle(t)
	assert.ErrorIs(t, held.Err, ErrOscillationGuard)
	assert.Equal(t, d.ID, held.Decision.ID)

	delta, err := f.eng.Learn(ctx, learning.Feedback{DecisionID: d.ID, ASRConfidenceChange: 0.4})
	require.NoError(t, err)
	assert.True(t, delta.Applied)
	assert.Equal(t, first.Reasoning.Key, delta.Key)
	rk, err := f.tracker.Rankings(ctx, first.Reasoning.Key, f.clock.Now())
	require.NoError(t, err)
	score, ok := rk.Score(strategy.Music)
	require.True(t, ok)
	assert.Greater(t, score, ranking.Neutral)

	entries, err := f.audit.List(ctx, audit.Filter{Kind: audit.KindPreset})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, d.ID, entries[0].DecisionID)
	assert.True(t, entries[0].Safe)
}

func TestSelectPreset_UnknownAndRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.eng.SelectPreset(ctx, "bass_boost")
	assert.ErrorIs(t, err, ErrUnknownPreset)

	tbl, err := bounds.Parse(strings.NewReader("version: v2-narrow\ncompression_ratio: {min: 1.0, max: 3.0}\n"))
	require.NoError(t, err)
	f.eng = New(DefaultConfig(), Deps{
		Oracle:  f.backend,
		Tracker: f.tracker,
		Table:   tbl,
		Audit:   f.audit,
		Logger:  zap.NewNop(),
		Clock:   f.clock.Now,
	})
	first := f.cycle(t)
	require.Equal(t, action.OriginValidated, first.Decision.Origin)

	_, check, err := f.eng.SelectPreset(ctx, strategy.PhoneCall)
	assert.ErrorIs(t, err, ErrPresetRejected)
	assert.NotEmpty(t, check.ViolationsFor(bounds.FieldCompressionRatio))
	cur, ok := f.eng.Current()
	require.True(t, ok)
	assert.Equal(t, first.Decision.ID, cur.ID)

	entries, err := f.audit.List(ctx, audit.Filter{Kind: audit.KindPreset})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Safe)
}

// #endregion guard-tests

// #region confidence-tests
func TestLowConfidence_FallbackThenReuse(t *testing.T) {
	f := newFixture(t)

	f.backend.returns(map[string]any{"confidence": 0.2})
	low := f.cycle(t)
	assert.Equal(t, action.OriginFallback, low.Decision.Origin)
	assert.True(t, low.Reasoning.LowConfidence)
	assert.InDelta(t, 0.2, low.Reasoning.EffectiveConfidence, 1e-9)
	assert.True(t, hasFinding(low.Check.Violations, safety.CheckLowConfidence))

	f.clock.Advance(20 * time.Second)
	f.backend.returns(nil)
	good := f.cycle(t)
	require.Equal(t, action.OriginValidated, good.Decision.Origin)

	f.clock.Advance(20 * time.Second)
	f.backend.returns(map[string]any{"confidence": 0.1, "strategy_name": "music"})
	reused := f.cycle(t)
	assert.Equal(t, action.OriginReused, reused.Decision.Origin)
	assert.NotEqual(t, good.Decision.ID, reused.Decision.ID)
	assert.Equal(t, good.Decision.StrategyName, reused.Decision.StrategyName)
	assert.Equal(t, good.Decision.Params, reused.Decision.Params)
	assert.Equal(t, f.clock.Now(), reused.Decision.IssuedAt)
	assert.True(t, reused.Check.IsSafe, reused.Check.Summary())
	assert.True(t, hasFinding(reused.Check.Warnings, safety.CheckLowConfidence))
	assert.NotEmpty(t, reused.Decision.AuditNotes)
}

func TestAssessConfidence(t *testing.T) {
	profile := map[string]float64{"1000": 30}
	tests := []struct {
		name string
		ctx  observation.Context
		want float64
	}{
		{"no speech", observation.Context{Scene: observation.SceneQuiet, Intent: observation.IntentActivitySpecific, HearingLoss: profile}, 0.5},
		{"clear conversation", observation.Context{Scene: observation.SceneRestaurant, Intent: observation.IntentConversation, SpeechPresence: true, SpeechConfidence: 0.8, ASRConfidence: 0.9, HearingLoss: profile}, 0.9},
		{"capped at one", observation.Context{Scene: observation.SceneOffice, Intent: observation.IntentConversation, SpeechPresence: true, SpeechConfidence: 0.98, ASRConfidence: 0.9, HearingLoss: profile}, 1},
		{"unknown scene", observation.Context{Scene: observation.SceneUnknown, Intent: observation.IntentSpeakerFocus, HearingLoss: profile}, 0.4},
		{"speech not understood", observation.Context{Scene: observation.SceneMeeting, Intent: observation.IntentSpeakerFocus, SpeechPresence: true, SpeechConfidence: 0.7, ASRConfidence: 0.3, HearingLoss: profile}, 0.55},
		{"no profile and busy", observation.Context{Scene: observation.SceneTraffic, Intent: observation.IntentEnvironmentalAwareness, Device: observation.DeviceState{ProcessingLoadPct: 95}}, 0.35},
		{"floored", observation.Context{Scene: observation.SceneUnknown, Intent: observation.IntentSpeakerFocus, SpeechPresence: true, SpeechConfidence: 0.1, ASRConfidence: 0.1}, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AssessConfidence(tt.ctx), 1e-9)
		})
	}
}

// #endregion confidence-tests

// #region learn-tests
func TestLearn_RaisesRankingAndFeedsNextContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.cycle(t)
	require.Equal(t, action.OriginValidated, res.Decision.Origin)
	key := res.Reasoning.Key

	before, err := f.tracker.Rankings(ctx, key, t0)
	require.NoError(t, err)
	prev, _ := before.Score("crowded_restaurant")

	sat := 90.0
	delta, err := f.eng.Learn(ctx, learning.Feedback{
		DecisionID:          res.Decision.ID,
		ASRConfidenceChange: 0.3,
		NoiseLevelChange:    -4,
		SatisfactionRating:  &sat,
	})
	require.NoError(t, err)
	assert.True(t, delta.Applied)
	assert.Equal(t, StateObserving, f.eng.State())

	after, err := f.tracker.Rankings(ctx, key, t0)
	require.NoError(t, err)
	next, _ := after.Score("crowded_restaurant")
	assert.Greater(t, next, prev)
	assert.LessOrEqual(t, next-prev, learning.DefaultConfig().MaxStep+1e-9)

	f.clock.Advance(15 * time.Second)
	f.cycle(t)
	req := f.backend.last()
	require.Len(t, req.Context.FeedbackHistory, 1)
	assert.Equal(t, res.Decision.ID, req.Context.FeedbackHistory[0].DecisionID)
	assert.Equal(t, t0, req.Context.FeedbackHistory[0].ReceivedAt)
	require.Len(t, req.Context.RecentActions, 1)
	assert.Equal(t, res.Decision.ID, req.Context.RecentActions[0].ID)
	assert.Equal(t, "crowded_restaurant", req.Rankings[0].Strategy)

	entries, err := f.audit.List(ctx, audit.Filter{Kind: audit.KindFeedback})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLearn_ConflictIsAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.cycle(t)

	_, err := f.eng.Learn(ctx, learning.Feedback{DecisionID: res.Decision.ID, ASRConfidenceChange: 0.5})
	require.NoError(t, err)
	_, err = f.eng.Learn(ctx, learning.Feedback{DecisionID: res.Decision.ID, UserOverride: true})
	assert.ErrorIs(t, err, learning.ErrLearningConflict)

	entries, err := f.audit.List(ctx, audit.Filter{Kind: audit.KindConflict})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.Decision.ID, entries[0].DecisionID)
}

func TestLearn_FallbackIsNotRanked(t *testing.T) {
	f := newFixture(t)
	f.backend.returns(map[string]any{"is_reversible": false})
	res := f.cycle(t)
	require.Equal(t, action.OriginFallback, res.Decision.Origin)

	delta, err := f.eng.Learn(context.Background(), learning.Feedback{DecisionID: res.Decision.ID, ASRConfidenceChange: 0.5})
	require.NoError(t, err)
	assert.False(t, delta.Applied)
	assert.Zero(t, delta.Step)
}

func TestRevertDecision_RestoresRanking(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.cycle(t)
	key := res.Reasoning.Key

	before, err := f.tracker.Rankings(ctx, key, t0)
	require.NoError(t, err)
	prev, _ := before.Score("crowded_restaurant")

	delta, err := f.eng.Learn(ctx, learning.Feedback{DecisionID: res.Decision.ID, ASRConfidenceChange: 0.4})
	require.NoError(t, err)
	require.True(t, delta.Applied)

	recs, err := f.eng.RevertDecision(ctx, res.Decision.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rk, err := f.tracker.Rankings(ctx, key, t0)
	require.NoError(t, err)
	score, _ := rk.Score("crowded_restaurant")
	assert.InDelta(t, prev, score, 1e-9)

	entries, err := f.audit.List(ctx, audit.Filter{Kind: audit.KindRevert})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, res.Decision.ID, entries[0].DecisionID)
}

// #endregion learn-tests

// #region history-tests
func TestHistoryIsCapped(t *testing.T) {
	f := newFixture(t)
	var ids []string
	for i := 0; i < 7; i++ {
		res := f.cycle(t)
		require.Equal(t, action.OriginValidated, res.Decision.Origin)
		ids = append(ids, res.Decision.ID)
		f.clock.Advance(11 * time.Second)
	}

	hist := f.eng.History()
	require.Len(t, hist, 5)
	for i, d := range hist {
		assert.Equal(t, ids[i+2], d.ID)
	}

	// callers get copies
	hist[0].StrategyName = "tampered"
	assert.NotEqual(t, "tampered", f.eng.History()[0].StrategyName)
}

func TestAuditChainAfterMixedCycles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.cycle(t)
	_, _ = f.eng.Learn(ctx, learning.Feedback{DecisionID: res.Decision.ID, ASRConfidenceChange: 0.2})
	f.clock.Advance(time.Second)
	f.cycle(t)
	f.backend.set(func(oracle.Request) (action.RawProposal, error) {
		return action.RawProposal{}, oracle.ErrOracleUnavailable
	})
	f.clock.Advance(time.Second)
	f.cycle(t)
	require.NoError(t, f.eng.ManualOverride(ctx, "volume wheel"))

	entries, err := f.audit.List(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	assert.NoError(t, f.audit.Verify(ctx))
}

// #endregion history-tests
