package oracle

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/safety"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

// recordingBackend remembers the last request it saw.
type recordingBackend struct {
	inner ReasoningBackend
	last  Request
}

func (r *recordingBackend) Propose(ctx context.Context, req Request) (action.RawProposal, error) {
	r.last = req
	return r.inner.Propose(ctx, req)
}

func startReasoner(t *testing.T, backend ReasoningBackend) *GRPCBackend {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterReasonerServer(srv, NewReasonerServer(backend))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewGRPCBackendWithConn(conn)
}

func TestGRPCBackend_RoundTrip(t *testing.T) {
	rec := &recordingBackend{inner: StaticBackend{}}
	client := startReasoner(t, rec)

	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	prior := safety.Fallback(issued, bounds.DefaultVersion, "")
	req := Request{
		Context: observation.Context{
			Scene:            observation.SceneOffice,
			NoiseLevelDB:     58,
			SpeechPresence:   true,
			SpeechConfidence: 0.8,
			Intent:           observation.IntentSpeakerFocus,
			HearingLoss:      map[string]float64{"1000": 35, "4000": 50},
			RecentActions:    []action.Decision{prior},
			Temporal:         observation.TemporalContext{Hour: 9, DayOfWeek: time.Monday},
		},
		Constraints: bounds.Default(),
		ScenarioKey: "office|speaker_focus|moderate|morning",
		Rankings:    []ranking.Entry{{Strategy: "phone_call", Score: 0.8}},
	}

	p, err := client.Propose(context.Background(), req)
	require.NoError(t, err)

	name, _ := p.String("strategy_name")
	assert.Equal(t, "phone_call", name)
	dur, st := p.Int("duration_seconds")
	assert.Equal(t, action.FieldOK, st)
	assert.Equal(t, 120, dur)
	assert.True(t, safety.Validate(p, bounds.Default()).IsSafe)

	// the server saw the request as sent
	assert.Equal(t, observation.SceneOffice, rec.last.Context.Scene)
	assert.Equal(t, 50.0, rec.last.Context.HearingLoss["4000"])
	assert.Equal(t, time.Monday, rec.last.Context.Temporal.DayOfWeek)
	require.Len(t, rec.last.Context.RecentActions, 1)
	assert.Equal(t, prior.ID, rec.last.Context.RecentActions[0].ID)
	assert.Equal(t, "v1", rec.last.Constraints.Version)
	assert.Equal(t, req.ScenarioKey, rec.last.ScenarioKey)
}

func TestGRPCBackend_ServerErrorIsUnavailable(t *testing.T) {
	failing := &fakeBackend{fn: func(context.Context, int) (action.RawProposal, error) {
		return action.RawProposal{}, errTransport
	}}
	client := startReasoner(t, failing)

	_, err := client.Propose(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	g := NewGuarded(client, testGuardConfig(), nil)
	_, err = g.Propose(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}
