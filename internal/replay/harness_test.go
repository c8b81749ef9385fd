package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/learning"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
)

// #region helpers

func f0() time.Time { return time.Date(2026, 6, 2, 18, 0, 0, 0, time.UTC) }

func quietFields() observation.Fields {
	return observation.Fields{
		"acoustic_scene":       "quiet",
		"noise_level_db":       35.0,
		"snr_db":               20.0,
		"speech_presence":      false,
		"speech_confidence":    0.1,
		"hearing_loss_profile": map[string]any{"2000": 25.0},
		"listening_intent":     "environmental_awareness",
		"temporal_context":     map[string]any{"hour": 18},
	}
}

func rating(v float64) *float64 { return &v }

// #endregion helpers

// #region harness-tests

func TestReplay_EmptyInteractions(t *testing.T) {
	results, summary, err := Replay(context.Background(), nil, DefaultReplayConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 results, got %d", len(results))
	}
	if summary.TotalCycles != 0 || !summary.AuditVerified {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestReplay_StaticBackendLearnsAcrossCycles(t *testing.T) {
	store := ranking.NewMemoryStore()
	cfg := DefaultReplayConfig()
	cfg.Store = store

	var interactions []Interaction
	for i := 0; i < 4; i++ {
		interactions = append(interactions, Interaction{
			CycleID:  "q" + string(rune('1'+i)),
			At:       f0().Add(time.Duration(i) * 30 * time.Second),
			Fields:   quietFields(),
			Feedback: &action.Feedback{ASRConfidenceChange: 0.2, SatisfactionRating: rating(75)},
		})
	}

	results, summary, err := Replay(context.Background(), interactions, cfg)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if summary.Validated != 4 || summary.FeedbackApplied != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, r := range results {
		if r.Strategy != results[0].Strategy {
			t.Errorf("%s: strategy %s, want %s", r.CycleID, r.Strategy, results[0].Strategy)
		}
		if r.Delta == nil || !r.Delta.Applied {
			t.Errorf("%s: feedback not applied", r.CycleID)
		}
	}

	key := results[0].Delta.Key
	rk, ok, err := store.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("ranking for %s missing: ok=%v err=%v", key, ok, err)
	}
	score, _ := rk.Score(results[0].Strategy)
	if score <= ranking.Neutral {
		t.Errorf("score = %.3f, want above neutral", score)
	}
	if rk.Entries[0].Strategy != results[0].Strategy {
		t.Errorf("top strategy = %s, want %s", rk.Entries[0].Strategy, results[0].Strategy)
	}
}

func TestReplay_ConflictingFeedbackIsCounted(t *testing.T) {
	interactions := []Interaction{{
		CycleID:  "k1",
		At:       f0(),
		Fields:   quietFields(),
		Feedback: &action.Feedback{ASRConfidenceChange: 0.6, UserOverride: true},
	}}
	results, summary, err := Replay(context.Background(), interactions, DefaultReplayConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if results[0].FeedbackOutcome != "conflict" || summary.Conflicts != 1 {
		t.Errorf("outcome=%s conflicts=%d", results[0].FeedbackOutcome, summary.Conflicts)
	}
}

func TestReplay_OracleErrorFallsBack(t *testing.T) {
	interactions := []Interaction{{CycleID: "e1", At: f0(), Fields: quietFields(), OracleError: "connection reset"}}
	results, _, err := Replay(context.Background(), interactions, DefaultReplayConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if results[0].Origin != action.OriginFallback || results[0].Safe {
		t.Errorf("result = %+v", results[0])
	}
}

func TestReplay_FailuresInsideWindowExtend(t *testing.T) {
	interactions := []Interaction{
		{CycleID: "w1", At: f0(), Fields: quietFields()},
		{CycleID: "w2", At: f0().Add(3 * time.Second), Fields: quietFields(), OracleError: "connection reset"},
		{CycleID: "w3", At: f0().Add(6 * time.Second), Fields: observation.Fields{"acoustic_scene": "quiet", "raw_audio": "AAAA"}},
		{CycleID: "w4", At: f0().Add(12 * time.Second), Fields: quietFields(), OracleError: "connection reset"},
		{CycleID: "w5", At: f0().Add(15 * time.Second), Fields: quietFields()},
	}
	results, summary, err := Replay(context.Background(), interactions, DefaultReplayConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	want := []action.Origin{
		action.OriginValidated,
		action.OriginExtended,
		action.OriginExtended,
		action.OriginFallback,
		action.OriginExtended,
	}
	for i, r := range results {
		if r.Origin != want[i] {
			t.Errorf("%s: origin %s, want %s", r.CycleID, r.Origin, want[i])
		}
	}
	if results[1].DecisionID != results[0].DecisionID || results[2].DecisionID != results[0].DecisionID {
		t.Errorf("failures inside the window must keep decision %s", results[0].DecisionID)
	}
	if results[4].DecisionID != results[3].DecisionID {
		t.Errorf("fallback %s must hold the window, got %s", results[3].DecisionID, results[4].DecisionID)
	}
	if summary.Fallbacks != 1 || summary.Extended != 3 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestReplay_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	interactions := []Interaction{{CycleID: "x", At: f0(), Fields: quietFields()}}
	results, _, err := Replay(ctx, interactions, DefaultReplayConfig())
	if err == nil {
		t.Fatal("expected context error")
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestSummarize(t *testing.T) {
	results := []ReplayResult{
		{Origin: action.OriginValidated, FeedbackOutcome: "applied"},
		{Origin: action.OriginExtended},
		{Origin: action.OriginFallback, FeedbackOutcome: "skipped"},
		{Origin: action.OriginReused, FeedbackOutcome: "conflict"},
		{Origin: action.OriginValidated},
	}
	s := Summarize(results)
	if s.TotalCycles != 5 || s.Validated != 2 || s.Extended != 1 || s.Fallbacks != 1 || s.Reused != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.FeedbackApplied != 1 || s.Conflicts != 1 {
		t.Errorf("unexpected feedback counts: %+v", s)
	}
}

func TestFeedbackOutcome(t *testing.T) {
	if got := feedbackOutcome(learning.Delta{Applied: true}, nil); got != "applied" {
		t.Errorf("applied: got %s", got)
	}
	if got := feedbackOutcome(learning.Delta{}, nil); got != "skipped" {
		t.Errorf("skipped: got %s", got)
	}
	if got := feedbackOutcome(learning.Delta{}, learning.ErrUnknownDecision); got != "error" {
		t.Errorf("error: got %s", got)
	}
}

func TestReplayFixtures_Concurrent(t *testing.T) {
	src, err := os.ReadFile(filepath.Join("testdata", "restaurant_session.json"))
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.json", "b.json", "c.json"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, src, 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	runs, err := ReplayFixtures(context.Background(), paths, 2, nil)
	if err != nil {
		t.Fatalf("ReplayFixtures: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, run := range runs {
		if run.Path != paths[i] {
			t.Errorf("run %d path = %s, want %s", i, run.Path, paths[i])
		}
		if len(run.Mismatches) > 0 {
			t.Errorf("%s: %v", run.Path, run.Mismatches)
		}
	}

	if _, err := ReplayFixtures(context.Background(), append(paths, filepath.Join(dir, "missing.json")), 2, nil); err == nil {
		t.Error("expected an error for a missing fixture")
	}
}

// #endregion harness-tests
