package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// #region fixture-tests

// TestFixture_RestaurantSession replays the recorded restaurant session and
// compares each cycle's origin against the expected origin. If guard, safety
// or confidence rules drift, this catches it.
func TestFixture_RestaurantSession(t *testing.T) {
	fixturePath := filepath.Join("testdata", "restaurant_session.json")
	f, err := LoadFixture(fixturePath)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}

	interactions, err := f.Interactions()
	if err != nil {
		t.Fatalf("Interactions: %v", err)
	}
	results, summary, err := Replay(context.Background(), interactions, f.Config.ToReplayConfig())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	for _, m := range f.Mismatches(results) {
		t.Error(m)
	}

	if summary.Validated != 3 || summary.Extended != 1 || summary.Fallbacks != 3 || summary.Reused != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if summary.FeedbackApplied != 1 {
		t.Errorf("FeedbackApplied = %d, want 1", summary.FeedbackApplied)
	}
	if results[2].FeedbackOutcome != "skipped" {
		t.Errorf("feedback on a fallback: outcome=%s, want skipped", results[2].FeedbackOutcome)
	}
	// 8 cycles, 2 feedback records, 1 manual override
	if summary.AuditEntries != 11 {
		t.Errorf("AuditEntries = %d, want 11", summary.AuditEntries)
	}
	if !summary.AuditVerified {
		t.Error("audit chain did not verify")
	}
	if results[1].DecisionID != results[0].DecisionID {
		t.Errorf("extended cycle changed decision: %s -> %s", results[0].DecisionID, results[1].DecisionID)
	}
	if !strings.Contains(results[3].Reason, "input contract violation") {
		t.Errorf("c4 reason = %q", results[3].Reason)
	}
}

func TestLoadFixture_Errors(t *testing.T) {
	if _, err := LoadFixture(filepath.Join("testdata", "missing.json")); err == nil {
		t.Error("expected an error for a missing file")
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"description": "x", "cycles": [`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFixture(bad); err == nil {
		t.Error("expected a parse error")
	}

	noStart := filepath.Join(dir, "nostart.json")
	if err := os.WriteFile(noStart, []byte(`{"description": "x", "cycles": []}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFixture(noStart); err == nil || !strings.Contains(err.Error(), "start_time") {
		t.Errorf("expected start_time error, got %v", err)
	}
}

func TestFixtureCycle_MalformedProposal(t *testing.T) {
	fc := FixtureCycle{CycleID: "x1", Proposal: []byte(`[1, 2, 3]`)}
	if _, err := fc.ToInteraction(f0()); err == nil {
		t.Error("expected an error for a non-object proposal")
	}
}

func TestFixtureConfig_Defaults(t *testing.T) {
	var fc FixtureConfig
	cfg := fc.ToReplayConfig()
	def := DefaultReplayConfig()
	if cfg.Engine != def.Engine {
		t.Errorf("zero fixture config changed engine settings: %+v", cfg.Engine)
	}

	fc = FixtureConfig{ConfidenceThreshold: 0.5, StabilityWindowSeconds: 12.5, StaticDurationSeconds: 30}
	cfg = fc.ToReplayConfig()
	if cfg.Engine.ConfidenceThreshold != 0.5 || cfg.Engine.StabilityWindow.Seconds() != 12.5 || cfg.StaticDurationSeconds != 30 {
		t.Errorf("overrides not applied: %+v", cfg)
	}
}

// #endregion fixture-tests
