package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description     string                  `json:"description"`
	StartTime       time.Time               `json:"start_time"`
	Config          FixtureConfig           `json:"config"`
	Cycles          []FixtureCycle          `json:"cycles"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureConfig overrides engine settings for a run. Zero values keep the
// engine defaults.
type FixtureConfig struct {
	ConfidenceThreshold    float64 `json:"confidence_threshold"`
	StabilityWindowSeconds float64 `json:"stability_window_seconds"`
	StaticDurationSeconds  int     `json:"static_duration_seconds"`
}

// FixtureCycle is one recorded cycle. Without a proposal or oracle error the
// static backend answers.
type FixtureCycle struct {
	CycleID        string             `json:"cycle_id"`
	OffsetSeconds  float64            `json:"offset_seconds"`
	Observation    observation.Fields `json:"observation"`
	Proposal       json.RawMessage    `json:"proposal,omitempty"`
	OracleError    string             `json:"oracle_error,omitempty"`
	Feedback       *FixtureFeedback   `json:"feedback,omitempty"`
	ManualOverride string             `json:"manual_override,omitempty"`
}

// FixtureFeedback is the executor report for the cycle's decision.
type FixtureFeedback struct {
	ASRConfidenceChange    float64  `json:"asr_confidence_change"`
	NoiseLevelChange       float64  `json:"noise_level_change"`
	UserOverride           bool     `json:"user_override"`
	OverrideLatencySeconds float64  `json:"override_latency_seconds"`
	SatisfactionRating     *float64 `json:"satisfaction_rating,omitempty"`
}

// FixtureExpectedResult captures the expected origin per cycle.
type FixtureExpectedResult struct {
	CycleID string `json:"cycle_id"`
	Origin  string `json:"origin"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.StartTime.IsZero() {
		return nil, fmt.Errorf("parse fixture %s: start_time is required", path)
	}
	return &f, nil
}

// Interactions converts the recorded cycles to domain interactions.
func (f *Fixture) Interactions() ([]Interaction, error) {
	out := make([]Interaction, len(f.Cycles))
	for i := range f.Cycles {
		inter, err := f.Cycles[i].ToInteraction(f.StartTime)
		if err != nil {
			return nil, err
		}
		out[i] = inter
	}
	return out, nil
}

// ToInteraction converts a FixtureCycle to a domain Interaction.
func (fc *FixtureCycle) ToInteraction(start time.Time) (Interaction, error) {
	inter := Interaction{
		CycleID:        fc.CycleID,
		At:             start.Add(time.Duration(fc.OffsetSeconds * float64(time.Second))),
		Fields:         fc.Observation,
		OracleError:    fc.OracleError,
		ManualOverride: fc.ManualOverride,
	}
	if len(fc.Proposal) > 0 {
		p, err := action.ParseRawProposal(fc.Proposal)
		if err != nil {
			return Interaction{}, fmt.Errorf("cycle %s: %w", fc.CycleID, err)
		}
		inter.Proposal = &p
	}
	if fb := fc.Feedback; fb != nil {
		inter.Feedback = &action.Feedback{
			ASRConfidenceChange:    fb.ASRConfidenceChange,
			NoiseLevelChange:       fb.NoiseLevelChange,
			UserOverride:           fb.UserOverride,
			OverrideLatencySeconds: fb.OverrideLatencySeconds,
			SatisfactionRating:     fb.SatisfactionRating,
		}
	}
	return inter, nil
}

// ToReplayConfig converts a FixtureConfig to a domain ReplayConfig.
func (fc *FixtureConfig) ToReplayConfig() ReplayConfig {
	cfg := DefaultReplayConfig()
	if fc.ConfidenceThreshold > 0 {
		cfg.Engine.ConfidenceThreshold = fc.ConfidenceThreshold
	}
	if fc.StabilityWindowSeconds > 0 {
		cfg.Engine.StabilityWindow = time.Duration(fc.StabilityWindowSeconds * float64(time.Second))
	}
	if fc.StaticDurationSeconds > 0 {
		cfg.StaticDurationSeconds = fc.StaticDurationSeconds
	}
	return cfg
}

// Mismatches compares results to the fixture's expectations.
func (f *Fixture) Mismatches(results []ReplayResult) []string {
	var out []string
	if len(results) != len(f.ExpectedResults) {
		out = append(out, fmt.Sprintf("expected %d results, got %d", len(f.ExpectedResults), len(results)))
	}
	for i, want := range f.ExpectedResults {
		if i >= len(results) {
			break
		}
		got := results[i]
		if got.CycleID != want.CycleID {
			out = append(out, fmt.Sprintf("cycle %d: expected cycle_id=%s, got %s", i, want.CycleID, got.CycleID))
		}
		if string(got.Origin) != want.Origin {
			out = append(out, fmt.Sprintf("cycle %d (%s): expected origin=%s, got %s (%s)",
				i, want.CycleID, want.Origin, got.Origin, got.Reason))
		}
	}
	return out
}

// #endregion fixture-loader
