package action

import (
	"encoding/json"
	"fmt"
	"time"
)

// #region origin
// Origin records how a Decision came to exist.
type Origin string

const (
	OriginValidated Origin = "validated" // oracle proposal accepted unchanged
	OriginFallback  Origin = "fallback"  // fixed conservative action
	OriginExtended  Origin = "extended"  // current decision kept by the stability guard
	OriginReused    Origin = "reused"    // prior successful decision for the scenario re-issued
	OriginClipped   Origin = "clipped"   // forced into bounds by ApplyBounds
)

// #endregion origin

// #region parameters
// Parameters are the six bounded processing fields sent to the executor.
type Parameters struct {
	NoiseSuppression   float64          `json:"noise_suppression_strength"`
	SpeechEnhancement  float64          `json:"speech_enhancement_strength"`
	CompressionRatio   float64          `json:"compression_ratio"`
	HighFreqBoostDB    float64          `json:"high_freq_boost_db"`
	LowFreqReductionDB float64          `json:"low_freq_reduction_db"`
	FrequencyProfile   FrequencyProfile `json:"frequency_profile"`
}

// SecondaryAdjustment is a human-readable conditional rule, never an instruction the executor runs.
type SecondaryAdjustment struct {
	Condition  string `json:"condition"`
	Adjustment string `json:"adjustment"`
}

// #endregion parameters

// #region decision
// Decision is the only unit ever sent to the executor. Values are copied on
// emission; callers must treat a Decision as immutable.
type Decision struct {
	ID                   string
	StrategyName         string
	Params               Parameters
	Confidence           float64
	AssessedConfidence   float64
	Rationale            string
	DurationSeconds      int
	SecondaryAdjustments []SecondaryAdjustment
	OverrideRationale    string
	Origin               Origin
	BoundsVersion        string
	IssuedAt             time.Time
	AuditNotes           []string
}

// IsReversible is always true: no other kind of Decision can be built.
func (d Decision) IsReversible() bool { return true }

// Duration returns the activation window length.
func (d Decision) Duration() time.Duration {
	return time.Duration(d.DurationSeconds) * time.Second
}

// ExpiresAt is the instant the decision is superseded by elapsed time.
func (d Decision) ExpiresAt() time.Time {
	return d.IssuedAt.Add(d.Duration())
}

// ActiveAt reports whether the activation window covers t.
func (d Decision) ActiveAt(t time.Time) bool {
	return !t.Before(d.IssuedAt) && t.Before(d.ExpiresAt())
}

// Clone returns a deep copy.
func (d Decision) Clone() Decision {
	cp := d
	if d.SecondaryAdjustments != nil {
		cp.SecondaryAdjustments = append([]SecondaryAdjustment(nil), d.SecondaryAdjustments...)
	}
	if d.AuditNotes != nil {
		cp.AuditNotes = append([]string(nil), d.AuditNotes...)
	}
	return cp
}

// Raw converts the decision back into proposal form so it can be re-validated.
func (d Decision) Raw() RawProposal {
	adj := make([]any, 0, len(d.SecondaryAdjustments))
	for _, a := range d.SecondaryAdjustments {
		adj = append(adj, map[string]any{"condition": a.Condition, "adjustment": a.Adjustment})
	}
	fields := map[string]any{
		"strategy_name":               d.StrategyName,
		"noise_suppression_strength":  d.Params.NoiseSuppression,
		"speech_enhancement_strength": d.Params.SpeechEnhancement,
		"compression_ratio":           d.Params.CompressionRatio,
		"high_freq_boost_db":          d.Params.HighFreqBoostDB,
		"low_freq_reduction_db":       d.Params.LowFreqReductionDB,
		"frequency_profile":           d.Params.FrequencyProfile.String(),
		"confidence":                  d.Confidence,
		"rationale":                   d.Rationale,
		"duration_seconds":            d.DurationSeconds,
		"secondary_adjustments":       adj,
		"is_reversible":               true,
	}
	if d.OverrideRationale != "" {
		fields["override_rationale"] = d.OverrideRationale
	}
	return RawProposal{fields: fields}
}

func (d Decision) String() string {
	return fmt.Sprintf("%s[%s ns=%.2f se=%.2f cr=%.2f hfb=%.1f lfr=%.1f %s conf=%.2f %ds]",
		d.StrategyName, d.Origin,
		d.Params.NoiseSuppression, d.Params.SpeechEnhancement, d.Params.CompressionRatio,
		d.Params.HighFreqBoostDB, d.Params.LowFreqReductionDB, d.Params.FrequencyProfile,
		d.Confidence, d.DurationSeconds)
}

// #endregion decision

// #region wire
// wireDecision is the executor-facing JSON shape.
type wireDecision struct {
	DecisionID           string                `json:"decision_id"`
	StrategyName         string                `json:"strategy_name"`
	NoiseSuppression     float64               `json:"noise_suppression_strength"`
	SpeechEnhancement    float64               `json:"speech_enhancement_strength"`
	CompressionRatio     float64               `json:"compression_ratio"`
	HighFreqBoostDB      float64               `json:"high_freq_boost_db"`
	LowFreqReductionDB   float64               `json:"low_freq_reduction_db"`
	FrequencyProfile     FrequencyProfile      `json:"frequency_profile"`
	Confidence           float64               `json:"confidence"`
	AssessedConfidence   float64               `json:"assessed_confidence,omitempty"`
	Rationale            string                `json:"rationale"`
	DurationSeconds      int                   `json:"duration_seconds"`
	SecondaryAdjustments []SecondaryAdjustment `json:"secondary_adjustments,omitempty"`
	IsReversible         bool                  `json:"is_reversible"`
	OverrideRationale    string                `json:"override_rationale,omitempty"`
	Origin               Origin                `json:"origin"`
	BoundsVersion        string                `json:"bounds_version,omitempty"`
	IssuedAt             time.Time             `json:"issued_at"`
	AuditNotes           []string              `json:"audit_notes,omitempty"`
}

func (d Decision) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDecision{
		DecisionID:           d.ID,
		StrategyName:         d.StrategyName,
		NoiseSuppression:     d.Params.NoiseSuppression,
		SpeechEnhancement:    d.Params.SpeechEnhancement,
		CompressionRatio:     d.Params.CompressionRatio,
		HighFreqBoostDB:      d.Params.HighFreqBoostDB,
		LowFreqReductionDB:   d.Params.LowFreqReductionDB,
		FrequencyProfile:     d.Params.FrequencyProfile,
		Confidence:           d.Confidence,
		AssessedConfidence:   d.AssessedConfidence,
		Rationale:            d.Rationale,
		DurationSeconds:      d.DurationSeconds,
		SecondaryAdjustments: d.SecondaryAdjustments,
		IsReversible:         true,
		OverrideRationale:    d.OverrideRationale,
		Origin:               d.Origin,
		BoundsVersion:        d.BoundsVersion,
		IssuedAt:             d.IssuedAt,
		AuditNotes:           d.AuditNotes,
	})
}

// UnmarshalJSON restores a stored decision. It trusts the stored record; it is
// not a substitute for validation of oracle output.
func (d *Decision) UnmarshalJSON(b []byte) error {
	var w wireDecision
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*d = Decision{
		ID:           w.DecisionID,
		StrategyName: w.StrategyName,
		Params: Parameters{
			NoiseSuppression:   w.NoiseSuppression,
			SpeechEnhancement:  w.SpeechEnhancement,
			CompressionRatio:   w.CompressionRatio,
			HighFreqBoostDB:    w.HighFreqBoostDB,
			LowFreqReductionDB: w.LowFreqReductionDB,
			FrequencyProfile:   w.FrequencyProfile,
		},
		Confidence:           w.Confidence,
		AssessedConfidence:   w.AssessedConfidence,
		Rationale:            w.Rationale,
		DurationSeconds:      w.DurationSeconds,
		SecondaryAdjustments: w.SecondaryAdjustments,
		OverrideRationale:    w.OverrideRationale,
		Origin:               w.Origin,
		BoundsVersion:        w.BoundsVersion,
		IssuedAt:             w.IssuedAt,
		AuditNotes:           w.AuditNotes,
	}
	return nil
}

// #endregion wire
