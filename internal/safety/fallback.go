package safety

import (
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/google/uuid"
)

// #region fallback-constant
// FallbackStrategy names the conservative action in logs and rankings.
const FallbackStrategy = bounds.FallbackStrategy

// FallbackParameters are fixed; every valid bounds table admits them.
func FallbackParameters() action.Parameters {
	p := bounds.FallbackPoint()
	return action.Parameters{
		NoiseSuppression:   p[bounds.FieldNoiseSuppression],
		SpeechEnhancement:  p[bounds.FieldSpeechEnhancement],
		CompressionRatio:   p[bounds.FieldCompressionRatio],
		HighFreqBoostDB:    p[bounds.FieldHighFreqBoost],
		LowFreqReductionDB: p[bounds.FieldLowFreqReduction],
		FrequencyProfile:   action.ProfileNeutral,
	}
}

// #endregion fallback-constant

// #region fallback
// Fallback returns the conservative decision with a fresh ID, stamped with the
// bounds table version it was issued under. reason is kept as an audit note so
// the substitution is traceable.
func Fallback(now time.Time, boundsVersion, reason string) action.Decision {
	d := action.Decision{
		ID:              uuid.New().String(),
		StrategyName:    FallbackStrategy,
		Params:          FallbackParameters(),
		Confidence:      bounds.FallbackConfidence,
		Rationale:       bounds.FallbackRationale,
		DurationSeconds: bounds.FallbackDuration,
		SecondaryAdjustments: []action.SecondaryAdjustment{
			{Condition: bounds.FallbackCondition, Adjustment: bounds.FallbackAdjustment},
		},
		Origin:        action.OriginFallback,
		BoundsVersion: boundsVersion,
		IssuedAt:      now,
	}
	if reason != "" {
		d.AuditNotes = []string{reason}
	}
	return d
}

// #endregion fallback
