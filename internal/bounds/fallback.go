package bounds

import (
	"strings"
)

// #region fallback-point
// The conservative holding action. Its values are fixed; every table must
// admit them so the holding action always passes validation.
const (
	FallbackStrategy   = "minimal_intervention_monitoring"
	FallbackProfile    = "neutral"
	FallbackConfidence = 0.6
	FallbackDuration   = 10
	FallbackRationale  = "Minimal intervention while the environment is monitored; the proposed adjustment was not applied."
	FallbackCondition  = "if_safety_cleared"
	FallbackAdjustment = "return_to_previous_strategy"
)

// FallbackPoint maps every ranged field to the holding action's value.
func FallbackPoint() map[string]float64 {
	return map[string]float64{
		FieldNoiseSuppression:  0.3,
		FieldSpeechEnhancement: 0.0,
		FieldCompressionRatio:  1.5,
		FieldHighFreqBoost:     0.0,
		FieldLowFreqReduction:  0.0,
		FieldConfidence:        FallbackConfidence,
		FieldDurationSeconds:   FallbackDuration,
	}
}

func fallbackTexts() []string {
	return []string{FallbackStrategy, FallbackProfile, FallbackRationale, FallbackCondition, FallbackAdjustment}
}

// #endregion fallback-point

// NormalizeText lowercases and folds separators so "Sample_Rate" matches "sample rate".
func NormalizeText(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
