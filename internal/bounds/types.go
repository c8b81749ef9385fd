package bounds

import (
	"fmt"
	"math"
)

// #region fields
// Field names as they appear on the decision wire format.
const (
	FieldStrategyName         = "strategy_name"
	FieldNoiseSuppression     = "noise_suppression_strength"
	FieldSpeechEnhancement    = "speech_enhancement_strength"
	FieldCompressionRatio     = "compression_ratio"
	FieldHighFreqBoost        = "high_freq_boost_db"
	FieldLowFreqReduction     = "low_freq_reduction_db"
	FieldFrequencyProfile     = "frequency_profile"
	FieldConfidence           = "confidence"
	FieldRationale            = "rationale"
	FieldDurationSeconds      = "duration_seconds"
	FieldSecondaryAdjustments = "secondary_adjustments"
	FieldIsReversible         = "is_reversible"
	FieldOverrideRationale    = "override_rationale"
)

// ParameterFields lists the five numeric action parameters in wire order.
var ParameterFields = []string{
	FieldNoiseSuppression,
	FieldSpeechEnhancement,
	FieldCompressionRatio,
	FieldHighFreqBoost,
	FieldLowFreqReduction,
}

// RangedFields lists every field that carries a numeric [min,max] bound.
var RangedFields = append(append([]string{}, ParameterFields...), FieldConfidence, FieldDurationSeconds)

// #endregion fields

// #region range
// Range is an inclusive numeric interval.
type Range struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// Contains reports whether v lies in [Min, Max]. NaN is never contained.
func (r Range) Contains(v float64) bool {
	return !math.IsNaN(v) && v >= r.Min && v <= r.Max
}

// Clip returns v moved to the nearest bound when it lies outside the range.
func (r Range) Clip(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

func (r Range) String() string {
	return fmt.Sprintf("[%g, %g]", r.Min, r.Max)
}

// #endregion range

// #region warnings
// WarningThresholds are soft limits surfaced for audit, never hard failures.
type WarningThresholds struct {
	LowConfidence       float64 `yaml:"low_confidence" json:"low_confidence"`
	HighConfidence      float64 `yaml:"high_confidence" json:"high_confidence"`
	MaxAggressiveness   float64 `yaml:"max_aggressiveness" json:"max_aggressiveness"`
	MinInformativeWords int     `yaml:"min_informative_words" json:"min_informative_words"`
	MinInformativeChars int     `yaml:"min_informative_chars" json:"min_informative_chars"`
}

// #endregion warnings

// #region table
// Table is one versioned set of parameter constraints.
type Table struct {
	Version            string            `yaml:"version" json:"version"`
	NoiseSuppression   Range             `yaml:"noise_suppression_strength" json:"noise_suppression_strength"`
	SpeechEnhancement  Range             `yaml:"speech_enhancement_strength" json:"speech_enhancement_strength"`
	CompressionRatio   Range             `yaml:"compression_ratio" json:"compression_ratio"`
	HighFreqBoostDB    Range             `yaml:"high_freq_boost_db" json:"high_freq_boost_db"`
	LowFreqReductionDB Range             `yaml:"low_freq_reduction_db" json:"low_freq_reduction_db"`
	Confidence         Range             `yaml:"confidence" json:"confidence"`
	DurationSeconds    Range             `yaml:"duration_seconds" json:"duration_seconds"`
	FrequencyProfiles  []string          `yaml:"frequency_profiles" json:"frequency_profiles"`
	MinRationaleChars  int               `yaml:"min_rationale_chars" json:"min_rationale_chars"`
	ProhibitedTerms    []string          `yaml:"prohibited_terms" json:"prohibited_terms"`
	Warnings           WarningThresholds `yaml:"warnings" json:"warnings"`
}

// Range returns the bound for a ranged field.
func (t Table) Range(field string) (Range, bool) {
	switch field {
	case FieldNoiseSuppression:
		return t.NoiseSuppression, true
	case FieldSpeechEnhancement:
		return t.SpeechEnhancement, true
	case FieldCompressionRatio:
		return t.CompressionRatio, true
	case FieldHighFreqBoost:
		return t.HighFreqBoostDB, true
	case FieldLowFreqReduction:
		return t.LowFreqReductionDB, true
	case FieldConfidence:
		return t.Confidence, true
	case FieldDurationSeconds:
		return t.DurationSeconds, true
	}
	return Range{}, false
}

// AllowsProfile reports whether name is in the table's profile enumeration.
func (t Table) AllowsProfile(name string) bool {
	for _, p := range t.FrequencyProfiles {
		if p == name {
			return true
		}
	}
	return false
}

// #endregion table
