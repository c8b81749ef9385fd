package safety

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/google/uuid"
)

const (
	clippedStrategy  = "bounded_strategy"
	clippedRationale = "Parameters were constrained to the active safety bounds; the proposed rationale was withheld."
)

// #region apply-bounds
// ApplyBounds forces any proposal into t. It is total: every input yields a
// Decision that validates clean, and a proposal that already validates comes
// back with the same values and no audit notes. Each altered field gets one note.
func ApplyBounds(p action.RawProposal, t bounds.Table) action.Decision {
	fb := FallbackParameters()
	defaults := map[string]float64{
		bounds.FieldNoiseSuppression:  fb.NoiseSuppression,
		bounds.FieldSpeechEnhancement: fb.SpeechEnhancement,
		bounds.FieldCompressionRatio:  fb.CompressionRatio,
		bounds.FieldHighFreqBoost:     fb.HighFreqBoostDB,
		bounds.FieldLowFreqReduction:  fb.LowFreqReductionDB,
		bounds.FieldConfidence:        bounds.FallbackConfidence,
		bounds.FieldDurationSeconds:   bounds.FallbackDuration,
	}

	var notes []string
	note := func(format string, args ...any) {
		notes = append(notes, fmt.Sprintf(format, args...))
	}

	values := make(map[string]float64, len(bounds.RangedFields))
	for _, field := range bounds.RangedFields {
		r, _ := t.Range(field)
		v, st := p.Float(field)
		switch st {
		case action.FieldMissing:
			v = r.Clip(defaults[field])
			note("%s missing; set to %g", field, v)
		case action.FieldMalformed:
			v = r.Clip(defaults[field])
			note("%s malformed (%s); set to %g", field, display(p, field), v)
		default:
			if field == bounds.FieldDurationSeconds && v != math.Round(v) {
				rounded := math.Round(v)
				note("%s rounded from %g to %g", field, v, rounded)
				v = rounded
			}
			if clipped := r.Clip(v); clipped != v {
				note("%s clipped from %g to %g", field, v, clipped)
				v = clipped
			}
		}
		if field == bounds.FieldDurationSeconds {
			// a fractional minimum would round back out of range
			v = math.Ceil(v - 1e-9)
			if v > r.Max {
				v = math.Floor(r.Max)
			}
		}
		values[field] = v
	}

	profile := action.ProfileNeutral
	if s, st := p.String(bounds.FieldFrequencyProfile); st == action.FieldOK {
		if parsedProfile, err := action.ParseFrequencyProfile(s); err == nil && t.AllowsProfile(parsedProfile.String()) {
			profile = parsedProfile
		} else {
			note("frequency_profile %q coerced to %s", s, profile)
		}
	} else {
		note("frequency_profile %s; set to %s", st, profile)
	}

	strategy, st := p.String(bounds.FieldStrategyName)
	if st != action.FieldOK || strings.TrimSpace(strategy) == "" || containsProhibited(strategy, t) {
		note("strategy_name replaced with %s", clippedStrategy)
		strategy = clippedStrategy
	}

	rationale, st := p.String(bounds.FieldRationale)
	if st != action.FieldOK ||
		utf8.RuneCountInString(strings.TrimSpace(rationale)) < t.MinRationaleChars ||
		containsProhibited(rationale, t) {
		note("rationale replaced")
		rationale = clippedRationale
	}

	var adjustments []action.SecondaryAdjustment
	if adj, st := p.Adjustments(bounds.FieldSecondaryAdjustments); st == action.FieldOK {
		for _, a := range adj {
			if containsProhibited(a.Condition, t) || containsProhibited(a.Adjustment, t) {
				note("secondary adjustment %q dropped", a.Condition)
				continue
			}
			adjustments = append(adjustments, a)
		}
	} else if st == action.FieldMalformed {
		note("secondary_adjustments malformed; dropped")
	}

	var override string
	if s, st := p.String(bounds.FieldOverrideRationale); st == action.FieldOK {
		if utf8.RuneCountInString(strings.TrimSpace(s)) >= t.MinRationaleChars && !containsProhibited(s, t) {
			override = s
		} else {
			note("override_rationale dropped")
		}
	} else if st == action.FieldMalformed {
		note("override_rationale malformed; dropped")
	}

	if b, st := p.Bool(bounds.FieldIsReversible); st != action.FieldOK || !b {
		note("is_reversible forced to true")
	}

	for _, key := range p.Keys() {
		if knownFields[key] {
			continue
		}
		v, _ := p.Value(key)
		for _, text := range collectText(v, []string{key}) {
			if containsProhibited(text, t) {
				note("unrecognised field %s dropped", key)
				break
			}
		}
	}

	return action.Decision{
		ID:           uuid.New().String(),
		StrategyName: strategy,
		Params: action.Parameters{
			NoiseSuppression:   values[bounds.FieldNoiseSuppression],
			SpeechEnhancement:  values[bounds.FieldSpeechEnhancement],
			CompressionRatio:   values[bounds.FieldCompressionRatio],
			HighFreqBoostDB:    values[bounds.FieldHighFreqBoost],
			LowFreqReductionDB: values[bounds.FieldLowFreqReduction],
			FrequencyProfile:   profile,
		},
		Confidence:           values[bounds.FieldConfidence],
		Rationale:            rationale,
		DurationSeconds:      int(values[bounds.FieldDurationSeconds]),
		SecondaryAdjustments: adjustments,
		OverrideRationale:    override,
		Origin:               action.OriginClipped,
		BoundsVersion:        t.Version,
		AuditNotes:           notes,
	}
}

// #endregion apply-bounds

func containsProhibited(text string, t bounds.Table) bool {
	norm := normalizeText(text)
	for _, term := range t.ProhibitedTerms {
		if nt := normalizeText(term); nt != "" && strings.Contains(norm, nt) {
			return true
		}
	}
	return false
}
