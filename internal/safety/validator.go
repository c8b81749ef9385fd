package safety

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/google/uuid"
)

// #region validator
// Validator checks oracle proposals against one bounds table.
type Validator struct {
	table bounds.Table
}

// NewValidator creates a validator bound to t.
func NewValidator(t bounds.Table) *Validator {
	return &Validator{table: t}
}

// Table returns the bounds table in use.
func (v *Validator) Table() bounds.Table {
	return v.table
}

// Validate runs every check against p.
func (v *Validator) Validate(p action.RawProposal) Check {
	return Validate(p, v.table)
}

// Accept validates p and converts it into a Decision only when it is safe.
func (v *Validator) Accept(p action.RawProposal, now time.Time) (action.Decision, Check, bool) {
	return Accept(p, v.table, now)
}

// ApplyBounds clips p into the table.
func (v *Validator) ApplyBounds(p action.RawProposal) action.Decision {
	return ApplyBounds(p, v.table)
}

// #endregion validator

// #region validate
// Validate is pure: the same proposal and table always give the same Check.
// Every layer runs; nothing short-circuits, so one call reports every problem.
func Validate(p action.RawProposal, t bounds.Table) Check {
	pf, violations := parse(p)

	violations = append(violations, checkBounds(pf, t)...)
	violations = append(violations, scanProhibited(p, t)...)
	violations = append(violations, checkRationale(pf, t)...)
	violations = append(violations, checkReversible(p, pf)...)
	violations = append(violations, checkDuration(pf, t)...)

	confViolations, warnings := checkConfidence(pf, t)
	violations = append(violations, confViolations...)
	warnings = append(warnings, checkAggressiveness(pf, t)...)

	return newCheck(violations, warnings, t.Version)
}

// Accept is the only path from a RawProposal to a validated Decision. The
// decision carries the proposal's values unchanged.
func Accept(p action.RawProposal, t bounds.Table, now time.Time) (action.Decision, Check, bool) {
	check := Validate(p, t)
	if !check.IsSafe {
		return action.Decision{}, check, false
	}
	pf, _ := parse(p)
	d := action.Decision{
		ID:           uuid.New().String(),
		StrategyName: pf.strategy,
		Params: action.Parameters{
			NoiseSuppression:   pf.numbers[bounds.FieldNoiseSuppression],
			SpeechEnhancement:  pf.numbers[bounds.FieldSpeechEnhancement],
			CompressionRatio:   pf.numbers[bounds.FieldCompressionRatio],
			HighFreqBoostDB:    pf.numbers[bounds.FieldHighFreqBoost],
			LowFreqReductionDB: pf.numbers[bounds.FieldLowFreqReduction],
			FrequencyProfile:   pf.profile,
		},
		Confidence:           pf.numbers[bounds.FieldConfidence],
		Rationale:            pf.rationale,
		DurationSeconds:      int(pf.numbers[bounds.FieldDurationSeconds]),
		SecondaryAdjustments: pf.adjustments,
		OverrideRationale:    pf.override,
		Origin:               action.OriginValidated,
		BoundsVersion:        t.Version,
		IssuedAt:             now,
	}
	return d, check, true
}

// #endregion validate

// #region structural
type fieldKind int

const (
	kindText fieldKind = iota
	kindNumber
	kindInteger
	kindProfile
	kindBool
)

var mandatoryFields = []struct {
	name string
	kind fieldKind
}{
	{bounds.FieldStrategyName, kindText},
	{bounds.FieldNoiseSuppression, kindNumber},
	{bounds.FieldSpeechEnhancement, kindNumber},
	{bounds.FieldCompressionRatio, kindNumber},
	{bounds.FieldHighFreqBoost, kindNumber},
	{bounds.FieldLowFreqReduction, kindNumber},
	{bounds.FieldFrequencyProfile, kindProfile},
	{bounds.FieldConfidence, kindNumber},
	{bounds.FieldRationale, kindText},
	{bounds.FieldDurationSeconds, kindInteger},
	{bounds.FieldIsReversible, kindBool},
}

var knownFields = map[string]bool{
	bounds.FieldSecondaryAdjustments: true,
	bounds.FieldOverrideRationale:    true,
}

func init() {
	for _, f := range mandatoryFields {
		knownFields[f.name] = true
	}
}

// parsed holds the fields that decoded cleanly.
type parsed struct {
	numbers     map[string]float64
	profile     action.FrequencyProfile
	profileName string
	hasProfile  bool

	strategy     string
	rationale    string
	hasRationale bool
	override     string
	hasOverride  bool

	adjustments []action.SecondaryAdjustment
}

func parse(p action.RawProposal) (parsed, []Finding) {
	pf := parsed{numbers: make(map[string]float64)}
	var findings []Finding

	structural := func(name, msg string) {
		findings = append(findings, Finding{
			Check:   CheckStructural,
			Field:   name,
			Value:   display(p, name),
			Bound:   "required",
			Message: msg,
		})
	}
	report := func(name string, st action.FieldState, want string) {
		if st == action.FieldMissing {
			structural(name, "missing required field")
		} else {
			structural(name, "expected "+want)
		}
	}

	for _, f := range mandatoryFields {
		switch f.kind {
		case kindNumber:
			v, st := p.Float(f.name)
			if st != action.FieldOK {
				report(f.name, st, "a finite number")
				continue
			}
			pf.numbers[f.name] = v
		case kindInteger:
			v, st := p.Int(f.name)
			if st != action.FieldOK {
				report(f.name, st, "a whole number of seconds")
				continue
			}
			pf.numbers[f.name] = float64(v)
		case kindText:
			s, st := p.String(f.name)
			if st != action.FieldOK {
				report(f.name, st, "text")
				continue
			}
			if f.name == bounds.FieldStrategyName {
				if strings.TrimSpace(s) == "" {
					structural(f.name, "strategy name must not be empty")
					continue
				}
				pf.strategy = s
			} else {
				pf.rationale = s
				pf.hasRationale = true
			}
		case kindProfile:
			s, st := p.String(f.name)
			if st != action.FieldOK {
				report(f.name, st, "a frequency profile name")
				continue
			}
			prof, err := action.ParseFrequencyProfile(s)
			if err != nil {
				structural(f.name, "not a known frequency profile")
				continue
			}
			pf.profile = prof
			pf.profileName = prof.String()
			pf.hasProfile = true
		case kindBool:
			if _, st := p.Bool(f.name); st != action.FieldOK {
				report(f.name, st, "a boolean")
			}
		}
	}

	if adj, st := p.Adjustments(bounds.FieldSecondaryAdjustments); st == action.FieldOK {
		pf.adjustments = adj
	} else if st == action.FieldMalformed {
		structural(bounds.FieldSecondaryAdjustments, "expected a list of condition/adjustment pairs")
	}

	if p.Has(bounds.FieldOverrideRationale) {
		s, st := p.String(bounds.FieldOverrideRationale)
		switch st {
		case action.FieldOK:
			pf.override = s
			pf.hasOverride = true
		case action.FieldMalformed:
			structural(bounds.FieldOverrideRationale, "expected text")
		}
	}

	return pf, findings
}

// #endregion structural

// #region checks
func checkBounds(pf parsed, t bounds.Table) []Finding {
	var out []Finding
	for _, field := range bounds.RangedFields {
		v, ok := pf.numbers[field]
		if !ok {
			continue
		}
		r, _ := t.Range(field)
		if !r.Contains(v) {
			out = append(out, Finding{
				Check:   CheckBounds,
				Field:   field,
				Value:   formatFloat(v),
				Bound:   r.String(),
				Message: fmt.Sprintf("%s=%g outside %s", field, v, r),
			})
		}
	}
	if pf.hasProfile && !t.AllowsProfile(pf.profileName) {
		out = append(out, Finding{
			Check:   CheckBounds,
			Field:   bounds.FieldFrequencyProfile,
			Value:   pf.profileName,
			Bound:   "one of " + strings.Join(t.FrequencyProfiles, ", "),
			Message: fmt.Sprintf("profile %s not enabled in table %s", pf.profileName, t.Version),
		})
	}
	return out
}

func scanProhibited(p action.RawProposal, t bounds.Table) []Finding {
	terms := make([]string, len(t.ProhibitedTerms))
	for i, term := range t.ProhibitedTerms {
		terms[i] = normalizeText(term)
	}

	var out []Finding
	for _, key := range p.Keys() {
		v, _ := p.Value(key)
		var texts []string
		if !knownFields[key] {
			texts = append(texts, key)
		}
		texts = collectText(v, texts)
		if len(texts) == 0 {
			continue
		}
		normalized := make([]string, len(texts))
		for i, s := range texts {
			normalized[i] = normalizeText(s)
		}
		for i, term := range terms {
			if term == "" || !anyContains(normalized, term) {
				continue
			}
			out = append(out, Finding{
				Check:   CheckProhibitedContent,
				Field:   key,
				Value:   t.ProhibitedTerms[i],
				Bound:   "no raw-audio or signal-processing internals",
				Message: fmt.Sprintf("%s mentions prohibited term %q", key, t.ProhibitedTerms[i]),
			})
		}
	}
	return out
}

func checkRationale(pf parsed, t bounds.Table) []Finding {
	var out []Finding
	check := func(field, text string) {
		n := utf8.RuneCountInString(strings.TrimSpace(text))
		if n < t.MinRationaleChars {
			out = append(out, Finding{
				Check:   CheckRationaleLength,
				Field:   field,
				Value:   fmt.Sprintf("%d chars", n),
				Bound:   fmt.Sprintf(">= %d chars", t.MinRationaleChars),
				Message: fmt.Sprintf("%s too short", field),
			})
		}
	}
	if pf.hasRationale {
		check(bounds.FieldRationale, pf.rationale)
	}
	if pf.hasOverride {
		check(bounds.FieldOverrideRationale, pf.override)
	}
	return out
}

func checkReversible(p action.RawProposal, pf parsed) []Finding {
	b, st := p.Bool(bounds.FieldIsReversible)
	if st == action.FieldOK && b {
		return nil
	}
	return []Finding{{
		Check:   CheckReversibility,
		Field:   bounds.FieldIsReversible,
		Value:   display(p, bounds.FieldIsReversible),
		Bound:   "must be true",
		Message: "every decision must be reversible",
	}}
}

func checkDuration(pf parsed, t bounds.Table) []Finding {
	v, ok := pf.numbers[bounds.FieldDurationSeconds]
	if !ok || t.DurationSeconds.Contains(v) {
		return nil
	}
	return []Finding{{
		Check:   CheckDuration,
		Field:   bounds.FieldDurationSeconds,
		Value:   formatFloat(v),
		Bound:   t.DurationSeconds.String(),
		Message: fmt.Sprintf("activation window of %gs outside %s seconds", v, t.DurationSeconds),
	}}
}

func checkConfidence(pf parsed, t bounds.Table) (violations, warnings []Finding) {
	v, ok := pf.numbers[bounds.FieldConfidence]
	if !ok {
		return nil, nil
	}
	if !t.Confidence.Contains(v) {
		violations = append(violations, Finding{
			Check:   CheckConfidence,
			Field:   bounds.FieldConfidence,
			Value:   formatFloat(v),
			Bound:   t.Confidence.String(),
			Message: "confidence is not a probability",
		})
		return violations, nil
	}
	if v > t.Warnings.HighConfidence && lowInformation(pf, t) {
		warnings = append(warnings, Finding{
			Check:   CheckConfidence,
			Field:   bounds.FieldConfidence,
			Value:   formatFloat(v),
			Bound:   fmt.Sprintf("<= %g without a detailed rationale", t.Warnings.HighConfidence),
			Message: "high confidence with a short or low-information rationale",
		})
	}
	if v < t.Warnings.LowConfidence {
		warnings = append(warnings, Finding{
			Check:   CheckConfidence,
			Field:   bounds.FieldConfidence,
			Value:   formatFloat(v),
			Bound:   fmt.Sprintf(">= %g", t.Warnings.LowConfidence),
			Message: "low confidence proposal",
		})
	}
	return violations, warnings
}

// checkAggressiveness flags proposals that stack several strong adjustments.
func checkAggressiveness(pf parsed, t bounds.Table) []Finding {
	ns, ok1 := pf.numbers[bounds.FieldNoiseSuppression]
	se, ok2 := pf.numbers[bounds.FieldSpeechEnhancement]
	cr, ok3 := pf.numbers[bounds.FieldCompressionRatio]
	hfb, ok4 := pf.numbers[bounds.FieldHighFreqBoost]
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil
	}
	score := Aggressiveness(ns, se, cr, hfb)
	if score <= t.Warnings.MaxAggressiveness {
		return nil
	}
	return []Finding{{
		Check:   CheckAggressiveness,
		Field:   "parameters",
		Value:   fmt.Sprintf("%.2f", score),
		Bound:   fmt.Sprintf("<= %g", t.Warnings.MaxAggressiveness),
		Message: "combined processing is very aggressive",
	}}
}

// Aggressiveness sums normalized processing strength.
func Aggressiveness(ns, se, cr, hfb float64) float64 {
	return ns + se + (cr-1)/7 + hfb/10
}

// #endregion checks

// #region helpers
func lowInformation(pf parsed, t bounds.Table) bool {
	if !pf.hasRationale {
		return true
	}
	text := strings.TrimSpace(pf.rationale)
	if utf8.RuneCountInString(text) < t.Warnings.MinInformativeChars {
		return true
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) })
	distinct := make(map[string]struct{})
	for _, w := range words {
		if utf8.RuneCountInString(w) >= 3 {
			distinct[w] = struct{}{}
		}
	}
	return len(distinct) < t.Warnings.MinInformativeWords
}

func anyContains(texts []string, term string) bool {
	for _, s := range texts {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}

func normalizeText(s string) string { return bounds.NormalizeText(s) }

// collectText gathers every string (and nested map key) inside v.
func collectText(v any, acc []string) []string {
	switch x := v.(type) {
	case string:
		acc = append(acc, x)
	case []any:
		for _, item := range x {
			acc = collectText(item, acc)
		}
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			acc = append(acc, k)
			acc = collectText(x[k], acc)
		}
	case []action.SecondaryAdjustment:
		for _, a := range x {
			acc = append(acc, a.Condition, a.Adjustment)
		}
	}
	return acc
}

func display(p action.RawProposal, name string) string {
	v, ok := p.Value(name)
	if !ok {
		return "<missing>"
	}
	s := fmt.Sprint(v)
	if utf8.RuneCountInString(s) > 64 {
		r := []rune(s)
		s = string(r[:61]) + "..."
	}
	return s
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%g", v)
}

// #endregion helpers
