package safety

import (
	"fmt"
	"strings"
)

// #region check-kind
// CheckKind names the validation layer that produced a finding.
type CheckKind string

const (
	CheckStructural        CheckKind = "structural"
	CheckBounds            CheckKind = "bounds"
	CheckProhibitedContent CheckKind = "prohibited_content"
	CheckRationaleLength   CheckKind = "rationale_length"
	CheckReversibility     CheckKind = "reversibility"
	CheckDuration          CheckKind = "duration"
	CheckConfidence        CheckKind = "confidence"
	CheckAggressiveness    CheckKind = "aggressiveness"

	// Raised by the engine rather than the validator.
	CheckOracle           CheckKind = "oracle"
	CheckInputContract    CheckKind = "input_contract"
	CheckOscillationGuard CheckKind = "oscillation_guard"
	CheckLowConfidence    CheckKind = "low_confidence"
)

// #endregion check-kind

// #region finding
// Finding is one itemized violation or warning.
type Finding struct {
	Check   CheckKind `json:"check"`
	Field   string    `json:"field"`
	Value   string    `json:"value"`
	Bound   string    `json:"bound"`
	Message string    `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s(%s): %s", f.Check, f.Field, f.Message)
}

// #endregion finding

// #region check
// Check is the verdict for one proposal.
type Check struct {
	IsSafe        bool      `json:"is_safe"`
	Violations    []Finding `json:"violations"`
	Warnings      []Finding `json:"warnings"`
	BoundsVersion string    `json:"bounds_version"`
}

// newCheck builds a verdict; IsSafe follows from the violations alone.
func newCheck(violations, warnings []Finding, version string) Check {
	return Check{
		IsSafe:        len(violations) == 0,
		Violations:    violations,
		Warnings:      warnings,
		BoundsVersion: version,
	}
}

// Failed builds a verdict for a failure raised outside the validator.
func Failed(f Finding, version string) Check {
	return newCheck([]Finding{f}, nil, version)
}

// Passed builds a clean verdict carrying optional warnings.
func Passed(version string, warnings ...Finding) Check {
	return newCheck(nil, warnings, version)
}

// WithWarning returns a copy of c with w appended.
func (c Check) WithWarning(w Finding) Check {
	cp := c
	cp.Violations = append([]Finding(nil), c.Violations...)
	cp.Warnings = append(append([]Finding(nil), c.Warnings...), w)
	return cp
}

// ViolationsFor returns the violations recorded against field.
func (c Check) ViolationsFor(field string) []Finding {
	var out []Finding
	for _, v := range c.Violations {
		if v.Field == field {
			out = append(out, v)
		}
	}
	return out
}

// Summary renders the verdict on one line for logs.
func (c Check) Summary() string {
	if c.IsSafe {
		return fmt.Sprintf("safe (%d warnings)", len(c.Warnings))
	}
	parts := make([]string, len(c.Violations))
	for i, v := range c.Violations {
		parts[i] = fmt.Sprintf("%s(%s)", v.Field, v.Check)
	}
	return fmt.Sprintf("%d violations: %s", len(c.Violations), strings.Join(parts, ", "))
}

// #endregion check
