package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
)

// #region errors
var (
	// ErrOracleUnavailable wraps every failure to obtain a proposal: timeout,
	// transport error, unparseable reply, open circuit or spent budget.
	ErrOracleUnavailable = errors.New("oracle unavailable")
	ErrMalformedReply    = errors.New("malformed oracle reply")
	ErrRateLimited       = errors.New("oracle call budget exhausted")
)

// #endregion errors

// #region backend
// ReasoningBackend produces one candidate action for an observation. The
// result is untrusted and goes through safety validation before use.
type ReasoningBackend interface {
	Propose(ctx context.Context, req Request) (action.RawProposal, error)
}

// Request is everything the oracle may see: the semantic context, the bounds
// it must stay within and what has worked before in this scenario.
type Request struct {
	Context     observation.Context `json:"context"`
	Constraints bounds.Table        `json:"constraints"`
	ScenarioKey string              `json:"scenario_key,omitempty"`
	Rankings    []ranking.Entry     `json:"rankings,omitempty"`
	Strategies  []string            `json:"strategies,omitempty"`
}

// #endregion backend

// #region prompt
// SystemPrompt renders the bounds table as instructions for a language model.
func SystemPrompt(t bounds.Table) string {
	var b strings.Builder
	b.WriteString("You choose hearing aid processing parameters for the listener's current situation.\n")
	b.WriteString("Reply with exactly one JSON object and nothing else. Required fields:\n")
	for _, f := range bounds.RangedFields {
		r, _ := t.Range(f)
		fmt.Fprintf(&b, "- %s: number in %s\n", f, r)
	}
	fmt.Fprintf(&b, "- %s: one of %s\n", bounds.FieldFrequencyProfile, strings.Join(t.FrequencyProfiles, ", "))
	fmt.Fprintf(&b, "- %s: short snake_case name\n", bounds.FieldStrategyName)
	fmt.Fprintf(&b, "- %s: at least %d characters explaining the choice\n", bounds.FieldRationale, t.MinRationaleChars)
	fmt.Fprintf(&b, "- %s: integer seconds\n", bounds.FieldDurationSeconds)
	fmt.Fprintf(&b, "- %s: true\n", bounds.FieldIsReversible)
	fmt.Fprintf(&b, "- %s: list of {\"condition\", \"adjustment\"} objects, may be empty\n", bounds.FieldSecondaryAdjustments)
	if len(t.ProhibitedTerms) > 0 {
		fmt.Fprintf(&b, "Never mention: %s.\n", strings.Join(t.ProhibitedTerms, ", "))
	}
	fmt.Fprintf(&b, "Bounds version %s.", t.Version)
	return b.String()
}

// UserPrompt serializes the situation the model reasons about.
func UserPrompt(req Request) (string, error) {
	payload := struct {
		Context     observation.Context `json:"context"`
		ScenarioKey string              `json:"scenario_key,omitempty"`
		Rankings    []ranking.Entry     `json:"past_effectiveness,omitempty"`
		Strategies  []string            `json:"known_strategies,omitempty"`
	}{req.Context, req.ScenarioKey, req.Rankings, req.Strategies}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}
	return string(data), nil
}

// #endregion prompt

// #region extract
// ExtractJSON pulls the JSON object out of a model reply that may wrap it in a
// markdown fence or surrounding prose.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		// drop the language tag line
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsRune(rest[:nl], '{') {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in reply: %w", ErrMalformedReply)
	}
	return s[start : end+1], nil
}

// ParseReply extracts and decodes a proposal from model text.
func ParseReply(text string) (action.RawProposal, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return action.RawProposal{}, err
	}
	p, err := action.ParseRawProposal([]byte(obj))
	if err != nil {
		return action.RawProposal{}, fmt.Errorf("%w: %w", ErrMalformedReply, err)
	}
	return p, nil
}

// #endregion extract
