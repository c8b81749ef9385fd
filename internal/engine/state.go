package engine

import (
	"errors"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/ranking"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/safety"
)

// #region errors
var (
	// ErrCycleInProgress is returned by Observe while another cycle has not
	// yet produced its decision.
	ErrCycleInProgress = errors.New("cycle in progress")
	// ErrOscillationGuard marks a cycle whose proposal arrived inside the
	// stability window without a valid override.
	ErrOscillationGuard = errors.New("oscillation guard triggered")
	// ErrUnknownPreset is returned by SelectPreset for a name outside the library.
	ErrUnknownPreset = errors.New("unknown preset")
	// ErrPresetRejected means the preset does not fit the active bounds table.
	ErrPresetRejected = errors.New("preset rejected by safety validator")
)

// #endregion errors

// #region state
// State is the ORAL phase of an engine.
type State int

const (
	StateObserving State = iota
	StateReasoning
	StateValidating
	StateActing
	StateLearning
)

func (s State) String() string {
	switch s {
	case StateObserving:
		return "observing"
	case StateReasoning:
		return "reasoning"
	case StateValidating:
		return "validating"
	case StateActing:
		return "acting"
	case StateLearning:
		return "learning"
	}
	return "unknown"
}

// #endregion state

// #region config
// MinStabilityWindow is the shortest spacing allowed between decision starts.
const MinStabilityWindow = 10 * time.Second

// Config tunes the decision loop.
type Config struct {
	// ConfidenceThreshold is the effective confidence below which a proposal
	// is not used.
	ConfidenceThreshold float64
	// StabilityWindow is the minimum time between two decision starts. Values
	// below MinStabilityWindow are raised to it.
	StabilityWindow     time.Duration
	HistorySize         int
	FeedbackHistorySize int
	// RankingsInRequest caps how many ranked strategies the oracle sees.
	RankingsInRequest int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.3,
		StabilityWindow:     MinStabilityWindow,
		HistorySize:         5,
		FeedbackHistorySize: 10,
		RankingsInRequest:   3,
	}
}

// #endregion config

// #region reasoning
// Guard is the oscillation guard verdict for one proposal.
type Guard struct {
	// Active is true when the current decision started less than the
	// stability window ago and was not superseded by a manual override.
	Active  bool          `json:"active"`
	Elapsed time.Duration `json:"elapsed"`
	// Override is true when the proposal carries an override rationale long
	// enough to be considered.
	Override bool            `json:"override"`
	Current  action.Decision `json:"-"`
}

// Reasoning is everything Reason learned about one observation.
type Reasoning struct {
	Context   observation.Context `json:"-"`
	Key       ranking.Key         `json:"scenario_key"`
	Rankings  []ranking.Entry     `json:"rankings,omitempty"`
	Proposal  action.RawProposal  `json:"proposal"`
	OracleErr error               `json:"-"`

	AssessedConfidence  float64 `json:"assessed_confidence"`
	OracleConfidence    float64 `json:"oracle_confidence"`
	HasOracleConfidence bool    `json:"has_oracle_confidence"`
	EffectiveConfidence float64 `json:"effective_confidence"`
	LowConfidence       bool    `json:"low_confidence"`

	Guard     Guard     `json:"guard"`
	StartedAt time.Time `json:"started_at"`
}

// CycleResult is the outcome of RunCycle. Decision is always set.
type CycleResult struct {
	Decision  action.Decision `json:"decision"`
	Check     safety.Check    `json:"safety_check"`
	Reasoning *Reasoning      `json:"reasoning,omitempty"`
	// Err collects the recovered errors of the cycle: input contract
	// violation, oracle failure, oscillation guard. It never means the
	// decision is missing.
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// #endregion reasoning
