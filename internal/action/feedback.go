package action

import "time"

// Feedback is the post-execution outcome for one decision. Delivery may be
// late or out of order; DecisionID is the only correlation key.
type Feedback struct {
	DecisionID             string    `json:"decision_id"`
	ASRConfidenceChange    float64   `json:"asr_confidence_change"`
	NoiseLevelChange       float64   `json:"noise_level_change"`
	UserOverride           bool      `json:"user_override"`
	OverrideLatencySeconds float64   `json:"override_latency_seconds"`
	SatisfactionRating     *float64  `json:"satisfaction_rating,omitempty"`
	ReceivedAt             time.Time `json:"received_at"`
}
