package learning

import (
	"math"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
)

// Feedback is the post-execution outcome of one decision.
type Feedback = action.Feedback

// #region config
// Config bounds how far one feedback record can move a score.
type Config struct {
	MinStep float64
	MaxStep float64
	// NoOpBelow is the |score| under which feedback changes nothing.
	NoOpBelow float64
	// StrongSignal is the component magnitude treated as a clear verdict.
	StrongSignal float64
	// ConflictWindow groups feedback for the same decision.
	ConflictWindow time.Duration
}

// DefaultConfig returns the standard learning bounds.
func DefaultConfig() Config {
	return Config{
		MinStep:        0.05,
		MaxStep:        0.15,
		NoOpBelow:      0.01,
		StrongSignal:   0.3,
		ConflictWindow: 30 * time.Second,
	}
}

// #endregion config

// #region components
const (
	weightASR          = 0.4
	weightNoise        = 0.2
	weightSatisfaction = 0.4

	overrideBase     = 0.3
	overrideUrgency  = 0.4
	overrideHorizonS = 60.0
	noiseScaleDB     = 20.0
)

// Components are the individual signals behind a score, each in [-1,1].
// Override is zero or negative.
type Components struct {
	ASR             float64 `json:"asr"`
	Noise           float64 `json:"noise"`
	Satisfaction    float64 `json:"satisfaction"`
	HasSatisfaction bool    `json:"has_satisfaction"`
	Override        float64 `json:"override"`
}

func (c Components) list() []float64 {
	out := []float64{c.ASR, c.Noise, c.Override}
	if c.HasSatisfaction {
		out = append(out, c.Satisfaction)
	}
	return out
}

// #endregion components

// #region score
// Score maps feedback to an effectiveness score in [-1,1]: the weighted mean of
// the objective and subjective signals, minus a penalty when the user took
// manual control (larger the sooner they did).
func Score(fb Feedback) (float64, Components) {
	c := Components{
		ASR:   clamp(fb.ASRConfidenceChange, -1, 1),
		Noise: clamp(-fb.NoiseLevelChange/noiseScaleDB, -1, 1),
	}
	sum := weightASR*c.ASR + weightNoise*c.Noise
	weights := weightASR + weightNoise
	if fb.SatisfactionRating != nil && !math.IsNaN(*fb.SatisfactionRating) {
		c.Satisfaction = clamp((*fb.SatisfactionRating-50)/50, -1, 1)
		c.HasSatisfaction = true
		sum += weightSatisfaction * c.Satisfaction
		weights += weightSatisfaction
	}
	score := sum / weights
	if fb.UserOverride {
		latency := math.Max(0, fb.OverrideLatencySeconds)
		c.Override = -(overrideBase + overrideUrgency*math.Max(0, 1-latency/overrideHorizonS))
		score += c.Override
	}
	return clamp(score, -1, 1), c
}

// Step converts a score to a bounded ranking increment. Scores too close to
// zero produce no change.
func Step(score float64, cfg Config) float64 {
	mag := math.Abs(score)
	if mag < cfg.NoOpBelow {
		return 0
	}
	step := cfg.MinStep + (cfg.MaxStep-cfg.MinStep)*math.Min(mag, 1)
	return math.Copysign(step, score)
}

// internallyConflicting reports a strong positive and a strong negative
// signal inside one feedback record.
func internallyConflicting(c Components, strong float64) bool {
	pos, neg := false, false
	for _, v := range c.list() {
		if v >= strong {
			pos = true
		}
		if v <= -strong {
			neg = true
		}
	}
	return pos && neg
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion score
