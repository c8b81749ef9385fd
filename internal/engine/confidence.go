package engine

import "github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"

// AssessConfidence is the engine's own estimate of how much the situation
// supports a confident choice, independent of what the oracle claims.
func AssessConfidence(c observation.Context) float64 {
	conf := 0.5
	if c.SpeechPresence {
		conf = c.SpeechConfidence
	}
	if c.Intent == observation.IntentConversation {
		conf = min(1, conf+0.1)
	}
	if c.Scene == observation.SceneUnknown {
		conf = max(0.4, conf-0.2)
	}
	// speech heard but not understood
	if c.SpeechPresence && c.ASRConfidence < 0.5 {
		conf -= 0.15
	}
	if !c.HasHearingProfile() {
		conf -= 0.1
	}
	if c.Device.ProcessingLoadPct > 90 {
		conf -= 0.05
	}
	return min(1, max(0.3, conf))
}
