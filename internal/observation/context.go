package observation

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
)

// #region enums
// Scene is the acoustic scene label produced by the classifier upstream.
type Scene string

const (
	SceneRestaurant Scene = "restaurant"
	SceneTraffic    Scene = "traffic"
	SceneQuiet      Scene = "quiet"
	SceneOffice     Scene = "office"
	SceneOutdoor    Scene = "outdoor"
	SceneMeeting    Scene = "meeting"
	SceneMusic      Scene = "music"
	SceneHome       Scene = "home"
	SceneUnknown    Scene = "unknown"
)

var scenes = map[Scene]bool{
	SceneRestaurant: true, SceneTraffic: true, SceneQuiet: true, SceneOffice: true,
	SceneOutdoor: true, SceneMeeting: true, SceneMusic: true, SceneHome: true, SceneUnknown: true,
}

// ParseScene maps unrecognised labels to SceneUnknown.
func ParseScene(s string) Scene {
	sc := Scene(normalizeLabel(s))
	if scenes[sc] {
		return sc
	}
	return SceneUnknown
}

// Preference is the user's stated listening preference.
type Preference string

const (
	PreferenceClarity  Preference = "clarity"
	PreferenceComfort  Preference = "comfort"
	PreferenceNatural  Preference = "natural"
	PreferenceBalanced Preference = "balanced"
)

// ParsePreference defaults to balanced.
func ParsePreference(s string) Preference {
	switch p := Preference(normalizeLabel(s)); p {
	case PreferenceClarity, PreferenceComfort, PreferenceNatural, PreferenceBalanced:
		return p
	}
	return PreferenceBalanced
}

// Intent is what the user is trying to hear.
type Intent string

const (
	IntentConversation           Intent = "conversation"
	IntentEnvironmentalAwareness Intent = "environmental_awareness"
	IntentSpeakerFocus           Intent = "speaker_focus"
	IntentActivitySpecific       Intent = "activity_specific"
)

// ParseIntent defaults to conversation.
func ParseIntent(s string) Intent {
	switch i := Intent(normalizeLabel(s)); i {
	case IntentConversation, IntentEnvironmentalAwareness, IntentSpeakerFocus, IntentActivitySpecific:
		return i
	}
	return IntentConversation
}

func normalizeLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// #endregion enums

// #region context
// DeviceState is the wearer's hardware condition.
type DeviceState struct {
	BatteryPct        float64 `json:"battery_pct"`
	TemperatureC      float64 `json:"temperature_c"`
	ProcessingLoadPct float64 `json:"processing_load_pct"`
}

// TemporalContext places the cycle in the wearer's day.
type TemporalContext struct {
	Hour      int          `json:"hour"`
	DayOfWeek time.Weekday `json:"day_of_week"`
}

// TimeOfDay returns the bucket label for Hour.
func (t TemporalContext) TimeOfDay() string { return TimeBucket(t.Hour) }

// Context is the immutable per-cycle snapshot handed to reasoning. It holds
// semantic estimates only; no field can carry samples or spectra.
type Context struct {
	Scene              Scene              `json:"acoustic_scene"`
	NoiseLevelDB       float64            `json:"noise_level_db"`
	SNRDB              float64            `json:"snr_db"`
	SpeechPresence     bool               `json:"speech_presence"`
	SpeechConfidence   float64            `json:"speech_confidence"`
	SpeechDominancePct float64            `json:"speech_dominance_pct"`
	ASRTranscript      string             `json:"asr_transcript,omitempty"`
	ASRConfidence      float64            `json:"asr_confidence"`
	HearingLoss        map[string]float64 `json:"hearing_loss_profile,omitempty"`
	Preference         Preference         `json:"user_preference"`
	Intent             Intent             `json:"listening_intent"`
	RecentActions      []action.Decision  `json:"recent_actions"`
	FeedbackHistory    []action.Feedback  `json:"feedback_history"`
	Device             DeviceState        `json:"device_state"`
	Temporal           TemporalContext    `json:"temporal_context"`
	ObservedAt         time.Time          `json:"observed_at"`
	// Missing lists semantic inputs that were absent or unusable.
	Missing []string `json:"missing,omitempty"`
}

// HasHearingProfile reports whether any band loss was supplied.
func (c Context) HasHearingProfile() bool { return len(c.HearingLoss) > 0 }

// LossBucket is the hearing-loss bucket used in scenario keys.
func (c Context) LossBucket() string { return LossBucket(c.HearingLoss) }

// LastAction returns the most recent accepted decision.
func (c Context) LastAction() (action.Decision, bool) {
	if len(c.RecentActions) == 0 {
		return action.Decision{}, false
	}
	return c.RecentActions[len(c.RecentActions)-1], true
}

// #endregion context

// #region new
// New checks the input contract and builds a Context. history and feedback are
// copied so later changes by the caller do not reach the snapshot. now fills
// the temporal context when the payload carries none.
func New(f Fields, history []action.Decision, feedback []action.Feedback, now time.Time) (Context, error) {
	if err := CheckContract(f); err != nil {
		return Context{}, err
	}

	c := Context{
		Scene:      SceneUnknown,
		Preference: PreferenceBalanced,
		Intent:     IntentConversation,
		ObservedAt: now,
		Temporal:   TemporalContext{Hour: now.Hour(), DayOfWeek: now.Weekday()},
	}
	miss := func(name string) { c.Missing = append(c.Missing, name) }

	if s, ok := f["acoustic_scene"].(string); ok {
		c.Scene = ParseScene(s)
	} else {
		miss("acoustic_scene")
	}
	if v, ok := number(f["noise_level_db"]); ok {
		c.NoiseLevelDB = v
	} else {
		miss("noise_level_db")
	}
	if v, ok := number(f["snr_db"]); ok {
		c.SNRDB = v
	} else {
		miss("snr_db")
	}
	if b, ok := f["speech_presence"].(bool); ok {
		c.SpeechPresence = b
	} else {
		miss("speech_presence")
	}
	if v, ok := number(f["speech_confidence"]); ok {
		c.SpeechConfidence = clamp(v, 0, 1)
	} else {
		miss("speech_confidence")
	}
	if v, ok := number(f["speech_dominance_pct"]); ok {
		c.SpeechDominancePct = clamp(v, 0, 100)
	}
	if s, ok := f["asr_transcript"].(string); ok {
		c.ASRTranscript = s
	}
	if v, ok := number(f["asr_confidence"]); ok {
		c.ASRConfidence = clamp(v, 0, 1)
	} else if c.SpeechPresence {
		miss("asr_confidence")
	}
	if m, ok := asMap(f["hearing_loss_profile"]); ok {
		c.HearingLoss = make(map[string]float64, len(m))
		for band, raw := range m {
			if v, ok := number(raw); ok {
				c.HearingLoss[band] = clamp(v, 0, 120)
			}
		}
		if len(c.HearingLoss) == 0 {
			c.HearingLoss = nil
		}
	}
	if c.HearingLoss == nil {
		miss("hearing_loss_profile")
	}
	if s, ok := f["user_preference"].(string); ok {
		c.Preference = ParsePreference(s)
	}
	if s, ok := f["listening_intent"].(string); ok {
		c.Intent = ParseIntent(s)
	}
	if m, ok := asMap(f["device_state"]); ok {
		if v, ok := number(m["battery_pct"]); ok {
			c.Device.BatteryPct = clamp(v, 0, 100)
		}
		if v, ok := number(m["temperature_c"]); ok {
			c.Device.TemperatureC = v
		}
		if v, ok := number(m["processing_load_pct"]); ok {
			c.Device.ProcessingLoadPct = clamp(v, 0, 100)
		}
	}
	if m, ok := asMap(f["temporal_context"]); ok {
		if v, ok := number(m["hour"]); ok && v >= 0 && v < 24 {
			c.Temporal.Hour = int(v)
		}
		if d, ok := parseWeekday(m["day_of_week"]); ok {
			c.Temporal.DayOfWeek = d
		}
	}

	c.RecentActions = make([]action.Decision, len(history))
	for i, d := range history {
		c.RecentActions[i] = d.Clone()
	}
	c.FeedbackHistory = append([]action.Feedback(nil), feedback...)
	sort.Strings(c.Missing)
	return c, nil
}

// #endregion new

// #region buckets
// LossBucket classifies mean band loss in dB.
func LossBucket(bands map[string]float64) string {
	if len(bands) == 0 {
		return "unknown"
	}
	var sum float64
	for _, v := range bands {
		sum += v
	}
	mean := sum / float64(len(bands))
	switch {
	case mean < 20:
		return "none"
	case mean < 40:
		return "mild"
	case mean < 55:
		return "moderate"
	case mean < 70:
		return "moderately_severe"
	case mean < 90:
		return "severe"
	default:
		return "profound"
	}
}

// TimeBucket classifies an hour of the day.
func TimeBucket(hour int) string {
	switch {
	case hour >= 6 && hour < 12:
		return "morning"
	case hour >= 12 && hour < 17:
		return "afternoon"
	case hour >= 17 && hour < 22:
		return "evening"
	default:
		return "night"
	}
}

// #endregion buckets

// #region helpers
func number(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		p, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = p
	case string:
		p, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = p
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Fields:
		return m, true
	}
	return nil, false
}

func parseWeekday(v any) (time.Weekday, bool) {
	if n, ok := number(v); ok {
		if n >= 0 && n < 7 {
			return time.Weekday(int(n)), true
		}
		return 0, false
	}
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return d, true
		}
	}
	return 0, false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// #endregion helpers
