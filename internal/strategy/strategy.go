package strategy

import (
	"sort"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/bounds"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/observation"
)

// #region preset-definitions
// Name identifies a preset strategy.
type Name = string

const (
	Silence           Name = "silence"
	QuietOffice       Name = "quiet_office"
	BusyOffice        Name = "busy_office"
	CrowdedRestaurant Name = "crowded_restaurant"
	Outdoor           Name = "outdoor"
	Music             Name = "music"
	PhoneCall         Name = "phone_call"
	ComfortMode       Name = "comfort_mode"
)

// Preset is a named, known-good parameter set.
type Preset struct {
	Name        Name
	Description string
	Params      action.Parameters
}

// Presets is the built-in library. Every entry sits inside the default bounds table.
var Presets = map[Name]Preset{
	Silence: {
		Name:        Silence,
		Description: "Minimal processing for a quiet environment",
		Params:      params(0.1, 0.0, 1.0, 0.0, 0.0, action.ProfileNeutral),
	},
	QuietOffice: {
		Name:        QuietOffice,
		Description: "Light noise suppression with gentle speech enhancement",
		Params:      params(0.3, 0.3, 2.0, 1.0, -2.0, action.ProfileNeutral),
	},
	BusyOffice: {
		Name:        BusyOffice,
		Description: "Moderate noise suppression for office chatter",
		Params:      params(0.6, 0.5, 3.0, 2.0, -3.0, action.ProfileClarityBoost),
	},
	CrowdedRestaurant: {
		Name:        CrowdedRestaurant,
		Description: "Strong speech extraction in a very noisy room",
		Params:      params(0.8, 0.7, 4.5, 3.0, -4.0, action.ProfileSpeechOptimized),
	},
	Outdoor: {
		Name:        Outdoor,
		Description: "Balanced processing for wind and traffic noise outdoors",
		Params:      params(0.5, 0.4, 2.5, 1.5, -2.5, action.ProfileNeutral),
	},
	Music: {
		Name:        Music,
		Description: "Preserve dynamic range for music listening",
		Params:      params(0.2, 0.1, 1.5, 0.5, -1.0, action.ProfileNeutral),
	},
	PhoneCall: {
		Name:        PhoneCall,
		Description: "Favour telephone speech clarity over ambience",
		Params:      params(0.7, 0.8, 5.0, 4.0, -5.0, action.ProfileSpeechOptimized),
	},
	ComfortMode: {
		Name:        ComfortMode,
		Description: "Gentle processing prioritising comfort over clarity",
		Params:      params(0.4, 0.2, 2.0, 0.5, -1.0, action.ProfileComfortFocus),
	},
}

func params(ns, se, cr, hfb, lfr float64, p action.FrequencyProfile) action.Parameters {
	return action.Parameters{
		NoiseSuppression:   ns,
		SpeechEnhancement:  se,
		CompressionRatio:   cr,
		HighFreqBoostDB:    hfb,
		LowFreqReductionDB: lfr,
		FrequencyProfile:   p,
	}
}

// #endregion preset-definitions

// #region default-mapping
// MinRanked is the fewest strategies a scenario may expose.
const MinRanked = 3

// sceneSeeds maps scene → ordered starting strategies.
var sceneSeeds = map[observation.Scene][]Name{
	observation.SceneRestaurant: {CrowdedRestaurant, BusyOffice, ComfortMode},
	observation.SceneTraffic:    {Outdoor, ComfortMode, BusyOffice},
	observation.SceneQuiet:      {Silence, QuietOffice, Music},
	observation.SceneOffice:     {QuietOffice, BusyOffice, ComfortMode},
	observation.SceneOutdoor:    {Outdoor, ComfortMode, QuietOffice},
	observation.SceneMeeting:    {BusyOffice, QuietOffice, PhoneCall},
	observation.SceneMusic:      {Music, Silence, ComfortMode},
	observation.SceneHome:       {QuietOffice, ComfortMode, Silence},
	observation.SceneUnknown:    {ComfortMode, QuietOffice, Outdoor},
}

// #endregion default-mapping

// #region seeds
// Seeds returns the strategies an unseen scenario starts with. Always at least
// MinRanked names, no duplicates.
func Seeds(scene observation.Scene, intent observation.Intent) []Name {
	base, ok := sceneSeeds[scene]
	if !ok {
		base = sceneSeeds[observation.SceneUnknown]
	}
	out := append([]Name(nil), base...)
	if intent == observation.IntentSpeakerFocus && !contains(out, PhoneCall) {
		out = append(out, PhoneCall)
	}
	if intent == observation.IntentEnvironmentalAwareness && !contains(out, Outdoor) {
		out = append(out, Outdoor)
	}
	// pad from the library in a stable order
	for _, name := range Names() {
		if len(out) >= MinRanked {
			break
		}
		if !contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Names lists every preset in lexical order.
func Names() []Name {
	names := make([]Name, 0, len(Presets))
	for n := range Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the preset for name.
func Lookup(name Name) (Preset, bool) {
	p, ok := Presets[name]
	return p, ok
}

func contains(list []Name, name Name) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// #endregion seeds

// #region proposal
// Proposal renders the preset as an oracle-shaped proposal so it goes through
// the same validation as any other candidate.
func (p Preset) Proposal(confidence float64, durationSeconds int) action.RawProposal {
	return action.NewRawProposal(map[string]any{
		bounds.FieldStrategyName:      p.Name,
		bounds.FieldNoiseSuppression:  p.Params.NoiseSuppression,
		bounds.FieldSpeechEnhancement: p.Params.SpeechEnhancement,
		bounds.FieldCompressionRatio:  p.Params.CompressionRatio,
		bounds.FieldHighFreqBoost:     p.Params.HighFreqBoostDB,
		bounds.FieldLowFreqReduction:  p.Params.LowFreqReductionDB,
		bounds.FieldFrequencyProfile:  p.Params.FrequencyProfile.String(),
		bounds.FieldConfidence:        confidence,
		bounds.FieldRationale:         p.Description,
		bounds.FieldDurationSeconds:   durationSeconds,
		bounds.FieldIsReversible:      true,
	})
}

// #endregion proposal
