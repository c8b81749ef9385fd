package action

import (
	"fmt"
	"strings"
)

// #region profile
// FrequencyProfile is the closed set of frequency shaping profiles the executor understands.
type FrequencyProfile uint8

const (
	ProfileNeutral FrequencyProfile = iota
	ProfileSpeechOptimized
	ProfileClarityBoost
	ProfileComfortFocus
)

var profileNames = [...]string{
	ProfileNeutral:         "neutral",
	ProfileSpeechOptimized: "speech_optimized",
	ProfileClarityBoost:    "clarity_boost",
	ProfileComfortFocus:    "comfort_focus",
}

// Profiles returns every profile in declaration order.
func Profiles() []FrequencyProfile {
	return []FrequencyProfile{ProfileNeutral, ProfileSpeechOptimized, ProfileClarityBoost, ProfileComfortFocus}
}

// ParseFrequencyProfile maps a wire name to its profile. Matching ignores case and surrounding space.
func ParseFrequencyProfile(s string) (FrequencyProfile, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	for i, name := range profileNames {
		if name == norm {
			return FrequencyProfile(i), nil
		}
	}
	return ProfileNeutral, fmt.Errorf("unknown frequency profile %q", s)
}

// Valid reports whether p is one of the declared profiles.
func (p FrequencyProfile) Valid() bool {
	return int(p) < len(profileNames)
}

func (p FrequencyProfile) String() string {
	if !p.Valid() {
		return fmt.Sprintf("FrequencyProfile(%d)", uint8(p))
	}
	return profileNames[p]
}

func (p FrequencyProfile) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid frequency profile %d", uint8(p))
	}
	return []byte(profileNames[p]), nil
}

func (p *FrequencyProfile) UnmarshalText(b []byte) error {
	parsed, err := ParseFrequencyProfile(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// #endregion profile
