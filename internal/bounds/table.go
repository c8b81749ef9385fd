package bounds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// DefaultVersion identifies the built-in table.
const DefaultVersion = "v1"

// #region default
// Default returns the built-in bounds table.
func Default() Table {
	return Table{
		Version:            DefaultVersion,
		NoiseSuppression:   Range{Min: 0.0, Max: 0.95},
		SpeechEnhancement:  Range{Min: 0.0, Max: 0.9},
		CompressionRatio:   Range{Min: 1.0, Max: 8.0},
		HighFreqBoostDB:    Range{Min: -0.5, Max: 10.0},
		LowFreqReductionDB: Range{Min: -12.0, Max: 0.0},
		Confidence:         Range{Min: 0.0, Max: 1.0},
		DurationSeconds:    Range{Min: 10, Max: 3600},
		FrequencyProfiles:  []string{"neutral", "speech_optimized", "clarity_boost", "comfort_focus"},
		MinRationaleChars:  20,
		ProhibitedTerms: []string{
			"raw audio",
			"waveform",
			"sample rate",
			"fft",
			"coefficient",
			"impulse response",
			"filter design",
			"dsp",
			"digital signal",
			"spectrogram",
			"pcm",
		},
		Warnings: WarningThresholds{
			LowConfidence:       0.5,
			HighConfidence:      0.9,
			MaxAggressiveness:   2.0,
			MinInformativeWords: 6,
			MinInformativeChars: 40,
		},
	}
}

// #endregion default

// #region validate
// Validate checks internal consistency and reports every problem at once. A
// table may only narrow the built-in limits, and it must admit the fallback.
func (t Table) Validate() error {
	var errs []error
	if t.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	limits := Default()
	point := FallbackPoint()
	for _, f := range RangedFields {
		r, _ := t.Range(f)
		lim, _ := limits.Range(f)
		if r.Min > r.Max {
			errs = append(errs, fmt.Errorf("%s: min %g exceeds max %g", f, r.Min, r.Max))
		}
		if r.Min < lim.Min || r.Max > lim.Max {
			errs = append(errs, fmt.Errorf("%s: %s is wider than the supported %s", f, r, lim))
		}
		if !r.Contains(point[f]) {
			errs = append(errs, fmt.Errorf("%s: %s excludes the fallback value %g", f, r, point[f]))
		}
	}
	if !t.AllowsProfile(FallbackProfile) {
		errs = append(errs, fmt.Errorf("frequency_profiles must include %s", FallbackProfile))
	}
	for _, p := range t.FrequencyProfiles {
		if !limits.AllowsProfile(p) {
			errs = append(errs, fmt.Errorf("frequency_profiles: %q is not supported", p))
		}
	}
	if t.MinRationaleChars < 1 {
		errs = append(errs, fmt.Errorf("min_rationale_chars must be positive, got %d", t.MinRationaleChars))
	}
	if n := utf8.RuneCountInString(FallbackRationale); t.MinRationaleChars > n {
		errs = append(errs, fmt.Errorf("min_rationale_chars %d exceeds the fallback rationale (%d chars)", t.MinRationaleChars, n))
	}
	if len(t.ProhibitedTerms) == 0 {
		errs = append(errs, errors.New("prohibited_terms must not be empty"))
	}
	for _, term := range t.ProhibitedTerms {
		nt := NormalizeText(term)
		if nt == "" {
			continue
		}
		for _, text := range fallbackTexts() {
			if strings.Contains(NormalizeText(text), nt) {
				errs = append(errs, fmt.Errorf("prohibited_terms: %q matches the fallback text %q", term, text))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// #endregion validate

// #region load
// Load reads a YAML table from path. Keys absent from the file keep their default values.
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("open bounds table: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a YAML table from r, rejecting unknown keys.
func Parse(r io.Reader) (Table, error) {
	t := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return Table{}, fmt.Errorf("decode bounds table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, fmt.Errorf("invalid bounds table %q: %w", t.Version, err)
	}
	return t, nil
}

// #endregion load
