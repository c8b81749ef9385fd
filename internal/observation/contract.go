package observation

import (
	"fmt"
	"sort"
	"strings"
)

// Fields is the untyped payload handed over by the feature extractor and
// profile store, usually decoded JSON.
type Fields map[string]any

const (
	// maxNumericArray is the longest numeric list accepted; anything longer is
	// treated as sampled signal data.
	maxNumericArray = 32
	// maxOpaqueString bounds space-free strings (encoded blobs).
	maxOpaqueString = 512
)

// forbiddenFragments match field names that describe raw or reconstructible audio.
var forbiddenFragments = []string{
	"sample", "waveform", "wav", "pcm", "audio", "spectr", "stft", "fft",
	"mfcc", "melspec", "codec", "bitdepth", "bit_depth", "frames", "buffer",
}

// #region violation
// Breach is one reason the payload was refused.
type Breach struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// InputContractViolation means raw-audio-shaped data reached the observation
// boundary. The cycle that hit it must fall back.
type InputContractViolation struct {
	Breaches []Breach
}

func (e *InputContractViolation) Error() string {
	parts := make([]string, len(e.Breaches))
	for i, b := range e.Breaches {
		parts[i] = fmt.Sprintf("%s: %s", b.Path, b.Reason)
	}
	return "input contract violation: " + strings.Join(parts, "; ")
}

// #endregion violation

// #region check-contract
// CheckContract walks the payload and rejects anything shaped like audio:
// forbidden field names, long numeric arrays, numeric matrices, byte slices
// and long opaque strings.
func CheckContract(f Fields) error {
	var breaches []Breach
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		breaches = walk(k, k, f[k], breaches)
	}
	if len(breaches) > 0 {
		return &InputContractViolation{Breaches: breaches}
	}
	return nil
}

func walk(path, name string, v any, acc []Breach) []Breach {
	if frag := forbiddenName(name); frag != "" {
		acc = append(acc, Breach{Path: path, Reason: fmt.Sprintf("field name matches %q", frag)})
	}
	switch x := v.(type) {
	case []byte:
		acc = append(acc, Breach{Path: path, Reason: "binary payload"})
	case []float64:
		if len(x) > maxNumericArray {
			acc = append(acc, Breach{Path: path, Reason: fmt.Sprintf("numeric array of %d elements", len(x))})
		}
	case []float32:
		if len(x) > maxNumericArray {
			acc = append(acc, Breach{Path: path, Reason: fmt.Sprintf("numeric array of %d elements", len(x))})
		}
	case []int16, []int32, [][]float64, [][]float32:
		acc = append(acc, Breach{Path: path, Reason: "sample or matrix typed payload"})
	case string:
		if len(x) > maxOpaqueString && !strings.ContainsAny(x, " \n\t") {
			acc = append(acc, Breach{Path: path, Reason: "opaque encoded string"})
		}
	case []any:
		numeric, nested := 0, 0
		for _, item := range x {
			switch inner := item.(type) {
			case []any:
				if isNumericList(inner) {
					nested++
				}
			default:
				if isNumber(item) {
					numeric++
				}
			}
		}
		if nested > 0 {
			acc = append(acc, Breach{Path: path, Reason: "numeric matrix"})
		} else if numeric > maxNumericArray {
			acc = append(acc, Breach{Path: path, Reason: fmt.Sprintf("numeric array of %d elements", numeric)})
		}
		for i, item := range x {
			if m, ok := item.(map[string]any); ok {
				acc = walkMap(fmt.Sprintf("%s[%d]", path, i), m, acc)
			}
		}
	case map[string]any:
		acc = walkMap(path, x, acc)
	case Fields:
		acc = walkMap(path, x, acc)
	}
	return acc
}

func walkMap(path string, m map[string]any, acc []Breach) []Breach {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		acc = walk(path+"."+k, k, m[k], acc)
	}
	return acc
}

func forbiddenName(name string) string {
	norm := strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	for _, frag := range forbiddenFragments {
		if strings.Contains(norm, frag) {
			return frag
		}
	}
	return ""
}

func isNumericList(items []any) bool {
	if len(items) == 0 {
		return false
	}
	for _, it := range items {
		if !isNumber(it) {
			return false
		}
	}
	return true
}

// #endregion check-contract
