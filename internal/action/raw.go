package action

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// #region field-state
// FieldState describes how a raw field decoded.
type FieldState int

const (
	FieldOK FieldState = iota
	FieldMissing
	FieldMalformed
)

func (s FieldState) String() string {
	switch s {
	case FieldOK:
		return "ok"
	case FieldMissing:
		return "missing"
	case FieldMalformed:
		return "malformed"
	}
	return "unknown"
}

// #endregion field-state

// #region raw-proposal
// RawProposal is an untrusted candidate action exactly as the oracle produced it.
// Any field may be absent, mistyped or out of range. It cannot be sent to the
// executor; only a Decision can.
type RawProposal struct {
	fields map[string]any
}

// NewRawProposal copies fields into a proposal.
func NewRawProposal(fields map[string]any) RawProposal {
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return RawProposal{fields: cp}
}

// ParseRawProposal decodes a JSON object. Numbers are kept as json.Number so
// integral checks stay exact.
func ParseRawProposal(data []byte) (RawProposal, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return RawProposal{}, fmt.Errorf("decode proposal: %w", err)
	}
	if fields == nil {
		return RawProposal{}, errors.New("decode proposal: not a JSON object")
	}
	return RawProposal{fields: fields}, nil
}

// Fields returns a shallow copy of the underlying field map.
func (p RawProposal) Fields() map[string]any {
	cp := make(map[string]any, len(p.fields))
	for k, v := range p.fields {
		cp[k] = v
	}
	return cp
}

// Keys returns field names in sorted order.
func (p RawProposal) Keys() []string {
	keys := make([]string, 0, len(p.fields))
	for k := range p.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether name is present (even if null).
func (p RawProposal) Has(name string) bool {
	_, ok := p.fields[name]
	return ok
}

// Value returns the raw value for name.
func (p RawProposal) Value(name string) (any, bool) {
	v, ok := p.fields[name]
	return v, ok
}

// With returns a copy with name set to value.
func (p RawProposal) With(name string, value any) RawProposal {
	cp := p.Fields()
	cp[name] = value
	return RawProposal{fields: cp}
}

// Without returns a copy with name removed.
func (p RawProposal) Without(name string) RawProposal {
	cp := p.Fields()
	delete(cp, name)
	return RawProposal{fields: cp}
}

func (p RawProposal) MarshalJSON() ([]byte, error) {
	if p.fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.fields)
}

func (p *RawProposal) UnmarshalJSON(b []byte) error {
	parsed, err := ParseRawProposal(b)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// #endregion raw-proposal

// #region accessors
// Float reads a numeric field. Numeric strings parse as numbers; NaN and
// infinities are malformed.
func (p RawProposal) Float(name string) (float64, FieldState) {
	v, ok := p.fields[name]
	if !ok || v == nil {
		return 0, FieldMissing
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, FieldMalformed
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, FieldMalformed
		}
		f = parsed
	default:
		return 0, FieldMalformed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f, FieldMalformed
	}
	return f, FieldOK
}

// Int reads an integral numeric field. Fractional values are malformed.
func (p RawProposal) Int(name string) (int, FieldState) {
	f, st := p.Float(name)
	if st != FieldOK {
		return 0, st
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, FieldMalformed
	}
	return int(f), FieldOK
}

// String reads a text field.
func (p RawProposal) String(name string) (string, FieldState) {
	v, ok := p.fields[name]
	if !ok || v == nil {
		return "", FieldMissing
	}
	s, ok := v.(string)
	if !ok {
		return "", FieldMalformed
	}
	return s, FieldOK
}

// Bool reads a boolean field. Strings such as "true" are malformed.
func (p RawProposal) Bool(name string) (bool, FieldState) {
	v, ok := p.fields[name]
	if !ok || v == nil {
		return false, FieldMissing
	}
	b, ok := v.(bool)
	if !ok {
		return false, FieldMalformed
	}
	return b, FieldOK
}

// Adjustments reads secondary_adjustments as either objects with
// condition/adjustment keys or two-element string pairs.
func (p RawProposal) Adjustments(name string) ([]SecondaryAdjustment, FieldState) {
	v, ok := p.fields[name]
	if !ok || v == nil {
		return nil, FieldMissing
	}
	var items []any
	switch list := v.(type) {
	case []any:
		items = list
	case []SecondaryAdjustment:
		return append([]SecondaryAdjustment(nil), list...), FieldOK
	case []map[string]any:
		for _, m := range list {
			items = append(items, m)
		}
	default:
		return nil, FieldMalformed
	}

	out := make([]SecondaryAdjustment, 0, len(items))
	for _, item := range items {
		switch it := item.(type) {
		case map[string]any:
			cond, ok1 := it["condition"].(string)
			adj, ok2 := it["adjustment"].(string)
			if !ok1 || !ok2 {
				return nil, FieldMalformed
			}
			out = append(out, SecondaryAdjustment{Condition: cond, Adjustment: adj})
		case []any:
			if len(it) != 2 {
				return nil, FieldMalformed
			}
			cond, ok1 := it[0].(string)
			adj, ok2 := it[1].(string)
			if !ok1 || !ok2 {
				return nil, FieldMalformed
			}
			out = append(out, SecondaryAdjustment{Condition: cond, Adjustment: adj})
		default:
			return nil, FieldMalformed
		}
	}
	return out, FieldOK
}

// #endregion accessors
