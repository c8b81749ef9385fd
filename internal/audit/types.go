package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// #region kind
// Kind classifies an audit entry.
type Kind string

const (
	KindCycle          Kind = "cycle"
	KindInputViolation Kind = "input_violation"
	KindFeedback       Kind = "feedback"
	KindConflict       Kind = "learning_conflict"
	KindOverride       Kind = "manual_override"
	KindRevert         Kind = "revert"
	KindPreset         Kind = "preset_selected"
)

// #endregion kind

// #region entry
// Entry is one row of the tamper-evident audit log. Hash covers every other
// field plus PrevHash, so editing or dropping a row breaks the chain.
type Entry struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	DecisionID  string          `json:"decision_id,omitempty"`
	ScenarioKey string          `json:"scenario_key,omitempty"`
	Strategy    string          `json:"strategy,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	Safe        bool            `json:"safe"`
	Reason      string          `json:"reason,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewEntry builds an entry of kind with detail serialized as JSON. A detail
// that cannot be marshaled is replaced by the error text.
func NewEntry(kind Kind, detail any) Entry {
	e := Entry{Kind: kind}
	if detail == nil {
		return e
	}
	data, err := json.Marshal(detail)
	if err != nil {
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	e.Detail = data
	return e
}

// #endregion entry

// #region recorder
// Filter narrows a listing. Zero values match everything; Limit <= 0 means
// no limit.
type Filter struct {
	DecisionID string
	Kind       Kind
	Limit      int
}

func (f Filter) match(e Entry) bool {
	if f.DecisionID != "" && e.DecisionID != f.DecisionID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	return true
}

// Recorder appends to and reads from an audit log.
type Recorder interface {
	// Record assigns ID, Seq, hashes and (if unset) CreatedAt, then appends.
	Record(ctx context.Context, e Entry) (Entry, error)
	// List returns matching entries, newest first.
	List(ctx context.Context, f Filter) ([]Entry, error)
	// Verify walks the whole chain from the first entry.
	Verify(ctx context.Context) error
	Close() error
}

// #endregion recorder

// #region errors
// ErrChainBroken is matched by every *ChainError.
var ErrChainBroken = errors.New("audit chain broken")

// ChainError locates the first entry whose hash or link does not match.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit chain broken at seq %d: %s", e.Seq, e.Reason)
}

func (e *ChainError) Unwrap() error { return ErrChainBroken }

// #endregion errors
