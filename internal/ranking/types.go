package ranking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
)

// #region errors
var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyReverted = errors.New("undo record already reverted")
)

// #endregion errors

// #region key
// Key is the scenario a ranking belongs to.
type Key struct {
	Scene      string `json:"scene"`
	Intent     string `json:"intent"`
	LossBucket string `json:"loss_bucket"`
	TimeBucket string `json:"time_bucket"`
}

func (k Key) String() string {
	return strings.Join([]string{k.Scene, k.Intent, k.LossBucket, k.TimeBucket}, "|")
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("parse key %q: want 4 parts, got %d", s, len(parts))
	}
	return Key{Scene: parts[0], Intent: parts[1], LossBucket: parts[2], TimeBucket: parts[3]}, nil
}

// #endregion key

// #region ranking
// Neutral is the score of a strategy nobody has feedback on yet.
const Neutral = 0.5

// Entry is one ranked strategy.
type Entry struct {
	Strategy  string    `json:"strategy"`
	Score     float64   `json:"score"`
	Samples   int       `json:"samples"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ranking is the ordered strategy list for one key, best first.
type Ranking struct {
	Key     Key     `json:"key"`
	Entries []Entry `json:"entries"`
}

// Top returns up to n best entries.
func (r Ranking) Top(n int) []Entry {
	if n > len(r.Entries) {
		n = len(r.Entries)
	}
	return append([]Entry(nil), r.Entries[:n]...)
}

// Score returns the score for strategy.
func (r Ranking) Score(strategy string) (float64, bool) {
	for _, e := range r.Entries {
		if e.Strategy == strategy {
			return e.Score, true
		}
	}
	return 0, false
}

// #endregion ranking

// #region undo
// UndoKind says what an undo record reverses.
type UndoKind string

const (
	KindApply  UndoKind = "apply"
	KindRevert UndoKind = "revert"
)

// UndoRecord retains everything needed to replay a score change in reverse.
// Scores stay within [0,1], so Delta is the change actually applied and may
// fall short of Requested at either end of the scale.
type UndoRecord struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decision_id,omitempty"`
	Key        Key       `json:"key"`
	Strategy   string    `json:"strategy"`
	Previous   float64   `json:"previous"`
	Requested  float64   `json:"requested"`
	Delta      float64   `json:"delta"`
	Next       float64   `json:"next"`
	Cause      string    `json:"cause"`
	Kind       UndoKind  `json:"kind"`
	Inserted   bool      `json:"inserted,omitempty"`
	Reverts    string    `json:"reverts,omitempty"`
	RevertedAt time.Time `json:"reverted_at,omitzero"`
	CreatedAt  time.Time `json:"created_at"`
}

// Change is a requested score increment.
type Change struct {
	Key        Key
	Strategy   string
	Delta      float64
	DecisionID string
	Cause      string
	At         time.Time
}

// #endregion undo

// #region store
// Store keeps rankings, their undo log and the decision registry used to
// route late feedback. Implementations are safe for concurrent use; callers
// serialize writes per key.
type Store interface {
	// Get returns the ranking for key; ok is false for an unseen key.
	Get(ctx context.Context, key Key) (Ranking, bool, error)
	// Seed inserts any of names missing under key at Neutral. Existing scores are kept.
	Seed(ctx context.Context, key Key, names []string, at time.Time) (Ranking, error)
	// Apply adds c.Delta to the strategy score, clamped to [0,1], inserting the
	// strategy at Neutral first when absent. The change and its undo record are
	// written together.
	Apply(ctx context.Context, c Change) (UndoRecord, error)
	// Revert replays one undo record in reverse and returns the revert record.
	Revert(ctx context.Context, undoID string, at time.Time) (UndoRecord, error)
	UndoLog(ctx context.Context, limit int) ([]UndoRecord, error)
	UndoForDecision(ctx context.Context, decisionID string) ([]UndoRecord, error)
	Keys(ctx context.Context) ([]Key, error)

	PutDecision(ctx context.Context, key Key, d action.Decision) error
	GetDecision(ctx context.Context, decisionID string) (action.Decision, Key, error)

	Close() error
}

// #endregion store
