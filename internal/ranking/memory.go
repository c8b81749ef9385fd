package ranking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/action"
	"github.com/google/uuid"
)

// #region memory-struct
// MemoryStore is an in-process Store for tests and single-device runs.
type MemoryStore struct {
	mu        sync.RWMutex
	rankings  map[Key]Ranking
	undo      []UndoRecord
	undoIndex map[string]int
	decisions map[string]registered
}

type registered struct {
	key      Key
	decision action.Decision
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rankings:  make(map[Key]Ranking),
		undoIndex: make(map[string]int),
		decisions: make(map[string]registered),
	}
}

// #endregion memory-struct

// #region reads
func (m *MemoryStore) Get(_ context.Context, key Key) (Ranking, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rankings[key]
	if !ok {
		return Ranking{Key: key}, false, nil
	}
	r.Entries = append([]Entry(nil), r.Entries...)
	return r, true, nil
}

func (m *MemoryStore) Keys(_ context.Context) ([]Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.rankings))
	for k := range m.rankings {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (m *MemoryStore) UndoLog(_ context.Context, limit int) ([]UndoRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]UndoRecord, 0, len(m.undo))
	for i := len(m.undo) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, m.undo[i])
	}
	return out, nil
}

func (m *MemoryStore) UndoForDecision(_ context.Context, decisionID string) ([]UndoRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []UndoRecord
	for _, rec := range m.undo {
		if rec.DecisionID == decisionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// #endregion reads

// #region writes
func (m *MemoryStore) Seed(_ context.Context, key Key, names []string, at time.Time) (Ranking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rankings[key]
	if !ok {
		r = Ranking{Key: key}
	}
	r, _ = seedInto(r, names, at)
	m.rankings[key] = r
	r.Entries = append([]Entry(nil), r.Entries...)
	return r, nil
}

func (m *MemoryStore) Apply(_ context.Context, c Change) (UndoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rankings[c.Key]
	if !ok {
		r = Ranking{Key: c.Key}
	}
	next, rec := applyTo(r, c)
	rec.ID = uuid.New().String()
	m.rankings[c.Key] = next
	m.appendUndo(rec)
	return rec, nil
}

func (m *MemoryStore) Revert(_ context.Context, undoID string, at time.Time) (UndoRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.undoIndex[undoID]
	if !ok {
		return UndoRecord{}, fmt.Errorf("revert %s: %w", undoID, ErrNotFound)
	}
	orig := m.undo[idx]
	if !orig.RevertedAt.IsZero() {
		return UndoRecord{}, fmt.Errorf("revert %s: %w", undoID, ErrAlreadyReverted)
	}
	next, rec, err := revertOn(m.rankings[orig.Key], orig, at)
	if err != nil {
		return UndoRecord{}, err
	}
	rec.ID = uuid.New().String()
	m.rankings[orig.Key] = next
	m.undo[idx].RevertedAt = at
	m.appendUndo(rec)
	return rec, nil
}

func (m *MemoryStore) appendUndo(rec UndoRecord) {
	m.undoIndex[rec.ID] = len(m.undo)
	m.undo = append(m.undo, rec)
}

// #endregion writes

// #region registry
func (m *MemoryStore) PutDecision(_ context.Context, key Key, d action.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[d.ID] = registered{key: key, decision: d.Clone()}
	return nil
}

func (m *MemoryStore) GetDecision(_ context.Context, decisionID string) (action.Decision, Key, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.decisions[decisionID]
	if !ok {
		return action.Decision{}, Key{}, fmt.Errorf("decision %s: %w", decisionID, ErrNotFound)
	}
	return reg.decision.Clone(), reg.key, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// #endregion registry
