package ranking

import (
	"fmt"
	"sort"
	"time"
)

// #region ordering
func sortEntries(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].Score != es[j].Score {
			return es[i].Score > es[j].Score
		}
		return es[i].Strategy < es[j].Strategy
	})
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// #endregion ordering

// #region seed
func seedInto(r Ranking, names []string, at time.Time) (Ranking, bool) {
	changed := false
	for _, name := range names {
		if _, ok := r.Score(name); ok {
			continue
		}
		r.Entries = append(r.Entries, Entry{Strategy: name, Score: Neutral, UpdatedAt: at})
		changed = true
	}
	sortEntries(r.Entries)
	return r, changed
}

// #endregion seed

// #region apply
// applyTo never removes an entry, so a ranking only ever grows.
func applyTo(r Ranking, c Change) (Ranking, UndoRecord) {
	rec := UndoRecord{
		DecisionID: c.DecisionID,
		Key:        r.Key,
		Strategy:   c.Strategy,
		Cause:      c.Cause,
		Kind:       KindApply,
		CreatedAt:  c.At,
	}
	entries := append([]Entry(nil), r.Entries...)
	idx := -1
	for i, e := range entries {
		if e.Strategy == c.Strategy {
			idx = i
			break
		}
	}
	if idx < 0 {
		entries = append(entries, Entry{Strategy: c.Strategy, Score: Neutral})
		idx = len(entries) - 1
		rec.Inserted = true
	}
	rec.Previous = entries[idx].Score
	rec.Requested = c.Delta
	rec.Next = clamp01(rec.Previous + c.Delta)
	rec.Delta = rec.Next - rec.Previous
	entries[idx].Score = rec.Next
	entries[idx].Samples++
	entries[idx].UpdatedAt = c.At
	sortEntries(entries)
	r.Entries = entries
	return r, rec
}

// #endregion apply

// #region revert
func revertOn(r Ranking, orig UndoRecord, at time.Time) (Ranking, UndoRecord, error) {
	entries := append([]Entry(nil), r.Entries...)
	idx := -1
	for i, e := range entries {
		if e.Strategy == orig.Strategy {
			idx = i
			break
		}
	}
	if idx < 0 {
		return r, UndoRecord{}, fmt.Errorf("revert %s: strategy %s under %s: %w", orig.ID, orig.Strategy, orig.Key, ErrNotFound)
	}
	rec := UndoRecord{
		DecisionID: orig.DecisionID,
		Key:        orig.Key,
		Strategy:   orig.Strategy,
		Previous:   entries[idx].Score,
		Cause:      "revert " + orig.ID,
		Kind:       KindRevert,
		Reverts:    orig.ID,
		CreatedAt:  at,
	}
	rec.Requested = -orig.Delta
	rec.Next = clamp01(rec.Previous - orig.Delta)
	rec.Delta = rec.Next - rec.Previous
	entries[idx].Score = rec.Next
	if orig.Kind == KindApply && entries[idx].Samples > 0 {
		entries[idx].Samples--
	}
	entries[idx].UpdatedAt = at
	sortEntries(entries)
	r.Entries = entries
	return r, rec, nil
}

// #endregion revert
