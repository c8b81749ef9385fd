package audit

import (
	"context"
	"sync"
)

// MemoryRecorder keeps the log in process. Used in tests and by the replay tool.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) Record(_ context.Context, e Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var prevSeq int64
	prev := ""
	if n := len(m.entries); n > 0 {
		prevSeq, prev = m.entries[n-1].Seq, m.entries[n-1].Hash
	}
	e = seal(e, prevSeq, prev)
	m.entries = append(m.entries, e)
	return e, nil
}

func (m *MemoryRecorder) List(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		if !f.match(m.entries[i]) {
			continue
		}
		out = append(out, m.entries[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryRecorder) Verify(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return verifyChain(m.entries)
}

func (m *MemoryRecorder) Close() error { return nil }
