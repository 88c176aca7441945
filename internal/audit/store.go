package audit

import (
	"context"
	"sync"
	"time"
)

// Store persists audit entries. Insert assigns and returns the next
// monotonic id. There is no update operation; the interface cannot
// express mutation of an existing entry.
type Store interface {
	Insert(ctx context.Context, e *Entry) (int64, error)
	Query(ctx context.Context, f Filter) ([]Entry, error)
	// DeleteBefore implements the retention policy. Callers must audit
	// the purge itself.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore is the in-memory Store used by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (m *MemoryStore) Insert(_ context.Context, e *Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	cp := *e
	cp.ID = id
	m.entries = append(m.entries, cp)
	return id, nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]Entry, error) {
	f, err := f.normalize()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries {
		if e.ID <= f.AfterID {
			continue
		}
		if f.Severity != "" && e.Severity != f.Severity {
			continue
		}
		if f.Provider != "" && e.Provider != f.Provider {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		out = append(out, e)
		if len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.entries[:0]
	removed := 0
	for _, e := range m.entries {
		if e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return removed, nil
}
