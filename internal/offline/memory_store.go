package offline

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory queue for tests and single-node mode.
// Not durable across restarts; production uses PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (m *MemoryStore) Enqueue(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) Pending(_ context.Context) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (m *MemoryStore) Dequeue(_ context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[txnID]; !ok {
		return ErrEntryNotFound
	}
	delete(m.entries, txnID)
	return nil
}

func (m *MemoryStore) MarkAttempt(_ context.Context, txnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[txnID]
	if !ok {
		return ErrEntryNotFound
	}
	e.Attempts++
	return nil
}

func (m *MemoryStore) Depth(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}
