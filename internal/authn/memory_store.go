package authn

import (
	"context"
	"sync"
	"time"
)

// MemoryAttemptStore keeps the attempt log in memory, pruned to a
// bounded horizon so long-running processes don't grow without limit.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[string][]*Attempt
	horizon  time.Duration
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{
		attempts: make(map[string][]*Attempt),
		horizon:  48 * time.Hour,
	}
}

func (m *MemoryAttemptStore) Record(_ context.Context, a *Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.horizon)
	kept := m.attempts[a.AccountID][:0]
	for _, old := range m.attempts[a.AccountID] {
		if old.At.After(cutoff) {
			kept = append(kept, old)
		}
	}
	cp := *a
	m.attempts[a.AccountID] = append(kept, &cp)
	return nil
}

func (m *MemoryAttemptStore) CountSince(_ context.Context, accountID, outcome string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.attempts[accountID] {
		if a.Outcome == outcome && a.At.After(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryAttemptStore) LastSuccess(_ context.Context, accountID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, a := range m.attempts[accountID] {
		if a.Outcome == "success" && a.At.After(last) {
			last = a.At
		}
	}
	return last, nil
}
