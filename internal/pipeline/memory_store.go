package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory transaction store for tests and
// single-node mode.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*Transaction
	byAccount map[string][]string
	sequences map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*Transaction),
		byAccount: make(map[string][]string),
		sequences: make(map[string]uint64),
	}
}

func (m *MemoryStore) NextSequence(_ context.Context, accountID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[accountID]++
	return m.sequences[accountID], nil
}

func (m *MemoryStore) Create(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.byID[t.ID] = &cp
	m.byAccount[t.AccountID] = append(m.byAccount[t.AccountID], t.ID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return ErrTransactionNotFound
	}
	t.Status = status
	t.Reason = reason
	if status.Terminal() {
		t.ResolvedAt = time.Now()
	}
	return nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, beforeSeq uint64, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.byAccount[accountID]
	if limit <= 0 {
		limit = len(ids)
	}
	out := make([]*Transaction, 0, limit)
	// Newest first
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		t := m.byID[ids[i]]
		if beforeSeq > 0 && t.Sequence >= beforeSeq {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) SpentSince(_ context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for _, id := range m.byAccount[accountID] {
		t := m.byID[id]
		if t.CreatedAt.Before(since) {
			continue
		}
		switch t.Status {
		case StatusSynced, StatusQueued, StatusFlagged:
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}
