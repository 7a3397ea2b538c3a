package risk

import (
	"context"
	"errors"
	"sync"
)

var ErrAssessmentNotFound = errors.New("assessment not found")

const maxPerAccount = 1000

// MemoryStore is an in-memory assessment store for tests and
// single-node mode, capped per account.
type MemoryStore struct {
	mu        sync.RWMutex
	byAccount map[string][]*Assessment
	byTxn     map[string]*Assessment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byAccount: make(map[string][]*Assessment),
		byTxn:     make(map[string]*Assessment),
	}
}

func (m *MemoryStore) Record(_ context.Context, a *Assessment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	list := append(m.byAccount[a.AccountID], &cp)
	if len(list) > maxPerAccount {
		drop := list[0]
		delete(m.byTxn, drop.TransactionID)
		list = list[1:]
	}
	m.byAccount[a.AccountID] = list
	m.byTxn[a.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) GetByTransaction(_ context.Context, txnID string) (*Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byTxn[txnID]
	if !ok {
		return nil, ErrAssessmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListByAccount(_ context.Context, accountID string, limit int) ([]*Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.byAccount[accountID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]*Assessment, 0, limit)
	// Newest first
	for i := len(list) - 1; i >= len(list)-limit; i-- {
		cp := *list[i]
		out = append(out, &cp)
	}
	return out, nil
}
