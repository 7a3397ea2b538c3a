package credstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and single-node mode.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Account
	byPhone map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Account),
		byPhone: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[acct.ID]; ok {
		return ErrDuplicateAccount
	}
	if _, ok := m.byPhone[acct.Phone]; ok {
		return ErrDuplicateAccount
	}
	cp := cloneAccount(acct)
	m.byID[acct.ID] = cp
	m.byPhone[acct.Phone] = acct.ID
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.byID[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(acct), nil
}

func (m *MemoryStore) GetByPhone(_ context.Context, phone string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byPhone[phone]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(m.byID[id]), nil
}

func (m *MemoryStore) Update(_ context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[acct.ID]; !ok {
		return ErrAccountNotFound
	}
	m.byID[acct.ID] = cloneAccount(acct)
	return nil
}

func cloneAccount(a *Account) *Account {
	cp := *a
	cp.Devices = make([]Device, len(a.Devices))
	copy(cp.Devices, a.Devices)
	return &cp
}
