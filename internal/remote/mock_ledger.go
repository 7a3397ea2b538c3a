package remote

import (
	"context"
	"errors"
	"sync"
)

// MockLedger is an in-memory Ledger for tests and disconnected
// development. It tracks distinct committed IDs so tests can assert
// replay never double-posts, and can be scripted to reject or fail
// specific transactions.
type MockLedger struct {
	mu        sync.Mutex
	committed map[string]*Entry
	attempts  map[string]int
	rejects   map[string]string
	failures  map[string]int
	offline   bool
}

var ErrLedgerOffline = errors.New("ledger unreachable")

func NewMockLedger() *MockLedger {
	return &MockLedger{
		committed: make(map[string]*Entry),
		attempts:  make(map[string]int),
		rejects:   make(map[string]string),
		failures:  make(map[string]int),
	}
}

// RejectNext makes Commit return a RejectError for the given ID.
func (m *MockLedger) RejectNext(txnID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects[txnID] = reason
}

// FailTimes makes the next n commits of the given ID fail transiently.
func (m *MockLedger) FailTimes(txnID string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[txnID] = n
}

// SetOffline toggles whole-ledger reachability.
func (m *MockLedger) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MockLedger) Commit(_ context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return ErrLedgerOffline
	}
	m.attempts[entry.TransactionID]++
	if n := m.failures[entry.TransactionID]; n > 0 {
		m.failures[entry.TransactionID] = n - 1
		return ErrLedgerOffline
	}
	if reason, ok := m.rejects[entry.TransactionID]; ok {
		return &RejectError{TransactionID: entry.TransactionID, Reason: reason}
	}
	if _, ok := m.committed[entry.TransactionID]; ok {
		return nil
	}
	cp := *entry
	m.committed[entry.TransactionID] = &cp
	return nil
}

func (m *MockLedger) Probe(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrLedgerOffline
	}
	return nil
}

// CommitCount returns the number of distinct committed transactions.
func (m *MockLedger) CommitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.committed)
}

// Attempts returns how many times Commit was called for a transaction.
func (m *MockLedger) Attempts(txnID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[txnID]
}

// Committed reports whether a transaction landed upstream.
func (m *MockLedger) Committed(txnID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.committed[txnID]
	return ok
}
