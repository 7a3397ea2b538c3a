// Package offline holds locally authorized transactions until
// connectivity allows replaying them to the upstream ledger.
//
// Queue entries are persisted before the caller is acknowledged, so a
// crash or battery death between authorization and sync loses nothing.
// Replay is strictly in per-account sequence order; entries older than
// the retention window expire rather than sync.
package offline

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrEntryNotFound = errors.New("queue entry not found")

// Entry is one queued transaction awaiting upstream commit.
type Entry struct {
	TransactionID string          `json:"transactionId"`
	AccountID     string          `json:"accountId"`
	Sequence      uint64          `json:"sequence"`
	Recipient     string          `json:"recipient"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	AuthorizedAt  time.Time       `json:"authorizedAt"`
	QueuedAt      time.Time       `json:"queuedAt"`
	Attempts      int             `json:"attempts"`
}

// Store persists the queue. Enqueue must be durable before returning.
type Store interface {
	Enqueue(ctx context.Context, e *Entry) error
	// Pending returns all queued entries grouped implicitly by account,
	// ordered by account then sequence.
	Pending(ctx context.Context) ([]*Entry, error)
	// Dequeue removes an entry after terminal resolution.
	Dequeue(ctx context.Context, txnID string) error
	// MarkAttempt bumps the replay attempt counter.
	MarkAttempt(ctx context.Context, txnID string) error
	Depth(ctx context.Context) (int, error)
}
