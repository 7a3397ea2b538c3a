// Package remote defines the upstream ledger contract used during
// reconciliation.
//
// Commits are idempotent by transaction ID: replaying the same entry
// twice must not double-post. A RejectError is a business rejection
// that retrying cannot fix; everything else is treated as transient.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one transaction presented to the upstream ledger.
type Entry struct {
	TransactionID string          `json:"transactionId"`
	AccountID     string          `json:"accountId"`
	Recipient     string          `json:"recipient"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	AuthorizedAt  time.Time       `json:"authorizedAt"`
	Sequence      uint64          `json:"sequence"`
}

// RejectError is a definitive upstream rejection. Replay must stop for
// this entry; later entries for the account still proceed.
type RejectError struct {
	TransactionID string
	Reason        string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("ledger rejected %s: %s", e.TransactionID, e.Reason)
}

// Ledger is the upstream system of record.
type Ledger interface {
	// Commit posts an entry. Committing an already-committed entry is
	// a no-op success.
	Commit(ctx context.Context, entry *Entry) error
	// Probe reports whether the ledger is reachable.
	Probe(ctx context.Context) error
}
