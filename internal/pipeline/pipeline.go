// Package pipeline runs the authorization path: authenticate, apply
// hard limits, score, decide, then commit upstream or queue for later
// sync.
//
// A transaction reaches exactly one terminal state. If persistence
// fails at any point the transaction fails closed; the engine never
// reports success it cannot prove durable.
package pipeline

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNotFlagged          = errors.New("transaction is not awaiting confirmation")
	ErrBadConfirmation     = errors.New("confirmation code mismatch")
)

// Status is a transaction's lifecycle state.
type Status string

const (
	// StatusSynced: authorized and committed to the upstream ledger.
	StatusSynced Status = "synced"
	// StatusQueued: authorized locally, awaiting replay.
	StatusQueued Status = "queued"
	// StatusFlagged: authorized pending step-up confirmation.
	StatusFlagged Status = "flagged"
	// StatusDenied: refused by limits or risk scoring.
	StatusDenied Status = "denied"
	// StatusFailed: could not be made durable, or rejected upstream.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status can no longer change, except for
// queued entries resolving at sync time.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusDenied || s == StatusFailed
}

// Transaction is one authorization attempt and its outcome.
type Transaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"accountId"`
	Sequence     uint64          `json:"sequence"`
	Recipient    string          `json:"recipient"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Fingerprint  string          `json:"-"`
	Status       Status          `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	RiskScore    float64         `json:"riskScore"`
	RiskDecision string          `json:"riskDecision"`
	CreatedAt    time.Time       `json:"createdAt"`
	ResolvedAt   time.Time       `json:"resolvedAt,omitempty"`
}

// SequenceFromID recovers the sequence number embedded in a transaction
// ID (accountID + "-" + sequence). Returns 0 for malformed IDs.
func SequenceFromID(id string) uint64 {
	i := strings.LastIndexByte(id, '-')
	if i < 0 {
		return 0
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

// Store persists transactions. NextSequence hands out a gapless
// per-account counter; transaction IDs are accountID + "-" + sequence
// so ordering is recoverable from the ID alone.
type Store interface {
	NextSequence(ctx context.Context, accountID string) (uint64, error)
	Create(ctx context.Context, t *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id string, status Status, reason string) error
	// ListByAccount returns transactions newest first. A non-zero
	// beforeSeq restricts results to sequences below it, for cursor
	// pagination.
	ListByAccount(ctx context.Context, accountID string, beforeSeq uint64, limit int) ([]*Transaction, error)
	// SpentSince sums amounts of authorized transactions (synced,
	// queued, or flagged) created after the cutoff.
	SpentSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error)
}
