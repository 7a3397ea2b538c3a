// Package risk scores transactions against each account's behavioral
// baseline.
//
// Every authorized transaction is evaluated against six weighted
// signals: amount deviation, velocity, device novelty, recipient
// novelty, off-hours activity, and daily-limit proximity. Scores range
// 0 (safe) to 100 (high risk).
// Accounts with too little history skip behavioral signals entirely;
// static limit checks still apply upstream.
package risk

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Decision is the scorer's verdict on a transaction.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionFlag  Decision = "flag"
	DecisionDeny  Decision = "deny"
)

// Signal names reported in Assessment.Factors.
const (
	SignalAmount         = "amount_deviation"
	SignalVelocity       = "velocity"
	SignalNewDevice      = "device_novelty"
	SignalNewRecipient   = "recipient_novelty"
	SignalOffHours       = "off_hours"
	SignalLimitProximity = "limit_proximity"
)

// Assessment is the result of evaluating a single transaction.
type Assessment struct {
	ID            string             `json:"id"`
	TransactionID string             `json:"transactionId"`
	AccountID     string             `json:"accountId"`
	Score         float64            `json:"score"`
	Factors       map[string]float64 `json:"factors"`
	Decision      Decision           `json:"decision"`
	ColdStart     bool               `json:"coldStart"`
	EvaluatedAt   time.Time          `json:"evaluatedAt"`
}

// Input carries the data needed to score a transaction. Populated by
// the pipeline from the request and account state; the scorer itself
// issues no queries.
type Input struct {
	AccountID   string
	Transaction string
	Amount      decimal.Decimal
	Recipient   string
	Fingerprint string
	At          time.Time
	DailySpent  decimal.Decimal
	RecentCount int // committed transactions inside the velocity window
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	GetByTransaction(ctx context.Context, txnID string) (*Assessment, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Assessment, error)
}
