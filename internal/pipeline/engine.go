package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/okapipay/okapi/internal/authn"
	"github.com/okapipay/okapi/internal/config"
	"github.com/okapipay/okapi/internal/logging"
	"github.com/okapipay/okapi/internal/metrics"
	"github.com/okapipay/okapi/internal/money"
	"github.com/okapipay/okapi/internal/notify"
	"github.com/okapipay/okapi/internal/offline"
	"github.com/okapipay/okapi/internal/profile"
	"github.com/okapipay/okapi/internal/remote"
	"github.com/okapipay/okapi/internal/risk"
	"github.com/okapipay/okapi/internal/syncutil"
	"github.com/okapipay/okapi/internal/traces"
)

// Denial reasons surfaced to clients.
const (
	ReasonSingleLimit = "single_transaction_limit"
	ReasonDailyLimit  = "daily_limit"
	ReasonRiskScore   = "risk_score"
	ReasonPersistence = "persistence_failure"
)

// Request is a transaction submission.
type Request struct {
	AccountID   string `json:"accountId"`
	Pin         string `json:"pin"`
	Fingerprint string `json:"deviceFingerprint"`
	Recipient   string `json:"recipient"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
}

// Result is the outcome of a submission or confirmation.
type Result struct {
	Transaction          *Transaction     `json:"transaction"`
	Assessment           *risk.Assessment `json:"assessment,omitempty"`
	ConfirmationRequired bool             `json:"confirmationRequired,omitempty"`
	ConfirmationCode     string           `json:"confirmationCode,omitempty"`
}

// Engine drives the authorization pipeline. All per-account work runs
// under the account's shard lock, shared with the reconciler, so
// submissions and replay never interleave.
type Engine struct {
	cfg     *config.Config
	store   Store
	auth    *authn.Authenticator
	scorer  *risk.Scorer
	tracker *profile.Tracker
	queue   offline.Store
	ledger  remote.Ledger
	locks   *syncutil.ContextShardedMutex
	notif   notify.Notifier
	secret  []byte
	now     func() time.Time
}

func NewEngine(cfg *config.Config, store Store, auth *authn.Authenticator, scorer *risk.Scorer,
	tracker *profile.Tracker, queue offline.Store, ledger remote.Ledger,
	locks *syncutil.ContextShardedMutex, notif notify.Notifier, secret []byte) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		auth:    auth,
		scorer:  scorer,
		tracker: tracker,
		queue:   queue,
		ledger:  ledger,
		locks:   locks,
		notif:   notif,
		secret:  secret,
		now:     time.Now,
	}
}

// Locks exposes the shared per-account lock set for the reconciler.
func (e *Engine) Locks() *syncutil.ContextShardedMutex { return e.locks }

// Submit runs the full authorization pipeline for one transaction.
func (e *Engine) Submit(ctx context.Context, req *Request) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.Submit")
	defer span.End()

	amount, err := money.Parse(req.Amount)
	if err != nil {
		return nil, err
	}
	if !money.ValidCurrency(req.Currency) {
		return nil, money.ErrUnsupportedCurrency
	}

	unlock, err := e.locks.LockContext(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	authRes, err := e.auth.Authenticate(ctx, req.AccountID, req.Pin, req.Fingerprint)
	if err != nil {
		var locked *authn.LockedError
		if errors.As(err, &locked) || errors.Is(err, authn.ErrPermanentlyLocked) {
			notify.Emit(ctx, e.notif, notify.EventAccountLocked, req.AccountID, nil)
		}
		return nil, err
	}

	seq, err := e.store.NextSequence(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}

	now := e.now()
	txn := &Transaction{
		ID:          fmt.Sprintf("%s-%d", req.AccountID, seq),
		AccountID:   req.AccountID,
		Sequence:    seq,
		Recipient:   req.Recipient,
		Amount:      amount,
		Currency:    req.Currency,
		Fingerprint: authRes.Fingerprint,
		CreatedAt:   now,
	}
	span.SetAttributes(traces.TransactionID(txn.ID), traces.AccountID(txn.AccountID))

	// Hard limits precede scoring: a limit breach denies outright no
	// matter how normal the transaction looks. The daily window is the
	// UTC day so the boundary does not move with server timezone.
	utc := now.UTC()
	dayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	spent, err := e.store.SpentSince(ctx, req.AccountID, dayStart)
	if err != nil {
		return nil, fmt.Errorf("daily spend lookup: %w", err)
	}
	if amount.GreaterThan(e.cfg.SingleTxnLimit) {
		return e.deny(ctx, txn, nil, ReasonSingleLimit)
	}
	if spent.Add(amount).GreaterThan(e.cfg.DailyLimit) {
		return e.deny(ctx, txn, nil, ReasonDailyLimit)
	}

	assessment := e.scorer.Score(ctx, &risk.Input{
		AccountID:   req.AccountID,
		Transaction: txn.ID,
		Amount:      amount,
		Recipient:   req.Recipient,
		Fingerprint: authRes.Fingerprint,
		At:          now,
		DailySpent:  spent,
		RecentCount: e.tracker.CountSince(req.AccountID, now.Add(-e.cfg.VelocityWindow)),
	})
	txn.RiskScore = assessment.Score
	txn.RiskDecision = string(assessment.Decision)
	span.SetAttributes(traces.Decision(string(assessment.Decision)))

	switch assessment.Decision {
	case risk.DecisionDeny:
		return e.deny(ctx, txn, assessment, ReasonRiskScore)
	case risk.DecisionFlag:
		return e.flag(ctx, txn, assessment)
	default:
		return e.commit(ctx, txn, assessment)
	}
}

// Confirm resolves a flagged transaction with its step-up code.
func (e *Engine) Confirm(ctx context.Context, accountID, txnID, code string) (*Result, error) {
	unlock, err := e.locks.LockContext(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	txn, err := e.store.Get(ctx, txnID)
	if err != nil {
		return nil, err
	}
	if txn.AccountID != accountID {
		return nil, ErrTransactionNotFound
	}
	if txn.Status != StatusFlagged {
		return nil, ErrNotFlagged
	}
	if !hmac.Equal([]byte(code), []byte(e.confirmationCode(txn.ID))) {
		return nil, ErrBadConfirmation
	}
	return e.commit(ctx, txn, nil)
}

// Get returns a transaction by ID.
func (e *Engine) Get(ctx context.Context, txnID string) (*Transaction, error) {
	return e.store.Get(ctx, txnID)
}

// History lists an account's recent transactions, newest first. A
// non-zero beforeSeq resumes a cursor-paginated listing.
func (e *Engine) History(ctx context.Context, accountID string, beforeSeq uint64, limit int) ([]*Transaction, error) {
	return e.store.ListByAccount(ctx, accountID, beforeSeq, limit)
}

// Rehydrate reloads behavioral profiles from committed history after a
// restart so established accounts do not regress to cold start.
func (e *Engine) Rehydrate(ctx context.Context, accountIDs []string) {
	for _, id := range accountIDs {
		txns, err := e.store.ListByAccount(ctx, id, 0, e.cfg.ProfileWindow)
		if err != nil {
			logging.L(ctx).Warn("profile rehydration failed", "account_id", id, "error", err)
			continue
		}
		for i := len(txns) - 1; i >= 0; i-- {
			t := txns[i]
			if t.Status != StatusSynced && t.Status != StatusQueued {
				continue
			}
			e.tracker.Observe(id, profile.Observation{
				Amount:      t.Amount,
				Recipient:   t.Recipient,
				Fingerprint: t.Fingerprint,
				At:          t.CreatedAt,
			})
		}
	}
}

// MarkSynced implements offline.Outcome.
func (e *Engine) MarkSynced(ctx context.Context, txnID string) error {
	if err := e.store.UpdateStatus(ctx, txnID, StatusSynced, ""); err != nil {
		return err
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusSynced)).Inc()
	return nil
}

// MarkFailed implements offline.Outcome.
func (e *Engine) MarkFailed(ctx context.Context, txnID, reason string) error {
	if err := e.store.UpdateStatus(ctx, txnID, StatusFailed, reason); err != nil {
		return err
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusFailed)).Inc()
	return nil
}

func (e *Engine) deny(ctx context.Context, txn *Transaction, a *risk.Assessment, reason string) (*Result, error) {
	txn.Status = StatusDenied
	txn.Reason = reason
	txn.ResolvedAt = e.now()
	if err := e.store.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("persist denial: %w", err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusDenied)).Inc()
	notify.Emit(ctx, e.notif, notify.EventTransactionDenied, txn.AccountID, map[string]any{
		"transactionId": txn.ID,
		"reason":        reason,
	})
	return &Result{Transaction: txn, Assessment: a}, nil
}

func (e *Engine) flag(ctx context.Context, txn *Transaction, a *risk.Assessment) (*Result, error) {
	txn.Status = StatusFlagged
	if err := e.store.Create(ctx, txn); err != nil {
		return e.failClosed(ctx, txn, a, err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusFlagged)).Inc()
	notify.Emit(ctx, e.notif, notify.EventTransactionFlagged, txn.AccountID, map[string]any{
		"transactionId": txn.ID,
		"score":         txn.RiskScore,
	})
	return &Result{
		Transaction:          txn,
		Assessment:           a,
		ConfirmationRequired: true,
		ConfirmationCode:     e.confirmationCode(txn.ID),
	}, nil
}

// commit finalizes an authorized transaction. The transaction is made
// durable first: persisted as queued and enqueued before the upstream
// ledger sees it. Only then is a direct commit attempted, when the
// ledger is reachable and the account has no older queued entries (a
// direct commit jumping over them would reorder the account's history
// upstream). Once the entry is durable, any failure past the ledger ack
// leaves it queued under the same transaction ID and the reconciler's
// idempotent replay resolves it; the ledger is never asked to apply a
// transaction the local store could still lose.
func (e *Engine) commit(ctx context.Context, txn *Transaction, a *risk.Assessment) (*Result, error) {
	now := e.now()
	fresh := txn.Status == ""

	entry := &offline.Entry{
		TransactionID: txn.ID,
		AccountID:     txn.AccountID,
		Sequence:      txn.Sequence,
		Recipient:     txn.Recipient,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		AuthorizedAt:  txn.CreatedAt,
		QueuedAt:      now,
	}

	// Checked before our own entry lands in the queue.
	backlog := e.hasBacklog(ctx, txn.AccountID)

	txn.Status = StatusQueued
	var err error
	if fresh {
		err = e.store.Create(ctx, txn)
	} else {
		err = e.store.UpdateStatus(ctx, txn.ID, StatusQueued, "")
	}
	if err != nil {
		return e.failClosed(ctx, txn, a, err)
	}

	if err := e.queue.Enqueue(ctx, entry); err != nil {
		// Not durable: the authorization cannot be honored.
		if uerr := e.store.UpdateStatus(ctx, txn.ID, StatusFailed, ReasonPersistence); uerr != nil {
			logging.L(ctx).Error("failed to fail transaction after enqueue error",
				"transaction_id", txn.ID, "error", uerr)
		}
		txn.Status = StatusFailed
		txn.Reason = ReasonPersistence
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	if !backlog && e.tryDirect(ctx, entry) {
		if uerr := e.store.UpdateStatus(ctx, txn.ID, StatusSynced, ""); uerr != nil {
			// The upstream has it; the entry stays queued and replay
			// settles the status under the same ID.
			logging.L(ctx).Warn("committed upstream but status update failed, leaving queued",
				"transaction_id", txn.ID, "error", uerr)
		} else {
			txn.Status = StatusSynced
			txn.ResolvedAt = now
			if derr := e.queue.Dequeue(ctx, txn.ID); derr != nil {
				logging.L(ctx).Warn("synced transaction left in queue",
					"transaction_id", txn.ID, "error", derr)
			}
		}
	}

	if depth, derr := e.queue.Depth(ctx); derr == nil {
		metrics.OfflineQueueDepth.Set(float64(depth))
	}

	metrics.TransactionsTotal.WithLabelValues(string(txn.Status)).Inc()
	e.tracker.Observe(txn.AccountID, profile.Observation{
		Amount:      txn.Amount,
		Recipient:   txn.Recipient,
		Fingerprint: txn.Fingerprint,
		At:          txn.CreatedAt,
	})

	event := notify.EventTransactionAuthorized
	if txn.Status == StatusQueued {
		event = notify.EventTransactionQueued
	}
	notify.Emit(ctx, e.notif, event, txn.AccountID, map[string]any{
		"transactionId": txn.ID,
		"amount":        txn.Amount.String(),
		"currency":      txn.Currency,
	})
	return &Result{Transaction: txn, Assessment: a}, nil
}

// tryDirect attempts an immediate upstream commit with a short budget.
// Any failure falls back to the queue; a RejectError here is rare and
// also queued so the reconciler resolves it under full retry handling.
func (e *Engine) tryDirect(ctx context.Context, entry *offline.Entry) bool {
	if e.ledger == nil {
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.LedgerTimeout)
	defer cancel()
	if err := e.ledger.Commit(cctx, toRemoteEntry(entry)); err != nil {
		logging.L(ctx).Debug("direct commit unavailable, queueing",
			"transaction_id", entry.TransactionID, "error", err)
		return false
	}
	return true
}

func (e *Engine) hasBacklog(ctx context.Context, accountID string) bool {
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return true
	}
	for _, p := range pending {
		if p.AccountID == accountID {
			return true
		}
	}
	return false
}

// failClosed records a persistence failure as a Failed transaction when
// possible. The caller gets an error either way; the invariant is that
// no transaction is left looking authorized without durable state.
func (e *Engine) failClosed(ctx context.Context, txn *Transaction, _ *risk.Assessment, cause error) (*Result, error) {
	logging.L(ctx).Error("persistence failure in pipeline",
		"transaction_id", txn.ID, "error", cause)
	txn.Status = StatusFailed
	txn.Reason = ReasonPersistence
	txn.ResolvedAt = e.now()
	if err := e.store.Create(ctx, txn); err != nil {
		logging.L(ctx).Error("failed to record failed transaction",
			"transaction_id", txn.ID, "error", err)
	}
	metrics.TransactionsTotal.WithLabelValues(string(StatusFailed)).Inc()
	return nil, fmt.Errorf("persist transaction: %w", cause)
}

// confirmationCode derives the 6-digit step-up code for a flagged
// transaction. HMAC keyed by the engine secret so codes cannot be
// predicted from the transaction ID alone.
func (e *Engine) confirmationCode(txnID string) string {
	mac := hmac.New(sha256.New, e.secret)
	mac.Write([]byte(txnID))
	sum := mac.Sum(nil)
	n := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return fmt.Sprintf("%06d", n%1000000)
}

func toRemoteEntry(e *offline.Entry) *remote.Entry {
	return &remote.Entry{
		TransactionID: e.TransactionID,
		AccountID:     e.AccountID,
		Recipient:     e.Recipient,
		Amount:        e.Amount,
		Currency:      e.Currency,
		AuthorizedAt:  e.AuthorizedAt,
		Sequence:      e.Sequence,
	}
}
