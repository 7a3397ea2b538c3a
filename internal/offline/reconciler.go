package offline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/okapipay/okapi/internal/circuitbreaker"
	"github.com/okapipay/okapi/internal/config"
	"github.com/okapipay/okapi/internal/logging"
	"github.com/okapipay/okapi/internal/metrics"
	"github.com/okapipay/okapi/internal/notify"
	"github.com/okapipay/okapi/internal/remote"
	"github.com/okapipay/okapi/internal/retry"
	"github.com/okapipay/okapi/internal/syncutil"
)

// ExpiredReason marks transactions that aged out of the queue.
const ExpiredReason = "expired"

// Outcome records terminal resolution of a replayed transaction.
// Implemented by the pipeline, which owns transaction state.
type Outcome interface {
	MarkSynced(ctx context.Context, txnID string) error
	MarkFailed(ctx context.Context, txnID, reason string) error
}

// Report summarizes one reconciliation run.
type Report struct {
	Attempted int       `json:"attempted"`
	Synced    int       `json:"synced"`
	Rejected  int       `json:"rejected"`
	Expired   int       `json:"expired"`
	Deferred  int       `json:"deferred"` // transient failures, stay queued
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`
}

// Reconciler replays queued transactions to the upstream ledger.
//
// Replay takes the same per-account lock as the authorization path, so
// a sync never interleaves with a new submission on the same account.
// Within an account, replay is strictly sequence-ordered: a transient
// failure defers the rest of that account's queue, while a definitive
// rejection fails only its own entry and replay continues.
type Reconciler struct {
	cfg     *config.Config
	store   Store
	ledger  remote.Ledger
	locks   *syncutil.ContextShardedMutex
	breaker *circuitbreaker.Breaker
	outcome Outcome
	notif   notify.Notifier
	key     string // breaker key, the ledger endpoint
}

func NewReconciler(cfg *config.Config, store Store, ledger remote.Ledger, locks *syncutil.ContextShardedMutex, outcome Outcome, notif notify.Notifier) *Reconciler {
	key := cfg.LedgerURL
	if key == "" {
		key = "ledger"
	}
	return &Reconciler{
		cfg:     cfg,
		store:   store,
		ledger:  ledger,
		locks:   locks,
		breaker: circuitbreaker.New(5, 2*time.Minute),
		outcome: outcome,
		notif:   notif,
		key:     key,
	}
}

// Run performs one reconciliation pass over the whole queue.
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}
	defer func() {
		report.Duration = time.Since(report.StartedAt).String()
		r.updateDepth(ctx)
	}()

	pending, err := r.store.Pending(ctx)
	if err != nil {
		return report, fmt.Errorf("load pending queue: %w", err)
	}
	if len(pending) == 0 {
		return report, nil
	}

	// Group preserves the store's account-then-sequence ordering.
	byAccount := make(map[string][]*Entry)
	var order []string
	for _, e := range pending {
		if _, seen := byAccount[e.AccountID]; !seen {
			order = append(order, e.AccountID)
		}
		byAccount[e.AccountID] = append(byAccount[e.AccountID], e)
	}

	for _, accountID := range order {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		r.replayAccount(ctx, accountID, byAccount[accountID], report)
	}

	logging.L(ctx).Info("reconciliation run complete",
		"attempted", report.Attempted, "synced", report.Synced,
		"rejected", report.Rejected, "expired", report.Expired,
		"deferred", report.Deferred)
	return report, nil
}

func (r *Reconciler) replayAccount(ctx context.Context, accountID string, entries []*Entry, report *Report) {
	unlock, err := r.locks.LockContext(ctx, accountID)
	if err != nil {
		return
	}
	defer unlock()

	for _, e := range entries {
		report.Attempted++

		if time.Since(e.QueuedAt) > r.cfg.OfflineRetention {
			r.resolve(ctx, e, false, ExpiredReason)
			report.Expired++
			metrics.ReconciliationsTotal.WithLabelValues("expired").Inc()
			continue
		}

		if !r.breaker.Allow(r.key) {
			report.Deferred += remaining(entries, e)
			return
		}

		_ = r.store.MarkAttempt(ctx, e.TransactionID)
		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			commitErr := r.ledger.Commit(ctx, toRemote(e))
			var rej *remote.RejectError
			if errors.As(commitErr, &rej) {
				return retry.Permanent(commitErr)
			}
			return commitErr
		})

		var rej *remote.RejectError
		switch {
		case err == nil:
			r.breaker.RecordSuccess(r.key)
			r.resolve(ctx, e, true, "")
			report.Synced++
			metrics.ReconciliationsTotal.WithLabelValues("synced").Inc()
		case errors.As(err, &rej):
			// Definitive rejection: this entry fails, later ones proceed.
			r.breaker.RecordSuccess(r.key)
			r.resolve(ctx, e, false, rej.Reason)
			report.Rejected++
			metrics.ReconciliationsTotal.WithLabelValues("rejected").Inc()
		default:
			// Transient: keep the entry and everything after it queued
			// so sequence order survives to the next run.
			r.breaker.RecordFailure(r.key)
			report.Deferred += remaining(entries, e)
			metrics.ReconciliationsTotal.WithLabelValues("deferred").Inc()
			notify.Emit(ctx, r.notif, notify.EventReconciliationFailed, accountID, map[string]any{
				"transactionId": e.TransactionID,
				"error":         err.Error(),
			})
			return
		}
	}
}

// resolve records the terminal outcome and removes the queue entry.
// Outcome is written first: a crash in between re-resolves an already
// terminal transaction, which is harmless, while the reverse order
// could lose the outcome entirely.
func (r *Reconciler) resolve(ctx context.Context, e *Entry, synced bool, reason string) {
	if synced {
		if err := r.outcome.MarkSynced(ctx, e.TransactionID); err != nil {
			logging.L(ctx).Error("failed to mark transaction synced",
				"transaction_id", e.TransactionID, "error", err)
			return
		}
		notify.Emit(ctx, r.notif, notify.EventTransactionSynced, e.AccountID, map[string]any{
			"transactionId": e.TransactionID,
		})
	} else {
		if err := r.outcome.MarkFailed(ctx, e.TransactionID, reason); err != nil {
			logging.L(ctx).Error("failed to mark transaction failed",
				"transaction_id", e.TransactionID, "reason", reason, "error", err)
			return
		}
		notify.Emit(ctx, r.notif, notify.EventTransactionFailed, e.AccountID, map[string]any{
			"transactionId": e.TransactionID,
			"reason":        reason,
		})
	}
	if err := r.store.Dequeue(ctx, e.TransactionID); err != nil && !errors.Is(err, ErrEntryNotFound) {
		logging.L(ctx).Error("failed to dequeue entry",
			"transaction_id", e.TransactionID, "error", err)
	}
}

func (r *Reconciler) updateDepth(ctx context.Context) {
	if depth, err := r.store.Depth(ctx); err == nil {
		metrics.OfflineQueueDepth.Set(float64(depth))
	}
}

func remaining(entries []*Entry, from *Entry) int {
	for i, e := range entries {
		if e == from {
			return len(entries) - i
		}
	}
	return 0
}

func toRemote(e *Entry) *remote.Entry {
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

// Timer periodically runs reconciliation passes.
type Timer struct {
	reconciler *Reconciler
	interval   time.Duration
	stop       chan struct{}
	running    atomic.Bool
}

func NewTimer(reconciler *Reconciler, interval time.Duration) *Timer {
	return &Timer{
		reconciler: reconciler,
		interval:   interval,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic sync loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.reconciler.Run(ctx); err != nil {
		logging.L(ctx).Warn("reconciliation run failed", "error", err)
	}
}
