// Package notify fans out engine events: authorization outcomes,
// lockouts, and reconciliation results.
//
// Delivery is fire-and-forget. A slow or broken notifier must never
// stall the authorization path.
package notify

import (
	"context"
	"time"

	"github.com/okapipay/okapi/internal/logging"
	"github.com/okapipay/okapi/internal/metrics"
)

// Event types.
const (
	EventTransactionAuthorized = "transaction.authorized"
	EventTransactionFlagged    = "transaction.flagged"
	EventTransactionDenied     = "transaction.denied"
	EventTransactionQueued     = "transaction.queued"
	EventTransactionSynced     = "transaction.synced"
	EventTransactionFailed     = "transaction.failed"
	EventAccountLocked         = "account.locked"
	EventReconciliationFailed  = "reconciliation.failed"
)

// Event is one engine notification.
type Event struct {
	Type      string         `json:"type"`
	AccountID string         `json:"accountId"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Notifier delivers events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev *Event)
}

// Emit builds an event and delivers it through the notifier, counting
// it in metrics. Nil notifiers are tolerated.
func Emit(ctx context.Context, n Notifier, eventType, accountID string, data map[string]any) {
	metrics.NotificationsTotal.WithLabelValues(eventType).Inc()
	if n == nil {
		return
	}
	n.Notify(ctx, &Event{
		Type:      eventType,
		AccountID: accountID,
		Data:      data,
		At:        time.Now(),
	})
}

// LogNotifier writes events to the structured log. The default sink
// when no push channel is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, ev *Event) {
	logging.L(ctx).Info("event",
		"event_type", ev.Type,
		"account_id", ev.AccountID,
		"data", ev.Data)
}

// Multi delivers to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev *Event) {
	for _, n := range m {
		n.Notify(ctx, ev)
	}
}
