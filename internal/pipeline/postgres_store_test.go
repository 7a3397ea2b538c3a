//go:build integration

package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/okapipay/okapi/internal/testutil"
)

func setupPGStore(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return store, cleanup
}

func pgTxn(accountID string, seq uint64, status Status) *Transaction {
	return &Transaction{
		ID:           fmt.Sprintf("%s-%d", accountID, seq),
		AccountID:    accountID,
		Sequence:     seq,
		Recipient:    "merchant-abc",
		Amount:       decimal.NewFromInt(100),
		Currency:     "KES",
		Fingerprint:  "fp-test-device-1",
		Status:       status,
		RiskScore:    12.5,
		RiskDecision: "allow",
		CreatedAt:    time.Now().Truncate(time.Microsecond),
	}
}

func TestPostgresNextSequenceGapless(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()
	ctx := context.Background()

	for want := uint64(1); want <= 5; want++ {
		got, err := store.NextSequence(ctx, "acct_pg1")
		if err != nil {
			t.Fatalf("NextSequence: %v", err)
		}
		if got != want {
			t.Fatalf("sequence = %d, want %d", got, want)
		}
	}

	// Independent per account.
	got, err := store.NextSequence(ctx, "acct_pg2")
	if err != nil {
		t.Fatalf("NextSequence: %v", err)
	}
	if got != 1 {
		t.Fatalf("second account sequence = %d, want 1", got)
	}
}

func TestPostgresCreateAndGet(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()
	ctx := context.Background()

	txn := pgTxn("acct_pg1", 1, StatusQueued)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccountID != txn.AccountID || got.Sequence != txn.Sequence ||
		got.Status != StatusQueued || !got.Amount.Equal(txn.Amount) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.ResolvedAt.IsZero() {
		t.Fatal("non-terminal transaction should have no resolved time")
	}

	if _, err := store.Get(ctx, "acct_pg1-999"); err != ErrTransactionNotFound {
		t.Fatalf("get missing: %v, want ErrTransactionNotFound", err)
	}
}

func TestPostgresUpdateStatusSetsResolved(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()
	ctx := context.Background()

	txn := pgTxn("acct_pg1", 1, StatusQueued)
	if err := store.Create(ctx, txn); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.UpdateStatus(ctx, txn.ID, StatusSynced, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSynced {
		t.Fatalf("status = %s", got.Status)
	}
	if got.ResolvedAt.IsZero() {
		t.Fatal("terminal status must set resolved time")
	}

	if err := store.UpdateStatus(ctx, "acct_pg1-999", StatusFailed, "x"); err != ErrTransactionNotFound {
		t.Fatalf("update missing: %v, want ErrTransactionNotFound", err)
	}
}

func TestPostgresListByAccountPagination(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := store.Create(ctx, pgTxn("acct_pg1", seq, StatusSynced)); err != nil {
			t.Fatalf("create %d: %v", seq, err)
		}
	}

	page, err := store.ListByAccount(ctx, "acct_pg1", 0, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].Sequence != 5 || page[1].Sequence != 4 {
		t.Fatalf("first page = %+v", page)
	}

	page, err = store.ListByAccount(ctx, "acct_pg1", 4, 10)
	if err != nil {
		t.Fatalf("list with cursor: %v", err)
	}
	if len(page) != 3 || page[0].Sequence != 3 {
		t.Fatalf("cursor page = %+v", page)
	}
}

func TestPostgresSpentSince(t *testing.T) {
	store, cleanup := setupPGStore(t)
	defer cleanup()
	ctx := context.Background()

	// Synced, queued, and flagged count toward spend; denied does not.
	for seq, status := range map[uint64]Status{
		1: StatusSynced, 2: StatusQueued, 3: StatusFlagged, 4: StatusDenied,
	} {
		if err := store.Create(ctx, pgTxn("acct_pg1", seq, status)); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	spent, err := store.SpentSince(ctx, "acct_pg1", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("spent: %v", err)
	}
	if !spent.Equal(decimal.NewFromInt(300)) {
		t.Fatalf("spent = %v, want 300", spent)
	}
}
