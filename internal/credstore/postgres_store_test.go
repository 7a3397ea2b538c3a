//go:build integration

package credstore

import (
	"context"
	"testing"
	"time"

	"github.com/okapipay/okapi/internal/testutil"
)

func setupPGAccounts(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		cleanup()
		t.Fatalf("migrate: %v", err)
	}
	return store, cleanup
}

func pgAccount(id, phone string) *Account {
	now := time.Now().Truncate(time.Microsecond)
	return &Account{
		ID:      id,
		Phone:   phone,
		PinHash: "$argon2id$v=19$m=8192,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g",
		Devices: []Device{
			{Fingerprint: "fp-test-device-1", AddedAt: now},
		},
		LockState: LockActive,
		CreatedAt: now,
	}
}

func TestPostgresAccountRoundTrip(t *testing.T) {
	store, cleanup := setupPGAccounts(t)
	defer cleanup()
	ctx := context.Background()

	acct := pgAccount("acct_pg1", "+254712000001")
	if err := store.Create(ctx, acct); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.GetByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.Phone != acct.Phone || got.PinHash != acct.PinHash || len(got.Devices) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.LockedUntil.IsZero() || !got.LastLockout.IsZero() {
		t.Fatal("zero times must survive the round trip as zero")
	}

	byPhone, err := store.GetByPhone(ctx, acct.Phone)
	if err != nil {
		t.Fatalf("get by phone: %v", err)
	}
	if byPhone.ID != acct.ID {
		t.Fatalf("phone lookup returned %s", byPhone.ID)
	}

	if _, err := store.GetByID(ctx, "acct_missing"); err != ErrAccountNotFound {
		t.Fatalf("get missing: %v, want ErrAccountNotFound", err)
	}
}

func TestPostgresDuplicatePhone(t *testing.T) {
	store, cleanup := setupPGAccounts(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.Create(ctx, pgAccount("acct_pg1", "+254712000001")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, pgAccount("acct_pg2", "+254712000001")); err != ErrDuplicateAccount {
		t.Fatalf("duplicate create: %v, want ErrDuplicateAccount", err)
	}
}

func TestPostgresUpdateLockState(t *testing.T) {
	store, cleanup := setupPGAccounts(t)
	defer cleanup()
	ctx := context.Background()

	acct := pgAccount("acct_pg1", "+254712000001")
	if err := store.Create(ctx, acct); err != nil {
		t.Fatalf("create: %v", err)
	}

	until := time.Now().Add(5 * time.Minute).Truncate(time.Microsecond)
	acct.LockState = LockTemporary
	acct.LockedUntil = until
	acct.LockoutTier = 1
	acct.LastLockout = time.Now().Truncate(time.Microsecond)
	if err := store.Update(ctx, acct); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetByID(ctx, acct.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LockState != LockTemporary || got.LockoutTier != 1 {
		t.Fatalf("lock state = %s tier %d", got.LockState, got.LockoutTier)
	}
	if !got.LockedUntil.Equal(until) {
		t.Fatalf("locked until = %v, want %v", got.LockedUntil, until)
	}

	if err := store.Update(ctx, pgAccount("acct_missing", "+254700000000")); err != ErrAccountNotFound {
		t.Fatalf("update missing: %v, want ErrAccountNotFound", err)
	}
}
