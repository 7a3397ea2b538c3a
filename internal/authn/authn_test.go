package authn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okapipay/okapi/internal/config"
	"github.com/okapipay/okapi/internal/credstore"
)

type fixture struct {
	auth  *Authenticator
	creds *credstore.CredStore
	acct  *credstore.Account
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.ArgonTime = 1
	cfg.ArgonMemoryKB = 8 * 1024

	creds := credstore.New(cfg, credstore.NewMemoryStore())
	acct, err := creds.Register(context.Background(), "+254712345678", "4821", "device-fp-0001")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	f := &fixture{
		auth:  New(cfg, creds, NewMemoryAttemptStore()),
		creds: creds,
		acct:  acct,
		clock: time.Now(),
	}
	f.auth.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t)
	res, err := f.auth.Authenticate(context.Background(), f.acct.ID, "4821", "device-fp-0001")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.Account.ID != f.acct.ID {
		t.Fatal("wrong account in result")
	}
}

func TestLockoutAfterPinFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// MaxPinFailures is 4: three failures leave the account usable.
	for i := 0; i < 3; i++ {
		if _, err := f.auth.Authenticate(ctx, f.acct.ID, "0000", "device-fp-0001"); !errors.Is(err, ErrBadPin) {
			t.Fatalf("attempt %d: expected ErrBadPin, got %v", i, err)
		}
	}
	if _, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "device-fp-0001"); err != nil {
		t.Fatalf("below threshold, success should clear: %v", err)
	}

	// A success resets the count; four straight failures lock.
	for i := 0; i < 4; i++ {
		_, err := f.auth.Authenticate(ctx, f.acct.ID, "0000", "device-fp-0001")
		if !errors.Is(err, ErrBadPin) {
			t.Fatalf("attempt %d: expected ErrBadPin, got %v", i, err)
		}
	}
	_, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "device-fp-0001")
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if locked.Tier != 0 {
		t.Fatalf("first lockout should be tier 0, got %d", locked.Tier)
	}
}

func TestCountersAreIndependent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three PIN failures plus two device failures: neither counter
	// alone reaches its threshold (4 and 3), so no lockout.
	for i := 0; i < 3; i++ {
		if _, err := f.auth.Authenticate(ctx, f.acct.ID, "0000", "device-fp-0001"); !errors.Is(err, ErrBadPin) {
			t.Fatalf("pin failure %d: %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if _, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "unknown-device-99"); !errors.Is(err, ErrUnknownDevice) {
			t.Fatalf("device failure %d: %v", i, err)
		}
	}

	if _, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "device-fp-0001"); err != nil {
		t.Fatalf("mixed sub-threshold failures must not lock: %v", err)
	}
}

func TestDeviceCounterLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// MaxDeviceFailures is 3.
	for i := 0; i < 3; i++ {
		if _, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "unknown-device-99"); !errors.Is(err, ErrUnknownDevice) {
			t.Fatalf("device failure %d: %v", i, err)
		}
	}
	_, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "device-fp-0001")
	var locked *LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError after device failures, got %v", err)
	}
}

func lockAccount(t *testing.T, f *fixture) *LockedError {
	t.Helper()
	ctx := context.Background()
	var locked *LockedError
	for i := 0; i < 5; i++ {
		_, err := f.auth.Authenticate(ctx, f.acct.ID, "0000", "device-fp-0001")
		if errors.As(err, &locked) {
			return locked
		}
	}
	t.Fatal("account did not lock")
	return nil
}

func TestLockoutDurationEscalates(t *testing.T) {
	f := newFixture(t)

	first := lockAccount(t, f)
	firstDur := first.Until.Sub(f.clock)

	// Wait out the lock, then lock again inside the escalation window.
	f.advance(firstDur + time.Second)
	second := lockAccount(t, f)
	if second.Tier != 1 {
		t.Fatalf("expected tier 1, got %d", second.Tier)
	}
	secondDur := second.Until.Sub(f.clock)
	if secondDur < 2*firstDur-time.Second {
		t.Fatalf("lockout did not grow: first=%v second=%v", firstDur, secondDur)
	}
}

func TestLockoutTierResetsAfterEscalationWindow(t *testing.T) {
	f := newFixture(t)

	first := lockAccount(t, f)
	f.advance(first.Until.Sub(f.clock) + time.Second)

	// Outside the 24h escalation window the tier starts over.
	f.advance(25 * time.Hour)
	second := lockAccount(t, f)
	if second.Tier != 0 {
		t.Fatalf("expected tier reset to 0, got %d", second.Tier)
	}
}

func TestPermanentLockAfterMaxTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Climb through all temporary tiers (MaxLockoutTiers = 4).
	for tier := 0; tier < 4; tier++ {
		locked := lockAccount(t, f)
		f.advance(locked.Until.Sub(f.clock) + time.Second)
	}

	// The next lockout inside the window goes permanent.
	var lastErr error
	for i := 0; i < 5; i++ {
		_, lastErr = f.auth.Authenticate(ctx, f.acct.ID, "0000", "device-fp-0001")
		if errors.Is(lastErr, ErrPermanentlyLocked) {
			break
		}
	}
	if _, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "device-fp-0001"); !errors.Is(err, ErrPermanentlyLocked) {
		t.Fatalf("expected ErrPermanentlyLocked, got %v", err)
	}

	// Permanent locks do not expire.
	f.advance(100 * 24 * time.Hour)
	if _, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "device-fp-0001"); !errors.Is(err, ErrPermanentlyLocked) {
		t.Fatalf("permanent lock lifted by time: %v", err)
	}
}

func TestTemporaryLockExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	locked := lockAccount(t, f)
	f.advance(locked.Until.Sub(f.clock) + time.Second)

	if _, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "device-fp-0001"); err != nil {
		t.Fatalf("lock should have expired: %v", err)
	}
}

func TestUnlockClearsTemporaryLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lockAccount(t, f)
	if err := f.auth.Unlock(ctx, f.acct.ID); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := f.auth.Authenticate(ctx, f.acct.ID, "4821", "device-fp-0001"); err != nil {
		t.Fatalf("expected success after unlock: %v", err)
	}
}
