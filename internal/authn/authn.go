// Package authn gates every transaction behind PIN plus device
// verification and enforces progressive lockout.
//
// PIN failures and device failures are counted on independent sliding
// windows so a stolen device cannot reset a PIN-guessing streak by
// alternating failure kinds. Crossing either threshold locks the
// account for a geometrically growing duration; repeated lockouts
// inside the escalation window climb tiers until the account locks
// permanently and requires manual review.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/okapipay/okapi/internal/config"
	"github.com/okapipay/okapi/internal/credstore"
	"github.com/okapipay/okapi/internal/idgen"
	"github.com/okapipay/okapi/internal/logging"
	"github.com/okapipay/okapi/internal/metrics"
)

var (
	ErrBadPin            = errors.New("PIN verification failed")
	ErrUnknownDevice     = errors.New("device not registered")
	ErrPermanentlyLocked = errors.New("account permanently locked")
)

// LockedError reports a temporary lockout and when it lifts.
type LockedError struct {
	Until time.Time
	Tier  int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s (tier %d)", e.Until.Format(time.RFC3339), e.Tier)
}

// Failure kinds tracked on separate counters.
const (
	FailPin    = "bad_pin"
	FailDevice = "unknown_device"
)

// Attempt is one authentication attempt, success or failure.
type Attempt struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"accountId"`
	Outcome     string    `json:"outcome"` // "success", FailPin, FailDevice
	Fingerprint string    `json:"fingerprint"`
	At          time.Time `json:"at"`
}

// AttemptStore persists the attempt log. Failure counts are derived
// from the log so a crash never loses counter state.
type AttemptStore interface {
	Record(ctx context.Context, a *Attempt) error
	CountSince(ctx context.Context, accountID, outcome string, since time.Time) (int, error)
	// LastSuccess returns the time of the account's most recent
	// successful attempt, or the zero time if none.
	LastSuccess(ctx context.Context, accountID string) (time.Time, error)
}

// Result is a successful authentication.
type Result struct {
	Account     *credstore.Account
	Fingerprint string
}

// Authenticator enforces the MFA and lockout rules.
type Authenticator struct {
	cfg      *config.Config
	creds    *credstore.CredStore
	attempts AttemptStore
	now      func() time.Time
}

func New(cfg *config.Config, creds *credstore.CredStore, attempts AttemptStore) *Authenticator {
	return &Authenticator{cfg: cfg, creds: creds, attempts: attempts, now: time.Now}
}

// Authenticate verifies PIN and device for an account. Both factors are
// always checked so the response does not reveal which one failed first;
// each failed factor increments its own counter.
func (a *Authenticator) Authenticate(ctx context.Context, accountID, pin, fingerprint string) (*Result, error) {
	acct, err := a.creds.Lookup(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if err := a.checkLock(acct); err != nil {
		metrics.AuthAttemptsTotal.WithLabelValues("locked").Inc()
		return nil, err
	}

	pinOK, err := credstore.VerifyPin(pin, acct.PinHash)
	if err != nil {
		return nil, err
	}
	deviceOK := acct.HasDevice(fingerprint)

	if pinOK && deviceOK {
		a.record(ctx, accountID, "success", fingerprint)
		metrics.AuthAttemptsTotal.WithLabelValues("success").Inc()
		if acct.LockState == credstore.LockTemporary {
			// Window elapsed; clear the stale lock marker.
			acct.LockState = credstore.LockActive
			acct.LockedUntil = time.Time{}
			if err := a.creds.Save(ctx, acct); err != nil {
				return nil, err
			}
		}
		return &Result{Account: acct, Fingerprint: fingerprint}, nil
	}

	var failErr error
	if !pinOK {
		a.record(ctx, accountID, FailPin, fingerprint)
		metrics.AuthAttemptsTotal.WithLabelValues(FailPin).Inc()
		failErr = ErrBadPin
	}
	if !deviceOK {
		a.record(ctx, accountID, FailDevice, fingerprint)
		metrics.AuthAttemptsTotal.WithLabelValues(FailDevice).Inc()
		failErr = ErrUnknownDevice
	}
	if !pinOK && !deviceOK {
		failErr = ErrBadPin
	}

	if err := a.maybeLock(ctx, acct); err != nil {
		return nil, err
	}
	return nil, failErr
}

func (a *Authenticator) checkLock(acct *credstore.Account) error {
	switch acct.LockState {
	case credstore.LockPermanent:
		return ErrPermanentlyLocked
	case credstore.LockTemporary:
		if a.now().Before(acct.LockedUntil) {
			return &LockedError{Until: acct.LockedUntil, Tier: acct.LockoutTier}
		}
	}
	return nil
}

// maybeLock re-counts both windows after a failure and applies a lockout
// if either threshold is crossed. A success inside the window resets the
// effective count because counting starts after the last success.
func (a *Authenticator) maybeLock(ctx context.Context, acct *credstore.Account) error {
	now := a.now()
	since := now.Add(-a.cfg.FailureWindow)
	if last, err := a.attempts.LastSuccess(ctx, acct.ID); err == nil && last.After(since) {
		since = last
	}

	pinFails, err := a.attempts.CountSince(ctx, acct.ID, FailPin, since)
	if err != nil {
		return err
	}
	deviceFails, err := a.attempts.CountSince(ctx, acct.ID, FailDevice, since)
	if err != nil {
		return err
	}

	if pinFails < a.cfg.MaxPinFailures && deviceFails < a.cfg.MaxDeviceFailures {
		return nil
	}

	tier := 0
	if !acct.LastLockout.IsZero() && now.Sub(acct.LastLockout) < a.cfg.EscalationWindow {
		tier = acct.LockoutTier + 1
	}

	if tier >= a.cfg.MaxLockoutTiers {
		acct.LockState = credstore.LockPermanent
		acct.LockoutTier = tier
		acct.LastLockout = now
		metrics.LockoutsTotal.WithLabelValues("permanent").Inc()
		logging.L(ctx).Warn("account permanently locked",
			"account_id", acct.ID, "pin_failures", pinFails, "device_failures", deviceFails)
		return a.creds.Save(ctx, acct)
	}

	dur := a.cfg.LockoutBase
	for i := 0; i < tier; i++ {
		dur *= time.Duration(a.cfg.LockoutGrowth)
	}
	acct.LockState = credstore.LockTemporary
	acct.LockedUntil = now.Add(dur)
	acct.LockoutTier = tier
	acct.LastLockout = now
	metrics.LockoutsTotal.WithLabelValues(strconv.Itoa(tier)).Inc()
	logging.L(ctx).Warn("account locked",
		"account_id", acct.ID, "tier", tier, "until", acct.LockedUntil,
		"pin_failures", pinFails, "device_failures", deviceFails)
	return a.creds.Save(ctx, acct)
}

// Unlock clears a lockout after manual review. It does not reset the
// tier unless the escalation window has passed naturally.
func (a *Authenticator) Unlock(ctx context.Context, accountID string) error {
	acct, err := a.creds.Lookup(ctx, accountID)
	if err != nil {
		return err
	}
	acct.LockState = credstore.LockActive
	acct.LockedUntil = time.Time{}
	return a.creds.Save(ctx, acct)
}

func (a *Authenticator) record(ctx context.Context, accountID, outcome, fingerprint string) {
	att := &Attempt{
		ID:          idgen.WithPrefix("att_"),
		AccountID:   accountID,
		Outcome:     outcome,
		Fingerprint: fingerprint,
		At:          a.now(),
	}
	if err := a.attempts.Record(ctx, att); err != nil {
		logging.L(ctx).Error("failed to record auth attempt",
			"account_id", accountID, "outcome", outcome, "error", err)
	}
}
