// Package credstore owns account credentials: salted PIN hashes, the
// registered device fingerprint set, and lockout state.
//
// PINs are never stored or compared in plaintext. Hashing is Argon2id
// with cost parameters from configuration so constrained hardware can
// trade hardness for latency without code changes.
package credstore

import (
	"context"
	"errors"
	"time"

	"github.com/okapipay/okapi/internal/config"
	"github.com/okapipay/okapi/internal/idgen"
	"github.com/okapipay/okapi/internal/validation"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrDuplicateAccount  = errors.New("account already exists")
	ErrInvalidPin        = errors.New("invalid PIN format")
	ErrInvalidPhone      = errors.New("invalid phone number")
	ErrInvalidDevice     = errors.New("invalid device fingerprint")
	ErrDeviceCapReached  = errors.New("device cap reached; all slots re-authorized")
	ErrDuplicateDevice   = errors.New("device already registered")
)

// LockState is the account's lockout state.
type LockState string

const (
	LockActive    LockState = "active"
	LockTemporary LockState = "locked"
	LockPermanent LockState = "permanently_locked"
)

// Device is a registered device fingerprint.
type Device struct {
	Fingerprint string    `json:"fingerprint"`
	Trusted     bool      `json:"trusted"` // explicitly re-authorized; immune to cap eviction
	AddedAt     time.Time `json:"addedAt"`
}

// Account holds one account's credentials and lockout state. Owned
// exclusively by this package; other packages reference it by ID.
type Account struct {
	ID          string    `json:"id"`
	Phone       string    `json:"phone"`
	PinHash     string    `json:"-"`
	Devices     []Device  `json:"devices"`
	LockState   LockState `json:"lockState"`
	LockedUntil time.Time `json:"lockedUntil,omitempty"`
	LockoutTier int       `json:"lockoutTier"`
	LastLockout time.Time `json:"lastLockout,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// HasDevice reports whether the fingerprint is registered.
func (a *Account) HasDevice(fingerprint string) bool {
	for _, d := range a.Devices {
		if d.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// Store persists accounts.
type Store interface {
	Create(ctx context.Context, acct *Account) error
	GetByID(ctx context.Context, id string) (*Account, error)
	GetByPhone(ctx context.Context, phone string) (*Account, error)
	Update(ctx context.Context, acct *Account) error
}

// CredStore is the credential service over a Store.
type CredStore struct {
	cfg   *config.Config
	store Store
}

// New creates a credential store backed by the given persistence layer.
func New(cfg *config.Config, store Store) *CredStore {
	return &CredStore{cfg: cfg, store: store}
}

// Register creates an account with a hashed PIN and one registered device.
func (s *CredStore) Register(ctx context.Context, phone, pin, fingerprint string) (*Account, error) {
	phone = validation.NormalizePhoneNumber(phone)
	if !validation.ValidPhoneNumber(phone, "") {
		return nil, ErrInvalidPhone
	}
	if !validation.ValidPin(pin, s.cfg.PinComplexity) {
		return nil, ErrInvalidPin
	}
	if !validation.ValidFingerprint(fingerprint) {
		return nil, ErrInvalidDevice
	}

	if existing, err := s.store.GetByPhone(ctx, phone); err == nil && existing != nil {
		return nil, ErrDuplicateAccount
	}

	hash, err := HashPin(pin, s.cfg.ArgonTime, s.cfg.ArgonMemoryKB, s.cfg.ArgonThreads)
	if err != nil {
		return nil, err
	}

	acct := &Account{
		ID:        idgen.WithPrefix("acct_"),
		Phone:     phone,
		PinHash:   hash,
		Devices:   []Device{{Fingerprint: fingerprint, AddedAt: time.Now()}},
		LockState: LockActive,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// VerifyPIN checks a PIN against the stored hash. It does not count
// failures; that is the authenticator's job.
func (s *CredStore) VerifyPIN(ctx context.Context, accountID, pin string) (bool, error) {
	acct, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return false, err
	}
	return VerifyPin(pin, acct.PinHash)
}

// AddDevice registers a fingerprint for an account. At the cap, the
// oldest non-trusted device is evicted; trusted (explicitly
// re-authorized) devices are never evicted, and if every slot is
// trusted the add fails.
func (s *CredStore) AddDevice(ctx context.Context, accountID, fingerprint string, trusted bool) error {
	if !validation.ValidFingerprint(fingerprint) {
		return ErrInvalidDevice
	}
	acct, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.HasDevice(fingerprint) {
		return ErrDuplicateDevice
	}

	if len(acct.Devices) >= s.cfg.DeviceCap {
		evict := -1
		for i, d := range acct.Devices {
			if d.Trusted {
				continue
			}
			if evict == -1 || d.AddedAt.Before(acct.Devices[evict].AddedAt) {
				evict = i
			}
		}
		if evict == -1 {
			return ErrDeviceCapReached
		}
		acct.Devices = append(acct.Devices[:evict], acct.Devices[evict+1:]...)
	}

	acct.Devices = append(acct.Devices, Device{
		Fingerprint: fingerprint,
		Trusted:     trusted,
		AddedAt:     time.Now(),
	})
	return s.store.Update(ctx, acct)
}

// TrustDevice marks a registered fingerprint as explicitly re-authorized.
func (s *CredStore) TrustDevice(ctx context.Context, accountID, fingerprint string) error {
	acct, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	for i := range acct.Devices {
		if acct.Devices[i].Fingerprint == fingerprint {
			acct.Devices[i].Trusted = true
			return s.store.Update(ctx, acct)
		}
	}
	return ErrInvalidDevice
}

// Lookup returns an account by ID.
func (s *CredStore) Lookup(ctx context.Context, accountID string) (*Account, error) {
	return s.store.GetByID(ctx, accountID)
}

// LookupByPhone returns an account by its normalized phone number.
func (s *CredStore) LookupByPhone(ctx context.Context, phone string) (*Account, error) {
	return s.store.GetByPhone(ctx, validation.NormalizePhoneNumber(phone))
}

// IsLocked returns the account's current lockout state. A temporary lock
// whose window has elapsed reads as active.
func (s *CredStore) IsLocked(ctx context.Context, accountID string) (LockState, time.Time, error) {
	acct, err := s.store.GetByID(ctx, accountID)
	if err != nil {
		return "", time.Time{}, err
	}
	switch acct.LockState {
	case LockPermanent:
		return LockPermanent, time.Time{}, nil
	case LockTemporary:
		if time.Now().Before(acct.LockedUntil) {
			return LockTemporary, acct.LockedUntil, nil
		}
		return LockActive, time.Time{}, nil
	default:
		return LockActive, time.Time{}, nil
	}
}

// Save persists mutated lockout state. Used by the authenticator, which
// owns the lockout transition rules.
func (s *CredStore) Save(ctx context.Context, acct *Account) error {
	return s.store.Update(ctx, acct)
}
