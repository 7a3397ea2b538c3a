package credstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed account store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the accounts table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id            VARCHAR(64) PRIMARY KEY,
			phone         VARCHAR(20) NOT NULL UNIQUE,
			pin_hash      TEXT NOT NULL,
			devices       JSONB NOT NULL DEFAULT '[]',
			lock_state    VARCHAR(24) NOT NULL DEFAULT 'active',
			locked_until  TIMESTAMPTZ,
			lockout_tier  INT NOT NULL DEFAULT 0,
			last_lockout  TIMESTAMPTZ,
			created_at    TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_accounts_phone ON accounts(phone);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, acct *Account) error {
	devices, err := json.Marshal(acct.Devices)
	if err != nil {
		return fmt.Errorf("marshal devices: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, phone, pin_hash, devices, lock_state, locked_until, lockout_tier, last_lockout, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, '0001-01-01T00:00:00Z'::timestamptz), $7, NULLIF($8, '0001-01-01T00:00:00Z'::timestamptz), $9)
	`, acct.ID, acct.Phone, acct.PinHash, devices, acct.LockState,
		acct.LockedUntil, acct.LockoutTier, acct.LastLockout, acct.CreatedAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicateAccount
	}
	return err
}

func (p *PostgresStore) GetByID(ctx context.Context, id string) (*Account, error) {
	return p.get(ctx, `SELECT id, phone, pin_hash, devices, lock_state,
		COALESCE(locked_until, '0001-01-01T00:00:00Z'::timestamptz),
		lockout_tier,
		COALESCE(last_lockout, '0001-01-01T00:00:00Z'::timestamptz),
		created_at FROM accounts WHERE id = $1`, id)
}

func (p *PostgresStore) GetByPhone(ctx context.Context, phone string) (*Account, error) {
	return p.get(ctx, `SELECT id, phone, pin_hash, devices, lock_state,
		COALESCE(locked_until, '0001-01-01T00:00:00Z'::timestamptz),
		lockout_tier,
		COALESCE(last_lockout, '0001-01-01T00:00:00Z'::timestamptz),
		created_at FROM accounts WHERE phone = $1`, phone)
}

func (p *PostgresStore) get(ctx context.Context, query, arg string) (*Account, error) {
	acct := &Account{}
	var devices []byte
	err := p.db.QueryRowContext(ctx, query, arg).Scan(
		&acct.ID, &acct.Phone, &acct.PinHash, &devices, &acct.LockState,
		&acct.LockedUntil, &acct.LockoutTier, &acct.LastLockout, &acct.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(devices, &acct.Devices); err != nil {
		return nil, fmt.Errorf("unmarshal devices: %w", err)
	}
	return acct, nil
}

func (p *PostgresStore) Update(ctx context.Context, acct *Account) error {
	devices, err := json.Marshal(acct.Devices)
	if err != nil {
		return fmt.Errorf("marshal devices: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE accounts
		SET pin_hash = $2, devices = $3, lock_state = $4,
		    locked_until = NULLIF($5, '0001-01-01T00:00:00Z'::timestamptz),
		    lockout_tier = $6,
		    last_lockout = NULLIF($7, '0001-01-01T00:00:00Z'::timestamptz)
		WHERE id = $1
	`, acct.ID, acct.PinHash, devices, acct.LockState,
		acct.LockedUntil, acct.LockoutTier, acct.LastLockout)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAccountNotFound
	}
	return nil
}
