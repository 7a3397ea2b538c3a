package authn

import (
	"context"
	"database/sql"
	"time"
)

// PostgresAttemptStore implements AttemptStore with PostgreSQL
type PostgresAttemptStore struct {
	db *sql.DB
}

func NewPostgresAttemptStore(db *sql.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

// Migrate creates the auth_attempts table
func (p *PostgresAttemptStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS auth_attempts (
			id           VARCHAR(64) PRIMARY KEY,
			account_id   VARCHAR(64) NOT NULL,
			outcome      VARCHAR(20) NOT NULL,
			fingerprint  VARCHAR(128),
			at           TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_attempts_account_at ON auth_attempts(account_id, at DESC);
	`)
	return err
}

func (p *PostgresAttemptStore) Record(ctx context.Context, a *Attempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO auth_attempts (id, account_id, outcome, fingerprint, at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.AccountID, a.Outcome, a.Fingerprint, a.At)
	return err
}

func (p *PostgresAttemptStore) CountSince(ctx context.Context, accountID, outcome string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM auth_attempts
		WHERE account_id = $1 AND outcome = $2 AND at > $3
	`, accountID, outcome, since).Scan(&n)
	return n, err
}

func (p *PostgresAttemptStore) LastSuccess(ctx context.Context, accountID string) (time.Time, error) {
	var last time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(at), '0001-01-01T00:00:00Z'::timestamptz) FROM auth_attempts
		WHERE account_id = $1 AND outcome = 'success'
	`, accountID).Scan(&last)
	return last, err
}
