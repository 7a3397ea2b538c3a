package pipeline

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transactions and account_sequences tables
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS account_sequences (
			account_id  VARCHAR(64) PRIMARY KEY,
			next_seq    BIGINT NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS transactions (
			id             VARCHAR(80) PRIMARY KEY,
			account_id     VARCHAR(64) NOT NULL,
			sequence       BIGINT NOT NULL,
			recipient      VARCHAR(64) NOT NULL,
			amount         NUMERIC(20,2) NOT NULL,
			currency       VARCHAR(3) NOT NULL,
			fingerprint    VARCHAR(128),
			status         VARCHAR(10) NOT NULL,
			reason         VARCHAR(64),
			risk_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
			risk_decision  VARCHAR(10),
			created_at     TIMESTAMPTZ NOT NULL,
			resolved_at    TIMESTAMPTZ,
			UNIQUE (account_id, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_txn_account_created ON transactions(account_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_txn_status ON transactions(status);
	`)
	return err
}

// NextSequence allocates the account's next sequence number atomically.
// Gapless per account: the UPSERT serializes on the row lock.
func (p *PostgresStore) NextSequence(ctx context.Context, accountID string) (uint64, error) {
	var seq uint64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO account_sequences (account_id, next_seq)
		VALUES ($1, 2)
		ON CONFLICT (account_id)
		DO UPDATE SET next_seq = account_sequences.next_seq + 1
		RETURNING next_seq - 1
	`, accountID).Scan(&seq)
	return seq, err
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, sequence, recipient, amount, currency, fingerprint,
			status, reason, risk_score, risk_decision, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
			NULLIF($13, '0001-01-01T00:00:00Z'::timestamptz))
	`, t.ID, t.AccountID, t.Sequence, t.Recipient, t.Amount, t.Currency, t.Fingerprint,
		t.Status, t.Reason, t.RiskScore, t.RiskDecision, t.CreatedAt, t.ResolvedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	t := &Transaction{}
	var reason, decision, fingerprint sql.NullString
	var resolved sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, account_id, sequence, recipient, amount, currency, fingerprint,
			status, reason, risk_score, risk_decision, created_at, resolved_at
		FROM transactions WHERE id = $1
	`, id).Scan(&t.ID, &t.AccountID, &t.Sequence, &t.Recipient, &t.Amount, &t.Currency,
		&fingerprint, &t.Status, &reason, &t.RiskScore, &decision, &t.CreatedAt, &resolved)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Reason = reason.String
	t.RiskDecision = decision.String
	t.Fingerprint = fingerprint.String
	if resolved.Valid {
		t.ResolvedAt = resolved.Time
	}
	return t, nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, reason string) error {
	resolved := sql.NullTime{}
	if status.Terminal() {
		resolved = sql.NullTime{Time: time.Now(), Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = $2, reason = $3, resolved_at = COALESCE($4, resolved_at)
		WHERE id = $1
	`, id, status, reason, resolved)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, beforeSeq uint64, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, sequence, recipient, amount, currency, fingerprint,
			status, reason, risk_score, risk_decision, created_at, resolved_at
		FROM transactions WHERE account_id = $1
		ORDER BY sequence DESC LIMIT $2`
	args := []interface{}{accountID, limit}
	if beforeSeq > 0 {
		query = `
		SELECT id, account_id, sequence, recipient, amount, currency, fingerprint,
			status, reason, risk_score, risk_decision, created_at, resolved_at
		FROM transactions WHERE account_id = $1 AND sequence < $2
		ORDER BY sequence DESC LIMIT $3`
		args = []interface{}{accountID, beforeSeq, limit}
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var reason, decision, fingerprint sql.NullString
		var resolved sql.NullTime
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Sequence, &t.Recipient, &t.Amount, &t.Currency,
			&fingerprint, &t.Status, &reason, &t.RiskScore, &decision, &t.CreatedAt, &resolved); err != nil {
			return nil, err
		}
		t.Reason = reason.String
		t.RiskDecision = decision.String
		t.Fingerprint = fingerprint.String
		if resolved.Valid {
			t.ResolvedAt = resolved.Time
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SpentSince(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE account_id = $1 AND created_at >= $2
		  AND status IN ('synced', 'queued', 'flagged')
	`, accountID, since).Scan(&total)
	return total, err
}
