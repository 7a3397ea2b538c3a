package offline

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the offline_queue table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS offline_queue (
			transaction_id  VARCHAR(80) PRIMARY KEY,
			account_id      VARCHAR(64) NOT NULL,
			sequence        BIGINT NOT NULL,
			recipient       VARCHAR(64) NOT NULL,
			amount          NUMERIC(20,2) NOT NULL,
			currency        VARCHAR(3) NOT NULL,
			authorized_at   TIMESTAMPTZ NOT NULL,
			queued_at       TIMESTAMPTZ NOT NULL,
			attempts        INT NOT NULL DEFAULT 0,
			UNIQUE (account_id, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_queue_account_seq ON offline_queue(account_id, sequence);
	`)
	return err
}

func (p *PostgresStore) Enqueue(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offline_queue (transaction_id, account_id, sequence, recipient, amount, currency, authorized_at, queued_at, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (transaction_id) DO NOTHING
	`, e.TransactionID, e.AccountID, e.Sequence, e.Recipient, e.Amount, e.Currency, e.AuthorizedAt, e.QueuedAt, e.Attempts)
	return err
}

func (p *PostgresStore) Pending(ctx context.Context) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT transaction_id, account_id, sequence, recipient, amount, currency, authorized_at, queued_at, attempts
		FROM offline_queue
		ORDER BY account_id, sequence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.TransactionID, &e.AccountID, &e.Sequence, &e.Recipient,
			&e.Amount, &e.Currency, &e.AuthorizedAt, &e.QueuedAt, &e.Attempts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Dequeue(ctx context.Context, txnID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE transaction_id = $1`, txnID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresStore) MarkAttempt(ctx context.Context, txnID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE offline_queue SET attempts = attempts + 1 WHERE transaction_id = $1`, txnID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresStore) Depth(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
