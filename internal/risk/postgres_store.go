package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id              VARCHAR(64) PRIMARY KEY,
			transaction_id  VARCHAR(80) NOT NULL,
			account_id      VARCHAR(64) NOT NULL,
			score           DOUBLE PRECISION NOT NULL,
			factors         JSONB NOT NULL,
			decision        VARCHAR(10) NOT NULL,
			cold_start      BOOLEAN NOT NULL DEFAULT FALSE,
			evaluated_at    TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_risk_txn ON risk_assessments(transaction_id);
		CREATE INDEX IF NOT EXISTS idx_risk_account ON risk_assessments(account_id, evaluated_at DESC);
	`)
	return err
}

func (p *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, transaction_id, account_id, score, factors, decision, cold_start, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.TransactionID, a.AccountID, a.Score, factors, a.Decision, a.ColdStart, a.EvaluatedAt)
	return err
}

func (p *PostgresStore) GetByTransaction(ctx context.Context, txnID string) (*Assessment, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, account_id, score, factors, decision, cold_start, evaluated_at
		FROM risk_assessments WHERE transaction_id = $1
		ORDER BY evaluated_at DESC LIMIT 1
	`, txnID)
	return scanAssessment(row)
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, account_id, score, factors, decision, cold_start, evaluated_at
		FROM risk_assessments WHERE account_id = $1
		ORDER BY evaluated_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row rowScanner) (*Assessment, error) {
	a := &Assessment{}
	var factors []byte
	err := row.Scan(&a.ID, &a.TransactionID, &a.AccountID, &a.Score, &factors, &a.Decision, &a.ColdStart, &a.EvaluatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAssessmentNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(factors, &a.Factors); err != nil {
		return nil, fmt.Errorf("unmarshal factors: %w", err)
	}
	return a, nil
}
