package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists assessments in the risk_assessments table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}
	indicators, err := json.Marshal(a.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (transaction_id, score, escalation_level, indicators, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.TransactionID, a.Score, a.EscalationLevel, indicators, factors, a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, score, escalation_level, indicators, factors, evaluated_at
		FROM risk_assessments
		WHERE transaction_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2`, transactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Assessment
	for rows.Next() {
		var a Assessment
		var indicators, factors []byte
		if err := rows.Scan(&a.TransactionID, &a.Score, &a.EscalationLevel, &indicators, &factors, &a.EvaluatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(indicators, &a.Indicators); err != nil {
			return nil, fmt.Errorf("decode indicators: %w", err)
		}
		if err := json.Unmarshal(factors, &a.Factors); err != nil {
			return nil, fmt.Errorf("decode factors: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
