package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/pagination"
)

// PostgresStore persists transactions in PostgreSQL. Queried fields live in
// their own columns; the full aggregate is kept in the document column.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// WithClock overrides the time source used for UpdatedAt.
func (p *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	p.now = now
	return p
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	if err := t.Validate(); err != nil {
		return err
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, buyer_id, seller_id, status, escrow_status, amount, currency,
			buffer_end_time, dispute_deadline, open_dispute_id,
			pending_operation, operation_token, operation_claimed_at, operation_failed_at,
			risk_score, escalation_level, created_at, updated_at, version, document
		) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7,
			$8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20
		)`,
		t.ID, t.BuyerID, t.SellerID, string(t.Status), string(t.EscrowStatus), t.Amount.String(), t.Currency,
		nullTime(t.BufferEndTime), nullTime(t.DisputeDeadline), nullString(t.OpenDisputeID),
		nullString(string(t.PendingOperation)), nullString(t.OperationToken), nullTime(t.OperationClaimedAt), nullTime(t.OperationFailedAt),
		t.RiskScore, t.EscalationLevel, t.CreatedAt, t.UpdatedAt, t.Version, doc,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.get(ctx, p.db.QueryRowContext(ctx, `SELECT document FROM transactions WHERE id = $1`, id))
}

func (p *PostgresStore) get(_ context.Context, row *sql.Row) (*Transaction, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return decode(doc)
}

// Mutate holds a row lock for the read-validate-write.
func (p *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := p.get(ctx, tx.QueryRowContext(ctx, `SELECT document FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	next, err := applyMutation(current, fn, p.now())
	if err != nil {
		return nil, err
	}
	if err := p.update(ctx, tx, next, current.Version); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (p *PostgresStore) update(ctx context.Context, db execer, t *Transaction, prevVersion int) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	result, err := db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, escrow_status = $2,
			buffer_end_time = $3, dispute_deadline = $4, open_dispute_id = $5,
			pending_operation = $6, operation_token = $7, operation_claimed_at = $8, operation_failed_at = $9,
			risk_score = $10, escalation_level = $11, updated_at = $12, version = $13, document = $14
		WHERE id = $15 AND version = $16`,
		string(t.Status), string(t.EscrowStatus),
		nullTime(t.BufferEndTime), nullTime(t.DisputeDeadline), nullString(t.OpenDisputeID),
		nullString(string(t.PendingOperation)), nullString(t.OperationToken), nullTime(t.OperationClaimedAt), nullTime(t.OperationFailedAt),
		t.RiskScore, t.EscalationLevel, t.UpdatedAt, t.Version, doc,
		t.ID, prevVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return p.list(ctx, `
		SELECT document FROM transactions
		WHERE status = 'buffer_period' AND buffer_end_time <= $1
		  AND open_dispute_id IS NULL AND operation_failed_at IS NULL
		ORDER BY buffer_end_time ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) ListStalledOperations(ctx context.Context, claimedBefore time.Time, limit int) ([]*Transaction, error) {
	return p.list(ctx, `
		SELECT document FROM transactions
		WHERE pending_operation IS NOT NULL AND operation_failed_at IS NULL
		  AND operation_claimed_at < $1
		ORDER BY operation_claimed_at ASC
		LIMIT $2`, claimedBefore, limit)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	if after == nil {
		return p.list(ctx, `
			SELECT document FROM transactions
			WHERE buyer_id = $1 OR seller_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	return p.list(ctx, `
		SELECT document FROM transactions
		WHERE (buyer_id = $1 OR seller_id = $1) AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, userID, after.CreatedAt, after.ID, limit)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	return p.list(ctx, `
		SELECT document FROM transactions
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Transaction
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		t, err := decode(doc)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func decode(doc []byte) (*Transaction, error) {
	var t Transaction
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return &t, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
