package sanctions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists sanctions in PostgreSQL. A partial unique index on
// (user_id, sanction_type, triggered_by) over active automatic sanctions
// backs CreateIfAbsent. Revoked rows are matched on evidence.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sanctionColumns = `id, user_id, sanction_type, severity, automatic_sanction, triggered_by,
	transaction_id, reason, evidence, duration_hours, is_active, expires_at, revoked_at, revoked_by, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSanction(sc scanner) (*Sanction, error) {
	var (
		s         Sanction
		typ, trig string
		txID      sql.NullString
		duration  sql.NullInt64
		expiresAt sql.NullTime
		revokedAt sql.NullTime
		revokedBy sql.NullString
	)
	if err := sc.Scan(&s.ID, &s.UserID, &typ, &s.Severity, &s.AutomaticSanction, &trig,
		&txID, &s.Reason, &s.Evidence, &duration, &s.IsActive, &expiresAt, &revokedAt, &revokedBy, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Type = Type(typ)
	s.TriggeredBy = Trigger(trig)
	s.TransactionID = txID.String
	s.RevokedBy = revokedBy.String
	if duration.Valid {
		h := int(duration.Int64)
		s.DurationHours = &h
	}
	if expiresAt.Valid {
		s.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		s.RevokedAt = &revokedAt.Time
	}
	return &s, nil
}

func (p *PostgresStore) CreateIfAbsent(ctx context.Context, s *Sanction, now time.Time) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	// Expired rows still hold the partial unique index until the expiry
	// worker runs; retire them first.
	if _, err := tx.ExecContext(ctx, `
		UPDATE sanctions SET is_active = FALSE
		WHERE user_id = $1 AND sanction_type = $2 AND triggered_by = $3
		  AND is_active AND automatic_sanction AND expires_at IS NOT NULL AND expires_at <= $4`,
		s.UserID, string(s.Type), string(s.TriggeredBy), now); err != nil {
		return false, fmt.Errorf("retire expired sanctions: %w", err)
	}

	var revoked bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sanctions
			WHERE user_id = $1 AND sanction_type = $2 AND triggered_by = $3
			  AND automatic_sanction AND revoked_at IS NOT NULL AND evidence = $4)`,
		s.UserID, string(s.Type), string(s.TriggeredBy), s.Evidence).Scan(&revoked); err != nil {
		return false, fmt.Errorf("check revoked sanctions: %w", err)
	}
	if revoked {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sanctions (`+sanctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (user_id, sanction_type, triggered_by) WHERE is_active AND automatic_sanction DO NOTHING`,
		insertArgs(s)...)
	if err != nil {
		return false, fmt.Errorf("insert sanction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n == 1, nil
}

// Create inserts a sanction without the duplicate check. Manual sanctions
// use it and are not covered by the partial index.
func (p *PostgresStore) Create(ctx context.Context, s *Sanction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sanctions (`+sanctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		insertArgs(s)...)
	return err
}

func insertArgs(s *Sanction) []any {
	var duration sql.NullInt64
	if s.DurationHours != nil {
		duration = sql.NullInt64{Int64: int64(*s.DurationHours), Valid: true}
	}
	return []any{
		s.ID, s.UserID, string(s.Type), s.Severity, s.AutomaticSanction, string(s.TriggeredBy),
		nullString(s.TransactionID), s.Reason, s.Evidence, duration, s.IsActive, nullTime(s.ExpiresAt),
		nullTime(s.RevokedAt), nullString(s.RevokedBy), s.CreatedAt,
	}
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Sanction, error) {
	s, err := scanSanction(p.db.QueryRowContext(ctx,
		`SELECT `+sanctionColumns+` FROM sanctions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) Update(ctx context.Context, s *Sanction) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sanctions SET is_active = $1, expires_at = $2, revoked_at = $3, revoked_by = $4
		WHERE id = $5`,
		s.IsActive, nullTime(s.ExpiresAt), nullTime(s.RevokedAt), nullString(s.RevokedBy), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Sanction, error) {
	return p.list(ctx, `SELECT `+sanctionColumns+` FROM sanctions WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (p *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Sanction, error) {
	return p.list(ctx, `
		SELECT `+sanctionColumns+` FROM sanctions
		WHERE is_active AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Sanction, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Sanction
	for rows.Next() {
		s, err := scanSanction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
