package reputation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore implements Store with a snapshot row per user and an
// applied-events table keyed by event ID.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const snapshotColumns = `user_id, seller_tier, score, completed_transactions, successful_transactions,
	disputes_against, valid_disputes, sanction_level, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (*Snapshot, error) {
	var s Snapshot
	var tier string
	if err := sc.Scan(&s.UserID, &tier, &s.Score, &s.CompletedTransactions, &s.SuccessfulTransactions,
		&s.DisputesAgainst, &s.ValidDisputes, &s.SanctionLevel, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.SellerTier = Tier(tier)
	return &s, nil
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Snapshot, error) {
	s, err := scanSnapshot(p.db.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM reputation_snapshots WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation snapshot: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Apply(ctx context.Context, userID, eventID string, fn func(Snapshot) Snapshot) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO reputation_events (id, user_id, applied_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO NOTHING`, eventID, userID)
	if err != nil {
		return false, fmt.Errorf("record reputation event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	// Make sure the row exists so FOR UPDATE has something to lock.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reputation_snapshots (user_id, seller_tier, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO NOTHING`, userID, string(TierNew)); err != nil {
		return false, fmt.Errorf("init reputation snapshot: %w", err)
	}

	cur, err := scanSnapshot(tx.QueryRowContext(ctx,
		`SELECT `+snapshotColumns+` FROM reputation_snapshots WHERE user_id = $1 FOR UPDATE`, userID))
	if err != nil {
		return false, fmt.Errorf("lock reputation snapshot: %w", err)
	}

	next := fn(*cur)
	if _, err := tx.ExecContext(ctx, `
		UPDATE reputation_snapshots SET
			seller_tier = $2, score = $3, completed_transactions = $4, successful_transactions = $5,
			disputes_against = $6, valid_disputes = $7, sanction_level = $8, updated_at = $9
		WHERE user_id = $1`,
		userID, string(next.SellerTier), next.Score, next.CompletedTransactions, next.SuccessfulTransactions,
		next.DisputesAgainst, next.ValidDisputes, next.SanctionLevel, next.UpdatedAt,
	); err != nil {
		return false, fmt.Errorf("update reputation snapshot: %w", err)
	}
	return true, tx.Commit()
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+snapshotColumns+` FROM reputation_snapshots ORDER BY score DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
