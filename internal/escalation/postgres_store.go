package escalation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists escalation entries in PostgreSQL. Claims use
// FOR UPDATE SKIP LOCKED so concurrent agents never take the same entry.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, kind, dispute_id, transaction_id, operation, reason, queue_type, position,
	sla_hours, escalated_at, sla_deadline, sla_breached, breached_at, assigned_agent, assigned_at,
	status, completed_at`

const claimOrder = `queue_rank DESC, position ASC, escalated_at ASC`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e                              Entry
		kind, queue, status            string
		disputeID, operation, reason   sql.NullString
		agent                          sql.NullString
		breachedAt, assignedAt, doneAt sql.NullTime
	)
	if err := sc.Scan(&e.ID, &kind, &disputeID, &e.TransactionID, &operation, &reason, &queue, &e.Position,
		&e.SLAHours, &e.EscalatedAt, &e.SLADeadline, &e.SLABreached, &breachedAt, &agent, &assignedAt,
		&status, &doneAt); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.QueueType = QueueType(queue)
	e.Status = Status(status)
	e.DisputeID = disputeID.String
	e.Operation = operation.String
	e.Reason = reason.String
	e.AssignedAgent = agent.String
	if breachedAt.Valid {
		e.BreachedAt = &breachedAt.Time
	}
	if assignedAt.Valid {
		e.AssignedAt = &assignedAt.Time
	}
	if doneAt.Valid {
		e.CompletedAt = &doneAt.Time
	}
	return &e, nil
}

func (p *PostgresStore) NextPosition(ctx context.Context, queue QueueType) (int64, error) {
	var pos int64
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO escalation_positions (queue_type, last_position) VALUES ($1, 1)
		ON CONFLICT (queue_type) DO UPDATE SET last_position = escalation_positions.last_position + 1
		RETURNING last_position`, string(queue)).Scan(&pos)
	return pos, err
}

func (p *PostgresStore) Create(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escalation_entries (`+entryColumns+`, subject, queue_rank)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		e.ID, string(e.Kind), nullString(e.DisputeID), e.TransactionID, nullString(e.Operation),
		nullString(e.Reason), string(e.QueueType), e.Position, e.SLAHours, e.EscalatedAt, e.SLADeadline,
		e.SLABreached, nullTime(e.BreachedAt), nullString(e.AssignedAgent), nullTime(e.AssignedAt),
		string(e.Status), nullTime(e.CompletedAt), e.Subject(), e.QueueType.Rank())
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM escalation_entries WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) FindOpen(ctx context.Context, kind Kind, subject string) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM escalation_entries
		WHERE kind = $1 AND subject = $2 AND status <> 'done'`, string(kind), subject))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Update(ctx context.Context, e *Entry) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escalation_entries SET
			queue_type = $1, queue_rank = $2, position = $3, sla_breached = $4, breached_at = $5,
			assigned_agent = $6, assigned_at = $7, status = $8, completed_at = $9
		WHERE id = $10`,
		string(e.QueueType), e.QueueType.Rank(), e.Position, e.SLABreached, nullTime(e.BreachedAt),
		nullString(e.AssignedAgent), nullTime(e.AssignedAt), string(e.Status), nullTime(e.CompletedAt), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	if status == "" {
		return p.list(ctx, `SELECT `+entryColumns+` FROM escalation_entries
			WHERE status <> 'done' ORDER BY `+claimOrder+` LIMIT NULLIF($1, 0)`, limit)
	}
	return p.list(ctx, `SELECT `+entryColumns+` FROM escalation_entries
		WHERE status = $1 ORDER BY `+claimOrder+` LIMIT NULLIF($2, 0)`, string(status), limit)
}

func (p *PostgresStore) ClaimNext(ctx context.Context, agent string, now time.Time) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		UPDATE escalation_entries SET status = 'assigned', assigned_agent = $1, assigned_at = $2
		WHERE id = (
			SELECT id FROM escalation_entries WHERE status = 'waiting'
			ORDER BY `+claimOrder+`
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryColumns, agent, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrQueueEmpty
	}
	return e, err
}

func (p *PostgresStore) ClaimEntry(ctx context.Context, id, agent string, now time.Time) (*Entry, error) {
	e, err := scanEntry(p.db.QueryRowContext(ctx, `
		UPDATE escalation_entries SET status = 'assigned', assigned_agent = $1, assigned_at = $2
		WHERE id = $3 AND status = 'waiting'
		RETURNING `+entryColumns, agent, now, id))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyAssigned
	}
	return e, err
}

func (p *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Entry, error) {
	return p.list(ctx, `
		SELECT `+entryColumns+` FROM escalation_entries
		WHERE status <> 'done' AND NOT sla_breached AND sla_deadline <= $1
		ORDER BY `+claimOrder+` LIMIT $2`, now, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
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
