package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/risk"
)

// PostgresStore persists disputes in PostgreSQL. Evidence and fraud
// indicators are stored as JSONB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const disputeColumns = `id, transaction_id, dispute_type, reason, status, raised_by, respondent_id,
	evidence, ai_confidence_score, fraud_indicators, priority_level, auto_flagged, escalated_to_human,
	escalated_at, queue_position, assigned_agent, sla_deadline, negotiation_deadline,
	resolution, resolved_by, resolution_notes, created_at, updated_at, resolved_at, closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDispute(sc scanner) (*Dispute, error) {
	var (
		d                                     Dispute
		typ, status, priority                 string
		evidence, indicators                  []byte
		queuePos                              sql.NullInt64
		agent, resolution, resolvedBy, notes  sql.NullString
		escalatedAt, slaDeadline, negotiation sql.NullTime
		resolvedAt, closedAt                  sql.NullTime
	)
	if err := sc.Scan(&d.ID, &d.TransactionID, &typ, &d.Reason, &status, &d.RaisedBy, &d.RespondentID,
		&evidence, &d.AIConfidenceScore, &indicators, &priority, &d.AutoFlagged, &d.EscalatedToHuman,
		&escalatedAt, &queuePos, &agent, &slaDeadline, &negotiation,
		&resolution, &resolvedBy, &notes, &d.CreatedAt, &d.UpdatedAt, &resolvedAt, &closedAt); err != nil {
		return nil, err
	}
	d.Type = Type(typ)
	d.Status = Status(status)
	d.PriorityLevel = Priority(priority)
	if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
		return nil, fmt.Errorf("decode evidence: %w", err)
	}
	var ind []risk.Indicator
	if err := json.Unmarshal(indicators, &ind); err != nil {
		return nil, fmt.Errorf("decode indicators: %w", err)
	}
	d.FraudIndicators = risk.Indicators(ind)
	d.QueuePosition = queuePos.Int64
	d.AssignedAgent = agent.String
	d.Resolution = escrow.Resolution(resolution.String)
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNotes = notes.String
	d.EscalatedAt = timePtr(escalatedAt)
	d.SLADeadline = timePtr(slaDeadline)
	d.NegotiationDeadline = timePtr(negotiation)
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClosedAt = timePtr(closedAt)
	return &d, nil
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	args, err := disputeArgs(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        $19, $20, $21, $22, $23, $24, $25)`, args...)
	return err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	args, err := disputeArgs(d)
	if err != nil {
		return err
	}
	// Parties, type, reason and createdAt never change after creation.
	mutable := append([]any{d.ID}, args[4])
	mutable = append(mutable, args[7:21]...)
	mutable = append(mutable, args[22:]...)
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $2, evidence = $3, ai_confidence_score = $4, fraud_indicators = $5,
			priority_level = $6, auto_flagged = $7, escalated_to_human = $8, escalated_at = $9,
			queue_position = $10, assigned_agent = $11, sla_deadline = $12, negotiation_deadline = $13,
			resolution = $14, resolved_by = $15, resolution_notes = $16, updated_at = $17,
			resolved_at = $18, closed_at = $19
		WHERE id = $1`, mutable...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func disputeArgs(d *Dispute) ([]any, error) {
	evidence, err := json.Marshal(d.Evidence)
	if err != nil {
		return nil, err
	}
	if d.Evidence == nil {
		evidence = []byte("[]")
	}
	indicators, err := json.Marshal(d.FraudIndicators)
	if err != nil {
		return nil, err
	}
	var queuePos sql.NullInt64
	if d.QueuePosition > 0 {
		queuePos = sql.NullInt64{Int64: d.QueuePosition, Valid: true}
	}
	return []any{
		d.ID, d.TransactionID, string(d.Type), d.Reason, string(d.Status), d.RaisedBy, d.RespondentID,
		evidence, d.AIConfidenceScore, indicators, string(d.PriorityLevel), d.AutoFlagged, d.EscalatedToHuman,
		nullTime(d.EscalatedAt), queuePos, nullString(d.AssignedAgent), nullTime(d.SLADeadline),
		nullTime(d.NegotiationDeadline), nullString(string(d.Resolution)), nullString(d.ResolvedBy),
		nullString(d.ResolutionNotes), d.CreatedAt, d.UpdatedAt, nullTime(d.ResolvedAt), nullTime(d.ClosedAt),
	}, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return p.list(ctx, `SELECT `+disputeColumns+` FROM disputes
		WHERE transaction_id = $1 ORDER BY created_at ASC`, transactionID)
}

func (p *PostgresStore) ListNegotiationExpired(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	return p.list(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = 'open' AND NOT escalated_to_human
		  AND negotiation_deadline IS NOT NULL AND negotiation_deadline <= $1
		ORDER BY negotiation_deadline ASC
		LIMIT $2`, now, limit)
}

func (p *PostgresStore) CountAgainst(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM disputes WHERE respondent_id = $1 AND created_at >= $2`,
		userID, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
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

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
