package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// OutboxSink appends events to the event_outbox table for downstream relays.
type OutboxSink struct {
	db *sql.DB
}

// NewOutboxSink creates a sink writing to db.
func NewOutboxSink(db *sql.DB) *OutboxSink {
	return &OutboxSink{db: db}
}

func (s *OutboxSink) Name() string { return "outbox" }

func (s *OutboxSink) Deliver(ctx context.Context, e Envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_outbox (id, event_type, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, string(e.Type), aggregateID(e), payload, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}
	return nil
}

// Pending returns up to limit unpublished outbox rows, oldest first.
func (s *OutboxSink) Pending(ctx context.Context, limit int) ([]Envelope, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM event_outbox
		WHERE published_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var e Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("decode outbox payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPublished stamps the given events as relayed.
func (s *OutboxSink) MarkPublished(ctx context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE event_outbox SET published_at = $2 WHERE id = $1`, id, at); err != nil {
			return err
		}
	}
	return nil
}

func aggregateID(e Envelope) string {
	switch {
	case e.TransactionID != "":
		return e.TransactionID
	case e.DisputeID != "":
		return e.DisputeID
	case e.SanctionID != "":
		return e.SanctionID
	default:
		return e.UserID
	}
}
