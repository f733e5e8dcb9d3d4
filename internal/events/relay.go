package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Outbox is the durable side of the relay.
type Outbox interface {
	Pending(ctx context.Context, limit int) ([]Envelope, error)
	MarkPublished(ctx context.Context, ids []string, at time.Time) error
}

// Forwarder hands an event to a downstream consumer.
type Forwarder interface {
	Forward(ctx context.Context, e Envelope) error
}

// Relay periodically drains unpublished outbox rows into a Forwarder.
// Delivery is at-least-once: a row is marked only after it was forwarded.
type Relay struct {
	outbox    Outbox
	forwarder Forwarder
	interval  time.Duration
	batch     int
	logger    *slog.Logger
	now       func() time.Time
	stop      chan struct{}
}

// NewRelay creates a relay polling every 5s in batches of 100.
func NewRelay(outbox Outbox, forwarder Forwarder, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		outbox:    outbox,
		forwarder: forwarder,
		interval:  5 * time.Second,
		batch:     100,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// WithInterval sets the poll period.
func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

// Start begins the relay loop. Call in a goroutine.
func (r *Relay) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if _, err := r.Drain(ctx); err != nil {
				r.logger.Warn("outbox relay failed", "error", err)
			}
		}
	}
}

// Stop signals the relay to stop.
func (r *Relay) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

// Drain forwards one batch and returns how many rows were published. It
// stops at the first forwarding error so ordering is kept.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	pending, err := r.outbox.Pending(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("load pending events: %w", err)
	}

	ids := make([]string, 0, len(pending))
	var fwdErr error
	for _, e := range pending {
		if err := r.forwarder.Forward(ctx, e); err != nil {
			fwdErr = fmt.Errorf("forward %s: %w", e.ID, err)
			break
		}
		ids = append(ids, e.ID)
	}

	if len(ids) > 0 {
		if err := r.outbox.MarkPublished(ctx, ids, r.now()); err != nil {
			return 0, fmt.Errorf("mark published: %w", err)
		}
	}
	return len(ids), fwdErr
}

// RedisStream forwards events onto a Redis stream, one entry per event.
type RedisStream struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStream creates a forwarder appending to stream, trimmed to
// roughly maxLen entries (0 keeps everything).
func NewRedisStream(client redis.UniversalClient, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Forward(ctx context.Context, e Envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":      e.ID,
			"type":    string(e.Type),
			"payload": payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Err()
}
