// Package events defines the outbound event envelope and fans published
// events out to registered sinks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Type names an outbound event.
type Type string

const (
	TransactionCreated        Type = "transaction.created"
	TransactionStatusChanged  Type = "transaction.status_changed"
	TransactionFlagged        Type = "transaction.flagged_critical"
	TransactionAutoSanctioned Type = "transaction.auto_sanctioned"

	DisputeCreated   Type = "dispute.created"
	DisputeEscalated Type = "dispute.escalated"
	DisputeAssigned  Type = "dispute.assigned"
	DisputeWithdrawn Type = "dispute.withdrawn"
	DisputeResolved  Type = "dispute.resolved"

	EscalationEnqueued  Type = "escalation.enqueued"
	EscalationSLABreach Type = "escalation.sla_breach"

	SanctionApplied Type = "sanction.applied"
	SanctionRevoked Type = "sanction.revoked"
	SanctionExpired Type = "sanction.expired"
)

// Envelope is the common shape of every outbound event.
type Envelope struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	TransactionID string         `json:"transactionId,omitempty"`
	DisputeID     string         `json:"disputeId,omitempty"`
	SanctionID    string         `json:"sanctionId,omitempty"`
	UserID        string         `json:"userId,omitempty"`
	FromStatus    string         `json:"fromStatus,omitempty"`
	ToStatus      string         `json:"toStatus,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Publisher accepts events. Publishing never fails the caller: state has
// already been committed by the time an event is published.
type Publisher interface {
	Publish(ctx context.Context, e Envelope)
}

// Sink receives every published event.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Envelope) error
}

// Bus fans events out to sinks synchronously, in registration order.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewBus creates a bus with the given sinks.
func NewBus(logger *slog.Logger, sinks ...Sink) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{sinks: sinks, logger: logger, now: time.Now}
}

// AddSink registers another sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish stamps the envelope and hands it to each sink. Sink errors are
// logged and counted.
func (b *Bus) Publish(ctx context.Context, e Envelope) {
	if e.ID == "" {
		e.ID = "evt_" + uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Deliver(ctx, e); err != nil {
			metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "error").Inc()
			b.logger.Warn("event sink failed",
				"sink", s.Name(), "type", e.Type, "eventId", e.ID, "error", err)
			continue
		}
		metrics.EventsPublishedTotal.WithLabelValues(string(e.Type), "ok").Inc()
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) {}

// LogSink writes each event as a structured log line.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, e Envelope) error {
	attrs := []any{"eventId", e.ID, "type", e.Type}
	if e.TransactionID != "" {
		attrs = append(attrs, "transactionId", e.TransactionID)
	}
	if e.DisputeID != "" {
		attrs = append(attrs, "disputeId", e.DisputeID)
	}
	if e.SanctionID != "" {
		attrs = append(attrs, "sanctionId", e.SanctionID)
	}
	if e.FromStatus != "" || e.ToStatus != "" {
		attrs = append(attrs, "from", e.FromStatus, "to", e.ToStatus)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	s.Logger.InfoContext(ctx, "event", attrs...)
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Deliver(_ context.Context, e Envelope) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Publish lets a Recorder stand in for a Bus.
func (r *Recorder) Publish(ctx context.Context, e Envelope) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_ = r.Deliver(ctx, e)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t Type) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
