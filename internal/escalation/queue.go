package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
)

// Hook is called with an entry after it changes.
type Hook func(ctx context.Context, e *Entry)

// Queue manages escalation entries and their SLAs.
type Queue struct {
	store    Store
	policy   config.EscalationPolicy
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time
	onAssign Hook
	onRaise  Hook
}

// NewQueue creates a queue with the default SLAs.
func NewQueue(store Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  store,
		policy: config.DefaultPolicy().Escalation,
		events: events.Nop{},
		logger: logger,
		now:    time.Now,
	}
}

// WithPolicy replaces the SLA hours.
func (q *Queue) WithPolicy(p config.EscalationPolicy) *Queue {
	q.policy = p
	return q
}

// WithEvents sets the outbound event publisher.
func (q *Queue) WithEvents(p events.Publisher) *Queue {
	q.events = p
	return q
}

// WithClock overrides the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// WithAssignHook registers fn to run after every claim.
func (q *Queue) WithAssignHook(fn Hook) *Queue {
	q.onAssign = fn
	return q
}

// WithRaiseHook registers fn to run after an SLA breach moves an entry to
// a higher tier and a new position.
func (q *Queue) WithRaiseHook(fn Hook) *Queue {
	q.onRaise = fn
	return q
}

// SLAHours returns the SLA for queue.
func (q *Queue) SLAHours(queue QueueType) int {
	switch queue {
	case QueueCritical:
		return q.policy.CriticalSLAHours
	case QueuePriority:
		return q.policy.PrioritySLAHours
	default:
		return q.policy.StandardSLAHours
	}
}

// EnqueueDispute places a dispute in the queue for its priority. Enqueueing
// a dispute that already has an open entry returns that entry.
func (q *Queue) EnqueueDispute(ctx context.Context, disputeID, transactionID, priority string) (*Entry, error) {
	if disputeID == "" || transactionID == "" {
		return nil, fmt.Errorf("%w: disputeId and transactionId are required", ErrInvalidRequest)
	}
	return q.enqueue(ctx, &Entry{
		Kind:          KindDispute,
		DisputeID:     disputeID,
		TransactionID: transactionID,
	}, QueueFor(priority))
}

// EnqueueOperationFailure surfaces an escrow operation that exhausted its
// retries. It always goes to the critical queue.
func (q *Queue) EnqueueOperationFailure(ctx context.Context, transactionID, operation, reason string) error {
	if transactionID == "" {
		return fmt.Errorf("%w: transactionId is required", ErrInvalidRequest)
	}
	_, err := q.enqueue(ctx, &Entry{
		Kind:          KindEscrowOperation,
		TransactionID: transactionID,
		Operation:     operation,
		Reason:        reason,
	}, QueueCritical)
	return err
}

func (q *Queue) enqueue(ctx context.Context, e *Entry, queue QueueType) (*Entry, error) {
	if existing, err := q.store.FindOpen(ctx, e.Kind, e.Subject()); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	pos, err := q.store.NextPosition(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("next position: %w", err)
	}
	now := q.now()
	e.ID = idgen.WithPrefix(idgen.PrefixEscalation)
	e.QueueType = queue
	e.Position = pos
	e.SLAHours = q.SLAHours(queue)
	e.EscalatedAt = now
	e.SLADeadline = now.Add(time.Duration(e.SLAHours) * time.Hour)
	e.Status = StatusWaiting

	if err := q.store.Create(ctx, e); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return q.store.FindOpen(ctx, e.Kind, e.Subject())
		}
		return nil, fmt.Errorf("create entry: %w", err)
	}

	q.logger.Info("escalation enqueued",
		"entryId", e.ID, "kind", e.Kind, "transactionId", e.TransactionID,
		"disputeId", e.DisputeID, "queue", e.QueueType, "position", e.Position)
	q.events.Publish(ctx, events.Envelope{
		Type:          events.EscalationEnqueued,
		TransactionID: e.TransactionID,
		DisputeID:     e.DisputeID,
		Reason:        e.Reason,
		Data:          e.eventData(),
	})
	return e, nil
}

// Claim assigns the next waiting entry to agent.
func (q *Queue) Claim(ctx context.Context, agent string) (*Entry, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidRequest)
	}
	e, err := q.store.ClaimNext(ctx, agent, q.now())
	if err != nil {
		return nil, err
	}
	q.assigned(ctx, e)
	return e, nil
}

// ClaimEntry assigns a specific waiting entry to agent.
func (q *Queue) ClaimEntry(ctx context.Context, id, agent string) (*Entry, error) {
	if agent == "" {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidRequest)
	}
	e, err := q.store.ClaimEntry(ctx, id, agent, q.now())
	if err != nil {
		return nil, err
	}
	q.assigned(ctx, e)
	return e, nil
}

func (q *Queue) assigned(ctx context.Context, e *Entry) {
	q.logger.Info("escalation claimed", "entryId", e.ID, "agent", e.AssignedAgent, "queue", e.QueueType)
	if q.onAssign != nil {
		q.onAssign(ctx, e)
	}
}

// Complete marks an escrow operation entry done, for example once an agent
// has settled the operation off the rail. Dispute entries close when their
// dispute is resolved.
func (q *Queue) Complete(ctx context.Context, id string) (*Entry, error) {
	e, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Kind == KindDispute {
		return nil, fmt.Errorf("%w: dispute entries close on resolution", ErrInvalidRequest)
	}
	return q.complete(ctx, e)
}

// CompleteOperationFailure closes the open escrow operation entry for a
// transaction whose operation has since succeeded.
func (q *Queue) CompleteOperationFailure(ctx context.Context, transactionID string) error {
	return q.CompleteFor(ctx, KindEscrowOperation, transactionID)
}

// CompleteFor marks the open entry for subject done. Having no open entry is
// not an error.
func (q *Queue) CompleteFor(ctx context.Context, kind Kind, subject string) error {
	e, err := q.store.FindOpen(ctx, kind, subject)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = q.complete(ctx, e)
	return err
}

func (q *Queue) complete(ctx context.Context, e *Entry) (*Entry, error) {
	if e.Status == StatusDone {
		return e, nil
	}
	now := q.now()
	e.Status = StatusDone
	e.CompletedAt = &now
	if err := q.store.Update(ctx, e); err != nil {
		return nil, err
	}
	q.logger.Info("escalation completed", "entryId", e.ID, "kind", e.Kind, "transactionId", e.TransactionID)
	return e, nil
}

// Get returns a single entry.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	return q.store.Get(ctx, id)
}

// List returns entries in claim order.
func (q *Queue) List(ctx context.Context, status Status, limit int) ([]*Entry, error) {
	return q.store.List(ctx, status, limit)
}

// CheckSLA flags entries whose SLA passed and raises them one tier. The
// deadline is kept so the breach stays visible. It returns the number of
// entries flagged.
func (q *Queue) CheckSLA(ctx context.Context) (int, error) {
	now := q.now()
	overdue, err := q.store.ListOverdue(ctx, now, 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range overdue {
		from := e.QueueType
		to := from.Raise()
		if to != from {
			pos, err := q.store.NextPosition(ctx, to)
			if err != nil {
				q.logger.Warn("failed to raise escalation", "entryId", e.ID, "error", err)
				continue
			}
			e.QueueType = to
			e.Position = pos
		}
		e.SLABreached = true
		e.BreachedAt = &now
		if err := q.store.Update(ctx, e); err != nil {
			q.logger.Warn("failed to flag sla breach", "entryId", e.ID, "error", err)
			continue
		}
		n++

		metrics.SLABreachesTotal.WithLabelValues(string(from)).Inc()
		q.logger.Warn("escalation sla breached",
			"entryId", e.ID, "transactionId", e.TransactionID, "from", from, "to", to,
			"deadline", e.SLADeadline)
		data := e.eventData()
		data["previousQueue"] = string(from)
		q.events.Publish(ctx, events.Envelope{
			Type:          events.EscalationSLABreach,
			TransactionID: e.TransactionID,
			DisputeID:     e.DisputeID,
			Reason:        "sla_breach",
			Data:          data,
		})
		if to != from && q.onRaise != nil {
			q.onRaise(ctx, e)
		}
	}
	return n, nil
}

// RecordDepth updates the queue depth gauge from the waiting entries.
func (q *Queue) RecordDepth(ctx context.Context) error {
	waiting, err := q.store.List(ctx, StatusWaiting, 0)
	if err != nil {
		return err
	}
	depth := map[QueueType]int{QueueStandard: 0, QueuePriority: 0, QueueCritical: 0}
	for _, e := range waiting {
		depth[e.QueueType]++
	}
	for queue, n := range depth {
		metrics.EscalationQueueDepth.WithLabelValues(string(queue)).Set(float64(n))
	}
	return nil
}

func (e *Entry) eventData() map[string]any {
	return map[string]any{
		"entryId":     e.ID,
		"kind":        string(e.Kind),
		"queueType":   string(e.QueueType),
		"position":    e.Position,
		"slaDeadline": e.SLADeadline,
	}
}
