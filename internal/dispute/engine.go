package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/escalation"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/sanctions"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

// Transactions is the part of the escrow service disputes drive.
type Transactions interface {
	Get(ctx context.Context, id string) (*escrow.Transaction, error)
	OpenDispute(ctx context.Context, id, disputeID, raisedBy string) (*escrow.Transaction, error)
	BeginArbitration(ctx context.Context, id, disputeID string) (*escrow.Transaction, error)
	ResumeAfterDispute(ctx context.Context, id, disputeID string) (*escrow.Transaction, error)
	ResolveArbitration(ctx context.Context, id, disputeID string, resolution escrow.Resolution) (*escrow.Transaction, error)
	MarkAutoSanctioned(ctx context.Context, id string) (*escrow.Transaction, error)
}

// Queue places disputes in front of human reviewers.
type Queue interface {
	EnqueueDispute(ctx context.Context, disputeID, transactionID, priority string) (*escalation.Entry, error)
	CompleteFor(ctx context.Context, kind escalation.Kind, subject string) error
}

// Sanctioner re-evaluates a user after dispute activity.
type Sanctioner interface {
	Evaluate(ctx context.Context, userID string) ([]*sanctions.Sanction, error)
	EvaluateFraud(ctx context.Context, userID, transactionID string, riskScore float64, autoFlagged bool) (*sanctions.Sanction, error)
}

// ReputationRecorder records dispute outcomes.
type ReputationRecorder interface {
	Record(ctx context.Context, e reputation.Event) error
}

// Engine runs the dispute lifecycle.
type Engine struct {
	store        Store
	transactions Transactions
	queue        Queue
	sanctions    Sanctioner
	reputation   ReputationRecorder
	classifier   *Classifier
	policy       config.DisputePolicy
	events       events.Publisher
	locks        *syncutil.KeyedMutex
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine creates a dispute engine with the default policy.
func NewEngine(store Store, transactions Transactions, queue Queue, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	p := config.DefaultPolicy().Dispute
	return &Engine{
		store:        store,
		transactions: transactions,
		queue:        queue,
		classifier:   NewClassifier(p),
		policy:       p,
		events:       events.Nop{},
		locks:        syncutil.NewKeyedMutex(),
		logger:       logger,
		now:          time.Now,
	}
}

// WithPolicy replaces the negotiation window and classifier thresholds.
func (e *Engine) WithPolicy(p config.DisputePolicy) *Engine {
	e.policy = p
	e.classifier = NewClassifier(p)
	return e
}

// WithSanctions enables sanction evaluation after dispute activity.
func (e *Engine) WithSanctions(s Sanctioner) *Engine {
	e.sanctions = s
	return e
}

// WithReputation enables reputation events for disputes.
func (e *Engine) WithReputation(r ReputationRecorder) *Engine {
	e.reputation = r
	return e
}

// WithEvents sets the outbound event publisher.
func (e *Engine) WithEvents(p events.Publisher) *Engine {
	e.events = p
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Create raises a dispute. The transaction is frozen first; a dispute the
// transaction refuses is never recorded.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create",
		traces.TransactionID(req.TransactionID),
		traces.Operation(string(req.Type)),
	)
	d, err := e.create(ctx, req)
	traces.End(span, err)
	return d, err
}

func (e *Engine) create(ctx context.Context, req CreateRequest) (*Dispute, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown dispute type %q", ErrInvalidRequest, req.Type)
	}
	if req.TransactionID == "" || req.RaisedBy == "" || req.Reason == "" {
		return nil, fmt.Errorf("%w: transactionId, raisedBy and reason are required", ErrInvalidRequest)
	}
	for _, ev := range req.Evidence {
		if ev.Kind == "" {
			return nil, fmt.Errorf("%w: evidence kind is required", ErrInvalidRequest)
		}
	}

	id := idgen.WithPrefix(idgen.PrefixDispute)
	tx, err := e.transactions.OpenDispute(ctx, req.TransactionID, id, req.RaisedBy)
	if err != nil {
		return nil, openError(err)
	}

	respondent := tx.SellerID
	if tx.Party(req.RaisedBy) == escrow.RoleSeller {
		respondent = tx.BuyerID
	}
	class := e.classifier.Classify(req.Type, req.Reason, req.Evidence, tx.RiskScore)
	now := e.now()
	d := &Dispute{
		ID:                id,
		TransactionID:     tx.ID,
		Type:              req.Type,
		Reason:            req.Reason,
		Status:            StatusOpen,
		RaisedBy:          req.RaisedBy,
		RespondentID:      respondent,
		Evidence:          req.Evidence,
		AIConfidenceScore: class.Confidence,
		FraudIndicators:   tx.FraudFlags.Merge(class.Indicators),
		PriorityLevel:     class.Priority,
		AutoFlagged:       class.AutoFlagged,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if !d.AutoFlagged {
		deadline := now.Add(time.Duration(e.policy.NegotiationHours) * time.Hour)
		d.NegotiationDeadline = &deadline
	}

	if err := e.store.Create(ctx, d); err != nil {
		if _, undoErr := e.transactions.ResumeAfterDispute(ctx, tx.ID, id); undoErr != nil {
			e.logger.Error("failed to unfreeze transaction after dispute store error",
				"transactionId", tx.ID, "disputeId", id, "error", undoErr)
		}
		return nil, fmt.Errorf("store dispute: %w", err)
	}

	metrics.DisputesOpenedTotal.WithLabelValues(string(d.Type), string(d.PriorityLevel)).Inc()
	e.logger.Info("dispute created",
		"disputeId", d.ID, "transactionId", d.TransactionID, "type", d.Type,
		"priority", d.PriorityLevel, "confidence", d.AIConfidenceScore, "autoFlagged", d.AutoFlagged)
	e.events.Publish(ctx, events.Envelope{
		Type:          events.DisputeCreated,
		TransactionID: d.TransactionID,
		DisputeID:     d.ID,
		UserID:        d.RaisedBy,
		Reason:        string(d.Type),
		Data: map[string]any{
			"respondentId":  d.RespondentID,
			"priorityLevel": string(d.PriorityLevel),
			"confidence":    d.AIConfidenceScore,
			"autoFlagged":   d.AutoFlagged,
		},
	})
	e.record(ctx, reputation.Event{ID: d.ID + ":opened", Kind: reputation.EventDisputeOpened, UserID: d.RespondentID})

	if d.AutoFlagged {
		escalated, err := e.escalate(ctx, d.ID, "auto_flagged")
		if err != nil {
			// Leave it to the dispute timer.
			e.logger.Error("auto escalation failed", "disputeId", d.ID, "error", err)
			d.NegotiationDeadline = &now
			if err := e.store.Update(ctx, d); err != nil {
				e.logger.Error("failed to schedule escalation retry", "disputeId", d.ID, "error", err)
			}
		} else {
			d = escalated
		}
	}

	e.evaluateSanctions(ctx, d, tx)
	return d, nil
}

// openError maps the transaction's refusal onto dispute errors.
func openError(err error) error {
	var te *escrow.TransitionError
	switch {
	case errors.Is(err, escrow.ErrAlreadyDisputed):
		return fmt.Errorf("%w: %w", ErrDuplicateOpenDispute, err)
	case errors.Is(err, escrow.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, escrow.ErrDisputeWindowClosed),
		errors.Is(err, escrow.ErrSettlementInProgress),
		errors.As(err, &te):
		return fmt.Errorf("%w: %w", ErrTransactionNotDisputable, err)
	}
	return err
}

func (e *Engine) evaluateSanctions(ctx context.Context, d *Dispute, tx *escrow.Transaction) {
	if e.sanctions == nil {
		return
	}
	if _, err := e.sanctions.Evaluate(ctx, d.RespondentID); err != nil {
		e.logger.Error("sanction evaluation failed", "userId", d.RespondentID, "error", err)
	}
	s, err := e.sanctions.EvaluateFraud(ctx, d.RespondentID, tx.ID, tx.RiskScore, d.AutoFlagged)
	if err != nil {
		e.logger.Error("fraud sanction evaluation failed", "userId", d.RespondentID, "error", err)
		return
	}
	if s == nil {
		return
	}
	if _, err := e.transactions.MarkAutoSanctioned(ctx, tx.ID); err != nil {
		e.logger.Error("failed to mark transaction auto-sanctioned", "transactionId", tx.ID, "error", err)
	}
}

// Escalate hands an open dispute to human review at a party's request.
func (e *Engine) Escalate(ctx context.Context, id, actorID string) (*Dispute, error) {
	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != d.RaisedBy && actorID != d.RespondentID {
		return nil, ErrUnauthorized
	}
	return e.escalate(ctx, id, "requested_by:"+actorID)
}

// escalate moves the transaction to arbitration and queues the dispute.
// Escalating an escalated dispute returns it unchanged.
func (e *Engine) escalate(ctx context.Context, id, reason string) (*Dispute, error) {
	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.EscalatedToHuman {
		return d, nil
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: dispute is %s", ErrInvalidState, d.Status)
	}

	if _, err := e.transactions.BeginArbitration(ctx, d.TransactionID, d.ID); err != nil {
		tx, getErr := e.transactions.Get(ctx, d.TransactionID)
		if getErr != nil || tx.Status != escrow.StatusArbitration || tx.OpenDisputeID != d.ID {
			return nil, fmt.Errorf("begin arbitration: %w", err)
		}
	}
	entry, err := e.queue.EnqueueDispute(ctx, d.ID, d.TransactionID, string(d.PriorityLevel))
	if err != nil {
		return nil, fmt.Errorf("enqueue dispute: %w", err)
	}

	now := e.now()
	d.Status = StatusInvestigating
	d.EscalatedToHuman = true
	d.EscalatedAt = &now
	d.QueuePosition = entry.Position
	deadline := entry.SLADeadline
	d.SLADeadline = &deadline
	d.NegotiationDeadline = nil
	d.UpdatedAt = now
	if err := e.store.Update(ctx, d); err != nil {
		return nil, err
	}

	e.logger.Info("dispute escalated",
		"disputeId", d.ID, "transactionId", d.TransactionID, "reason", reason,
		"queue", entry.QueueType, "position", entry.Position)
	e.events.Publish(ctx, events.Envelope{
		Type:          events.DisputeEscalated,
		TransactionID: d.TransactionID,
		DisputeID:     d.ID,
		Reason:        reason,
		Data: map[string]any{
			"queueType":   string(entry.QueueType),
			"position":    entry.Position,
			"slaDeadline": entry.SLADeadline,
		},
	})
	return d, nil
}

// Withdraw closes a dispute the raiser no longer pursues. Only unescalated
// disputes can be withdrawn; the transaction resumes where it was frozen.
func (e *Engine) Withdraw(ctx context.Context, id, actorID string) (*Dispute, error) {
	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorID != d.RaisedBy {
		return nil, ErrUnauthorized
	}
	if d.Status != StatusOpen || d.EscalatedToHuman {
		return nil, fmt.Errorf("%w: only open, unescalated disputes can be withdrawn", ErrInvalidState)
	}
	if _, err := e.transactions.ResumeAfterDispute(ctx, d.TransactionID, d.ID); err != nil {
		return nil, fmt.Errorf("resume transaction: %w", err)
	}

	now := e.now()
	d.Status = StatusClosed
	d.ClosedAt = &now
	d.NegotiationDeadline = nil
	d.UpdatedAt = now
	if err := e.store.Update(ctx, d); err != nil {
		return nil, err
	}

	e.logger.Info("dispute withdrawn", "disputeId", d.ID, "transactionId", d.TransactionID)
	e.events.Publish(ctx, events.Envelope{
		Type:          events.DisputeWithdrawn,
		TransactionID: d.TransactionID,
		DisputeID:     d.ID,
		UserID:        actorID,
	})
	return d, nil
}

// Resolve applies an arbiter's decision. The dispute is resolved as soon as
// the settlement is claimed; a settlement that is still pending or failed is
// tracked on the transaction.
func (e *Engine) Resolve(ctx context.Context, id, arbiter string, req ResolveRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DisputeID(id),
		traces.Operation(string(req.Resolution)),
	)
	d, err := e.resolve(ctx, id, arbiter, req)
	traces.End(span, err)
	return d, err
}

func (e *Engine) resolve(ctx context.Context, id, arbiter string, req ResolveRequest) (*Dispute, error) {
	if arbiter == "" {
		return nil, fmt.Errorf("%w: arbiter is required", ErrInvalidRequest)
	}
	switch req.Resolution {
	case escrow.ResolutionRelease, escrow.ResolutionRefund:
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidRequest, req.Resolution)
	}

	unlock, err := e.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved && d.Resolution == req.Resolution {
		return d, nil
	}
	if d.Status != StatusInvestigating {
		return nil, fmt.Errorf("%w: dispute is %s", ErrInvalidState, d.Status)
	}

	tx, err := e.transactions.ResolveArbitration(ctx, d.TransactionID, d.ID, req.Resolution)
	if err != nil && !errors.Is(err, escrow.ErrOperationPending) && !errors.Is(err, escrow.ErrEscrowOperationFailed) {
		return nil, fmt.Errorf("settle transaction: %w", err)
	}
	if err != nil {
		e.logger.Warn("dispute resolved with settlement outstanding",
			"disputeId", d.ID, "transactionId", d.TransactionID, "error", err)
	}

	now := e.now()
	d.Status = StatusResolved
	d.Resolution = req.Resolution
	d.ResolvedBy = arbiter
	d.ResolutionNotes = req.Notes
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := e.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if err := e.queue.CompleteFor(ctx, escalation.KindDispute, d.ID); err != nil {
		e.logger.Error("failed to complete escalation entry", "disputeId", d.ID, "error", err)
	}
	metrics.DisputesResolvedTotal.WithLabelValues(string(d.Resolution)).Inc()
	e.logger.Info("dispute resolved",
		"disputeId", d.ID, "transactionId", d.TransactionID, "resolution", d.Resolution, "arbiter", arbiter)
	e.events.Publish(ctx, events.Envelope{
		Type:          events.DisputeResolved,
		TransactionID: d.TransactionID,
		DisputeID:     d.ID,
		UserID:        arbiter,
		Reason:        string(d.Resolution),
	})

	raiserRole := escrow.RoleBuyer
	if tx != nil {
		raiserRole = tx.Party(d.RaisedBy)
	} else if current, err := e.transactions.Get(ctx, d.TransactionID); err == nil {
		raiserRole = current.Party(d.RaisedBy)
	}
	e.record(ctx, reputation.Event{
		ID:     d.ID + ":resolved",
		Kind:   reputation.EventDisputeResolved,
		UserID: d.RespondentID,
		Valid:  d.Valid(raiserRole),
	})
	if e.sanctions != nil {
		if _, err := e.sanctions.Evaluate(ctx, d.RespondentID); err != nil {
			e.logger.Error("sanction evaluation failed", "userId", d.RespondentID, "error", err)
		}
	}
	return d, nil
}

// Assigned records the agent that claimed a dispute's escalation entry.
// It is registered as the escalation queue's assign hook.
func (e *Engine) Assigned(ctx context.Context, entry *escalation.Entry) {
	if entry.Kind != escalation.KindDispute {
		return
	}
	unlock, err := e.locks.LockContext(ctx, entry.DisputeID)
	if err != nil {
		return
	}
	defer unlock()

	d, err := e.store.Get(ctx, entry.DisputeID)
	if err != nil {
		e.logger.Error("assigned dispute not found", "disputeId", entry.DisputeID, "error", err)
		return
	}
	d.AssignedAgent = entry.AssignedAgent
	d.UpdatedAt = e.now()
	if err := e.store.Update(ctx, d); err != nil {
		e.logger.Error("failed to record assignment", "disputeId", d.ID, "error", err)
		return
	}
	e.events.Publish(ctx, events.Envelope{
		Type:          events.DisputeAssigned,
		TransactionID: d.TransactionID,
		DisputeID:     d.ID,
		UserID:        d.AssignedAgent,
	})
}

// Raised moves a dispute's queue position along with its escalation entry
// after an SLA breach. It is registered as the queue's raise hook.
func (e *Engine) Raised(ctx context.Context, entry *escalation.Entry) {
	if entry.Kind != escalation.KindDispute {
		return
	}
	unlock, err := e.locks.LockContext(ctx, entry.DisputeID)
	if err != nil {
		return
	}
	defer unlock()

	d, err := e.store.Get(ctx, entry.DisputeID)
	if err != nil {
		e.logger.Error("raised dispute not found", "disputeId", entry.DisputeID, "error", err)
		return
	}
	d.QueuePosition = entry.Position
	d.UpdatedAt = e.now()
	if err := e.store.Update(ctx, d); err != nil {
		e.logger.Error("failed to record queue position", "disputeId", d.ID, "error", err)
		return
	}
	e.logger.Info("dispute moved queue", "disputeId", d.ID, "queue", entry.QueueType, "position", entry.Position)
}

// CheckNegotiations escalates disputes whose negotiation window has run
// out. It returns how many were escalated.
func (e *Engine) CheckNegotiations(ctx context.Context) int {
	expired, err := e.store.ListNegotiationExpired(ctx, e.now(), 100)
	if err != nil {
		e.logger.Warn("failed to list expired negotiations", "error", err)
		return 0
	}
	n := 0
	for _, d := range expired {
		if _, err := e.escalate(ctx, d.ID, "negotiation_expired"); err != nil {
			e.logger.Warn("failed to escalate expired negotiation", "disputeId", d.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

// Get returns a single dispute.
func (e *Engine) Get(ctx context.Context, id string) (*Dispute, error) {
	return e.store.Get(ctx, id)
}

// ListByTransaction returns every dispute raised on a transaction, oldest first.
func (e *Engine) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	return e.store.ListByTransaction(ctx, transactionID)
}

func (e *Engine) record(ctx context.Context, ev reputation.Event) {
	if e.reputation == nil {
		return
	}
	if err := e.reputation.Record(ctx, ev); err != nil {
		e.logger.Error("failed to record reputation event", "eventId", ev.ID, "error", err)
	}
}
