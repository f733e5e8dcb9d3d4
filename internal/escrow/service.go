package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/pagination"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/risk"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/verification"
)

// ErrSanctioned wraps the gate's reason when a party may not transact.
var ErrSanctioned = errors.New("party is sanctioned")

// Executor performs custody operations. *custody.Adapter implements it.
type Executor interface {
	Execute(ctx context.Context, req custody.Request) (custody.Confirmation, error)
	Status(ctx context.Context, req custody.Request) (custody.Funds, error)
}

// SanctionGate decides whether a user may take part in a new transaction.
type SanctionGate interface {
	CheckEligibility(ctx context.Context, userID string, asSeller bool) error
}

// Escalator surfaces escrow operations that exhausted their retries and
// closes them once the operation succeeds.
type Escalator interface {
	EnqueueOperationFailure(ctx context.Context, transactionID, operation, reason string) error
	CompleteOperationFailure(ctx context.Context, transactionID string) error
}

// ReputationService reads snapshots and records reputation events.
type ReputationService interface {
	Get(ctx context.Context, userID string) (reputation.Snapshot, error)
	Record(ctx context.Context, e reputation.Event) error
}

// Service implements the transaction lifecycle.
type Service struct {
	store       Store
	custody     Executor
	verifier    verification.Provider
	scorer      *risk.Scorer
	assessments risk.Store
	reputation  ReputationService
	sanctions   SanctionGate
	escalator   Escalator
	events      events.Publisher
	policy      config.Policy
	currency    string

	verifyTimeout time.Duration
	claimGrace    time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a transaction service with the default policy.
func NewService(store Store, custody Executor, logger *slog.Logger) *Service {
	policy := config.DefaultPolicy()
	return &Service{
		store:         store,
		custody:       custody,
		scorer:        risk.NewScorer(decimal.RequireFromString(policy.Risk.LargeAmount), decimal.RequireFromString(policy.Risk.VeryLargeAmount)),
		events:        events.Nop{},
		policy:        policy,
		currency:      "usd",
		verifyTimeout: 10 * time.Second,
		claimGrace:    2 * time.Minute,
		logger:        logger,
		now:           time.Now,
	}
}

// WithPolicy replaces the timing and settlement policy. The risk amount
// thresholds must already have been validated.
func (s *Service) WithPolicy(p config.Policy) *Service {
	s.policy = p
	if large, err := decimal.NewFromString(p.Risk.LargeAmount); err == nil {
		if veryLarge, err := decimal.NewFromString(p.Risk.VeryLargeAmount); err == nil {
			s.scorer = risk.NewScorer(large, veryLarge).WithClock(s.now)
		}
	}
	return s
}

// WithVerifier sets the identity and compliance provider.
func (s *Service) WithVerifier(p verification.Provider) *Service {
	s.verifier = p
	return s
}

// WithAssessments records every risk assessment.
func (s *Service) WithAssessments(store risk.Store) *Service {
	s.assessments = store
	return s
}

// WithReputation sets the reputation aggregate.
func (s *Service) WithReputation(r ReputationService) *Service {
	s.reputation = r
	return s
}

// WithSanctions gates transaction creation on active sanctions.
func (s *Service) WithSanctions(g SanctionGate) *Service {
	s.sanctions = g
	return s
}

// WithEscalator routes failed escrow operations to human review.
func (s *Service) WithEscalator(e Escalator) *Service {
	s.escalator = e
	return s
}

// WithEvents sets the outbound event publisher.
func (s *Service) WithEvents(p events.Publisher) *Service {
	s.events = p
	return s
}

// WithCurrency sets the default currency for new transactions.
func (s *Service) WithCurrency(c string) *Service {
	s.currency = strings.ToLower(c)
	return s
}

// WithVerificationTimeout bounds each provider call.
func (s *Service) WithVerificationTimeout(d time.Duration) *Service {
	s.verifyTimeout = d
	return s
}

// WithClaimGrace sets how long a claimed operation may stay unfinished
// before the sweep resumes it.
func (s *Service) WithClaimGrace(d time.Duration) *Service {
	s.claimGrace = d
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	s.scorer.WithClock(now)
	return s
}

// Policy returns the active policy.
func (s *Service) Policy() config.Policy { return s.policy }

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns one page of the transactions where userID is buyer or
// seller, newest first, and the cursor of the next page ("" on the last).
func (s *Service) ListByUser(ctx context.Context, userID, cursor string, limit int) ([]*Transaction, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	limit = min(limit, pagination.MaxLimit)
	txs, err := s.store.ListByUser(ctx, userID, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// Create opens a transaction and moves it straight to the identity checks
// the seller kind requires.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if req.BuyerID == "" || req.SellerID == "" {
		return nil, fmt.Errorf("%w: buyerId and sellerId are required", ErrInvalidRequest)
	}
	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidRequest)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	kind := req.SellerKind
	if kind == "" {
		kind = SellerIndividual
	}
	if kind != SellerIndividual && kind != SellerBusiness {
		return nil, fmt.Errorf("%w: unknown seller kind %q", ErrInvalidRequest, kind)
	}
	currency := strings.ToLower(req.Currency)
	if currency == "" {
		currency = s.currency
	}

	if s.sanctions != nil {
		if err := s.sanctions.CheckEligibility(ctx, req.BuyerID, false); err != nil {
			return nil, fmt.Errorf("%w: buyer: %w", ErrSanctioned, err)
		}
		if err := s.sanctions.CheckEligibility(ctx, req.SellerID, true); err != nil {
			return nil, fmt.Errorf("%w: seller: %w", ErrSanctioned, err)
		}
	}

	now := s.now()
	t := &Transaction{
		ID:            idgen.WithPrefix(idgen.PrefixTransaction),
		BuyerID:       req.BuyerID,
		SellerID:      req.SellerID,
		SellerKind:    kind,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: req.PaymentMethod,
		Description:   req.Description,
		Status:        StatusPending,
		KYCStatus:     verification.OutcomePending,
		AMLStatus:     verification.OutcomePending,
		EscrowStatus:  EscrowNotInitiated,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if t.Business() {
		t.KYBStatus = verification.OutcomePending
	}

	buyer, seller := s.snapshots(ctx, t)
	assessment := s.scorer.Score(risk.Input{TransactionID: t.ID, Amount: amount, Buyer: buyer, Seller: seller})
	t.applyAssessment(assessment)

	target := StatusKYCRequired
	if t.Business() {
		target = StatusKYBRequired
	}
	if err := t.transition(target); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	s.recordAssessment(ctx, assessment)

	s.logger.Info("transaction created",
		"transactionId", t.ID, "buyer", t.BuyerID, "seller", t.SellerID,
		"amount", t.Amount.String(), "riskScore", t.RiskScore)

	s.events.Publish(ctx, events.Envelope{
		Type:          events.TransactionCreated,
		TransactionID: t.ID,
		Data:          t.eventData(),
	})
	s.changed(ctx, t, StatusPending, "created")
	return t, nil
}

// Start records the seller beginning work.
func (s *Service) Start(ctx context.Context, id, actorID string) (*Transaction, error) {
	return s.advance(ctx, id, actorID, RoleSeller, StatusActive, "seller_started")
}

// MarkDelivered records the seller's delivery signal.
func (s *Service) MarkDelivered(ctx context.Context, id, actorID string) (*Transaction, error) {
	return s.advance(ctx, id, actorID, RoleSeller, StatusServiceDelivery, "seller_delivered")
}

func (s *Service) advance(ctx context.Context, id, actorID string, role Role, to Status, reason string) (*Transaction, error) {
	var from Status
	t, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.Party(actorID) != role {
			return ErrUnauthorized
		}
		from = t.Status
		return t.transition(to)
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, t, from, reason)
	return t, nil
}

// ConfirmDelivery moves the transaction into its buffer period. The buffer
// is sized from the seller's reputation at this moment.
func (s *Service) ConfirmDelivery(ctx context.Context, c DeliveryConfirmation) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.TransactionID(c.TransactionID))
	current, err := s.store.Get(ctx, c.TransactionID)
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	seller := s.snapshot(ctx, current.SellerID)

	var from Status
	t, err := s.mutate(ctx, c.TransactionID, func(t *Transaction) error {
		if t.Party(c.ConfirmedBy) != RoleBuyer {
			return ErrUnauthorized
		}
		from = t.Status
		if err := t.transition(StatusBufferPeriod); err != nil {
			return err
		}
		PlanBuffer(s.policy.Buffer, seller, s.now()).apply(t)
		return nil
	})
	traces.End(span, err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("buffer period started",
		"transactionId", t.ID, "bufferHours", t.BufferPeriodHours,
		"bufferEnd", t.BufferEndTime, "disputeDeadline", t.DisputeDeadline)
	s.changed(ctx, t, from, "delivery_confirmed")
	return t, nil
}

// Cancel ends a transaction before funds are held.
func (s *Service) Cancel(ctx context.Context, id, actorID, reason string) (*Transaction, error) {
	if reason == "" {
		reason = "cancelled_by_party"
	}
	var from Status
	t, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.Party(actorID) == "" {
			return ErrUnauthorized
		}
		if !t.Status.preEscrow() {
			return &TransitionError{From: t.Status, To: StatusCancelled}
		}
		if t.PendingOperation != "" {
			return ErrSettlementInProgress
		}
		from = t.Status
		t.CancelReason = reason
		return t.transition(StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, t, from, reason)
	return t, nil
}

// MarkAutoSanctioned records that a sanction was applied because of this
// transaction.
func (s *Service) MarkAutoSanctioned(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) error {
		t.AutoSanctioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, events.Envelope{
		Type:          events.TransactionAutoSanctioned,
		TransactionID: t.ID,
		UserID:        t.SellerID,
		Data:          t.eventData(),
	})
	return t, nil
}

// mutate wraps Store.Mutate and counts rejected transitions.
func (s *Service) mutate(ctx context.Context, id string, fn MutateFunc) (*Transaction, error) {
	t, err := s.store.Mutate(ctx, id, fn)
	var te *TransitionError
	if errors.As(err, &te) {
		metrics.InvalidTransitionsTotal.WithLabelValues(string(te.To)).Inc()
	}
	return t, err
}

// changed records and publishes a committed status change.
func (s *Service) changed(ctx context.Context, t *Transaction, from Status, reason string) {
	if from == t.Status {
		return
	}
	metrics.TransitionsTotal.WithLabelValues(string(from), string(t.Status)).Inc()
	s.events.Publish(ctx, events.Envelope{
		Type:          events.TransactionStatusChanged,
		TransactionID: t.ID,
		DisputeID:     t.OpenDisputeID,
		FromStatus:    string(from),
		ToStatus:      string(t.Status),
		Reason:        reason,
		Data:          t.eventData(),
	})
}

func (t *Transaction) eventData() map[string]any {
	return map[string]any{
		"buyerId":      t.BuyerID,
		"sellerId":     t.SellerID,
		"amount":       t.Amount.String(),
		"currency":     t.Currency,
		"escrowStatus": string(t.EscrowStatus),
	}
}

func (s *Service) snapshot(ctx context.Context, userID string) reputation.Snapshot {
	if s.reputation == nil {
		return reputation.New(userID)
	}
	snap, err := s.reputation.Get(ctx, userID)
	if err != nil {
		s.logger.Warn("reputation unavailable, using empty snapshot", "userId", userID, "error", err)
		return reputation.New(userID)
	}
	return snap
}

func (s *Service) snapshots(ctx context.Context, t *Transaction) (buyer, seller reputation.Snapshot) {
	return s.snapshot(ctx, t.BuyerID), s.snapshot(ctx, t.SellerID)
}

func (s *Service) recordAssessment(ctx context.Context, a *risk.Assessment) {
	if s.assessments == nil || a == nil {
		return
	}
	if err := s.assessments.Record(ctx, a); err != nil {
		s.logger.Warn("failed to record risk assessment", "transactionId", a.TransactionID, "error", err)
	}
}

// applyAssessment folds a fresh score into t. Indicators accumulate and the
// escalation level never drops.
func (t *Transaction) applyAssessment(a *risk.Assessment) {
	t.RiskScore = a.Score
	t.FraudFlags = t.FraudFlags.Merge(a.Indicators)
	t.EscalationLevel = max(t.EscalationLevel, a.EscalationLevel)
}

func (s *Service) recordReputation(ctx context.Context, e reputation.Event) {
	if s.reputation == nil {
		return
	}
	e.At = s.now()
	if err := s.reputation.Record(ctx, e); err != nil {
		s.logger.Error("failed to record reputation event",
			"eventId", e.ID, "kind", e.Kind, "userId", e.UserID, "error", err)
	}
}
