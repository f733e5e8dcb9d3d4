package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/risk"
	"github.com/mbd888/escrowd/internal/traces"
)

// ErrBufferNotElapsed means the buffer period is still running.
var ErrBufferNotElapsed = errors.New("buffer period has not elapsed")

// errAlreadyFinalized aborts a finalize that another worker already applied.
var errAlreadyFinalized = errors.New("operation already finalized")

// claim marks op as in flight. The token is stable across retries of the
// same operation so the rail applies it at most once.
func (t *Transaction) claim(op custody.Operation, now time.Time) {
	t.PendingOperation = op
	t.OperationToken = idgen.OperationToken(t.ID, fmt.Sprintf("%s/%d", op, t.OperationGeneration))
	t.OperationClaimedAt = &now
	t.OperationFailedAt = nil
}

func (t *Transaction) clearClaim() {
	t.PendingOperation = ""
	t.OperationToken = ""
	t.OperationClaimedAt = nil
	t.OperationFailedAt = nil
	t.OperationError = ""
}

// Fund holds the buyer's funds on the custody rail and enters escrow.
func (s *Service) Fund(ctx context.Context, id, actorID string) (*Transaction, error) {
	claimed, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.Party(actorID) != RoleBuyer {
			return ErrUnauthorized
		}
		if t.PendingOperation == custody.OpHold {
			return nil
		}
		if t.PendingOperation != "" {
			return ErrSettlementInProgress
		}
		if !CanTransition(t.Status, StatusEscrow) {
			return &TransitionError{From: t.Status, To: StatusEscrow}
		}
		t.claim(custody.OpHold, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, claimed, "funded")
}

// AutoRelease releases a transaction whose buffer has run out. Only the
// scheduler calls it.
func (s *Service) AutoRelease(ctx context.Context, id string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.AutoRelease", traces.TransactionID(id))
	now := s.now()
	claimed, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.OperationFailedAt != nil {
			return fmt.Errorf("%w: awaiting manual retry", ErrEscrowOperationFailed)
		}
		if t.PendingOperation == custody.OpRelease {
			return nil
		}
		if t.PendingOperation != "" {
			return ErrSettlementInProgress
		}
		if t.Status != StatusBufferPeriod {
			return &TransitionError{From: t.Status, To: StatusCompleted}
		}
		if !t.ReleaseDueAt(now) {
			return ErrBufferNotElapsed
		}
		t.claim(custody.OpRelease, now)
		return nil
	})
	if err != nil {
		traces.End(span, err)
		return nil, err
	}
	t, err := s.execute(ctx, claimed, "buffer_elapsed")
	traces.End(span, err)
	if err == nil && t.Status == StatusCompleted {
		metrics.AutoReleasesTotal.Inc()
	}
	return t, err
}

// ResolveArbitration settles a transaction in arbitration: release pays the
// seller, refund returns funds to the buyer.
func (s *Service) ResolveArbitration(ctx context.Context, id, disputeID string, resolution Resolution) (*Transaction, error) {
	op := custody.OpRelease
	target := StatusCompleted
	switch resolution {
	case ResolutionRelease:
	case ResolutionRefund:
		op, target = custody.OpRefund, StatusCancelled
	default:
		return nil, fmt.Errorf("%w: unknown resolution %q", ErrInvalidRequest, resolution)
	}

	claimed, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.OpenDisputeID != disputeID {
			return fmt.Errorf("%w: dispute %s is not open on %s", ErrInvalidRequest, disputeID, t.ID)
		}
		if t.OperationFailedAt != nil {
			return fmt.Errorf("%w: awaiting manual retry", ErrEscrowOperationFailed)
		}
		if t.PendingOperation == op {
			return nil
		}
		if t.PendingOperation != "" {
			return ErrSettlementInProgress
		}
		if t.Status != StatusArbitration {
			return &TransitionError{From: t.Status, To: target}
		}
		t.claim(op, s.now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.execute(ctx, claimed, "arbitration_"+string(resolution))
}

// RetryEscrowOperation re-runs an operation that exhausted its retries,
// reusing its token.
func (s *Service) RetryEscrowOperation(ctx context.Context, id string) (*Transaction, error) {
	claimed, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.OperationFailedAt == nil || t.PendingOperation == "" {
			return ErrNothingToRetry
		}
		now := s.now()
		t.OperationFailedAt = nil
		t.OperationClaimedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("manual escrow operation retry",
		"transactionId", claimed.ID, "operation", claimed.PendingOperation, "token", claimed.OperationToken)
	return s.execute(ctx, claimed, "manual_retry")
}

// ResumeOperation picks up a claimed operation whose worker never finished,
// for example after a crash or a pending rail answer.
func (s *Service) ResumeOperation(ctx context.Context, id string) (*Transaction, error) {
	cutoff := s.now().Add(-s.claimGrace)
	claimed, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.PendingOperation == "" || t.OperationFailedAt != nil {
			return errAlreadyFinalized
		}
		if t.OperationClaimedAt != nil && t.OperationClaimedAt.After(cutoff) {
			return ErrSettlementInProgress
		}
		now := s.now()
		t.OperationClaimedAt = &now
		return nil
	})
	if errors.Is(err, errAlreadyFinalized) {
		return s.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if conf, ok := s.settledOnRail(ctx, claimed); ok {
		s.logger.Info("escrow operation already settled on rail",
			"transactionId", claimed.ID, "operation", claimed.PendingOperation)
		return s.finalize(ctx, claimed.ID, claimed.PendingOperation, claimed.OperationToken, conf, 0, "resumed")
	}
	return s.execute(ctx, claimed, "resumed")
}

// settledOnRail asks the rail whether the claimed operation already took
// effect. Any error means unknown and the operation is re-executed.
func (s *Service) settledOnRail(ctx context.Context, claimed *Transaction) (custody.Confirmation, bool) {
	funds, err := s.custody.Status(ctx, claimed.request())
	if err != nil || !funds.Settles(claimed.PendingOperation) {
		return custody.Confirmation{}, false
	}
	return custody.Confirmation{
		TransactionID:  claimed.ID,
		Operation:      claimed.PendingOperation,
		OperationToken: claimed.OperationToken,
		Outcome:        custody.OutcomeConfirmed,
		Reference:      funds.Reference,
		ConfirmedAt:    s.now().UTC(),
	}, true
}

// request builds the rail request for the pending operation.
func (t *Transaction) request() custody.Request {
	return custody.Request{
		TransactionID: t.ID,
		Operation:     t.PendingOperation,
		Token:         t.OperationToken,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		Amount:        t.Amount,
		Currency:      t.Currency,
		Reference:     t.EscrowReference,
		PaymentMethod: t.PaymentMethod,
	}
}

// execute calls the rail for the claimed operation outside the lock and
// applies the answer. Pending answers leave the claim in place.
func (s *Service) execute(ctx context.Context, claimed *Transaction, reason string) (*Transaction, error) {
	op := claimed.PendingOperation
	token := claimed.OperationToken
	req := claimed.request()

	var conf custody.Confirmation
	res, err := retry.Do(ctx, s.retryPolicy(claimed.ID, op), func(ctx context.Context) error {
		c, err := s.custody.Execute(ctx, req)
		if err == nil {
			conf = c
			return nil
		}
		if custody.IsPending(err) || errors.Is(err, custody.ErrDeclined) {
			return retry.Permanent(err)
		}
		return err
	})

	switch {
	case err == nil:
		return s.finalize(ctx, claimed.ID, op, token, conf, res.Attempts, reason)
	case custody.IsPending(err):
		s.logger.Warn("escrow operation pending, will resume",
			"transactionId", claimed.ID, "operation", op, "error", err)
		return claimed, fmt.Errorf("%w: %s: %w", ErrOperationPending, op, err)
	default:
		return s.fail(ctx, claimed.ID, op, token, res.Attempts, err)
	}
}

func (s *Service) retryPolicy(id string, op custody.Operation) retry.Policy {
	p := retry.DefaultPolicy
	if s.policy.Settlement.MaxAttempts > 0 {
		p.MaxAttempts = s.policy.Settlement.MaxAttempts
	}
	if s.policy.Settlement.BaseDelayMs >= 0 {
		p.BaseDelay = time.Duration(s.policy.Settlement.BaseDelayMs) * time.Millisecond
	}
	p.OnRetry = func(attempt int, err error) {
		s.logger.Warn("escrow operation failed, retrying",
			"transactionId", id, "operation", op, "attempt", attempt, "error", err)
	}
	return p
}

// finalize applies a confirmed operation. A claim that no longer matches
// means another worker finished first.
func (s *Service) finalize(ctx context.Context, id string, op custody.Operation, token string, conf custody.Confirmation, attempts int, reason string) (*Transaction, error) {
	var (
		from       Status
		wasFlagged bool
	)
	t, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.PendingOperation != op || t.OperationToken != token {
			return errAlreadyFinalized
		}
		from = t.Status
		// Only a failed release or refund was handed to the queue.
		wasFlagged = op != custody.OpHold && t.OperationError != ""
		now := s.now()
		switch op {
		case custody.OpHold:
			if err := t.transition(StatusEscrow); err != nil {
				return err
			}
			t.EscrowStatus = EscrowHeld
			t.EscrowReference = conf.Reference
			t.HeldAt = &now
		case custody.OpRelease:
			if err := t.transition(StatusCompleted); err != nil {
				return err
			}
			t.EscrowStatus = EscrowReleased
			t.ReleasedAt = &now
		case custody.OpRefund:
			if err := t.transition(StatusCancelled); err != nil {
				return err
			}
			t.EscrowStatus = EscrowRefunded
			t.RefundedAt = &now
			t.CancelReason = reason
		}
		if op != custody.OpHold {
			t.BufferEndTime = nil
			t.BufferRemaining = 0
			t.OpenDisputeID = ""
		}
		t.OperationAttempts += attempts
		t.clearClaim()
		return nil
	})
	if errors.Is(err, errAlreadyFinalized) {
		return s.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("escrow operation confirmed",
		"transactionId", t.ID, "operation", op, "status", t.Status, "reference", t.EscrowReference)
	s.changed(ctx, t, from, reason)

	if wasFlagged && s.escalator != nil {
		if err := s.escalator.CompleteOperationFailure(ctx, t.ID); err != nil {
			s.logger.Error("failed to close escrow operation escalation",
				"transactionId", t.ID, "operation", op, "error", err)
		}
	}

	switch op {
	case custody.OpRelease:
		s.recordReputation(ctx, reputation.Event{ID: t.ID + ":settled:seller", Kind: reputation.EventTransactionCompleted, UserID: t.SellerID, Successful: true})
		s.recordReputation(ctx, reputation.Event{ID: t.ID + ":settled:buyer", Kind: reputation.EventTransactionCompleted, UserID: t.BuyerID, Successful: true})
	case custody.OpRefund:
		s.recordReputation(ctx, reputation.Event{ID: t.ID + ":settled:seller", Kind: reputation.EventTransactionCompleted, UserID: t.SellerID, Successful: false})
		s.recordReputation(ctx, reputation.Event{ID: t.ID + ":settled:buyer", Kind: reputation.EventTransactionCompleted, UserID: t.BuyerID, Successful: true})
	}
	return t, nil
}

// fail records an operation that ran out of retries. A failed hold frees
// the claim so funding can be tried again with a new token. A failed
// release or refund leaves funds stranded, so the transaction is flagged
// critical and handed to human review.
func (s *Service) fail(ctx context.Context, id string, op custody.Operation, token string, attempts int, cause error) (*Transaction, error) {
	t, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.PendingOperation != op || t.OperationToken != token {
			return errAlreadyFinalized
		}
		now := s.now()
		t.OperationAttempts += attempts
		if op == custody.OpHold {
			t.clearClaim()
			t.OperationGeneration++
			t.OperationError = cause.Error()
			return nil
		}
		t.OperationError = cause.Error()
		t.OperationFailedAt = &now
		t.EscalationLevel = risk.LevelCritical
		t.FraudFlags = t.FraudFlags.Add(risk.IndicatorEscrowOperationFailed)
		return nil
	})
	if errors.Is(err, errAlreadyFinalized) {
		return s.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	failure := fmt.Errorf("%w: %s after %d attempts: %w", ErrEscrowOperationFailed, op, attempts, cause)
	if op == custody.OpHold {
		s.logger.Warn("escrow hold failed", "transactionId", t.ID, "attempts", attempts, "error", cause)
		return t, failure
	}

	metrics.CriticalFailuresTotal.WithLabelValues(string(op)).Inc()
	s.logger.Error("escrow operation failed, flagged critical",
		"transactionId", t.ID, "operation", op, "attempts", attempts, "error", cause)
	s.events.Publish(ctx, events.Envelope{
		Type:          events.TransactionFlagged,
		TransactionID: t.ID,
		DisputeID:     t.OpenDisputeID,
		Reason:        string(risk.IndicatorEscrowOperationFailed),
		Data: map[string]any{
			"buyerId":   t.BuyerID,
			"sellerId":  t.SellerID,
			"operation": string(op),
			"attempts":  t.OperationAttempts,
			"error":     cause.Error(),
		},
	})
	if s.escalator != nil {
		if err := s.escalator.EnqueueOperationFailure(ctx, t.ID, string(op), cause.Error()); err != nil {
			s.logger.Error("failed to enqueue escrow operation failure",
				"transactionId", t.ID, "operation", op, "error", err)
		}
	}
	return t, failure
}

// applied reports whether op's effect is already recorded.
func (t *Transaction) applied(op custody.Operation) bool {
	switch op {
	case custody.OpHold:
		return t.EscrowStatus != EscrowNotInitiated
	case custody.OpRelease:
		return t.EscrowStatus == EscrowReleased
	case custody.OpRefund:
		return t.EscrowStatus == EscrowRefunded
	}
	return false
}

// ApplyConfirmation applies an answer the rail delivered asynchronously.
// Late duplicates for an operation already applied are ignored.
func (s *Service) ApplyConfirmation(ctx context.Context, conf custody.Confirmation) (*Transaction, error) {
	t, err := s.store.Get(ctx, conf.TransactionID)
	if err != nil {
		return nil, err
	}
	if t.PendingOperation == "" && t.applied(conf.Operation) {
		return t, nil
	}
	if t.PendingOperation != conf.Operation || t.OperationToken != conf.OperationToken {
		return nil, fmt.Errorf("%w: confirmation does not match the claimed operation", ErrInvalidRequest)
	}
	switch conf.Outcome {
	case custody.OutcomeConfirmed:
		return s.finalize(ctx, t.ID, conf.Operation, conf.OperationToken, conf, 1, "rail_confirmed")
	case custody.OutcomeFailed:
		return s.fail(ctx, t.ID, conf.Operation, conf.OperationToken, 1,
			fmt.Errorf("%w: %s", custody.ErrDeclined, conf.FailureReason))
	case custody.OutcomePending:
		return t, ErrOperationPending
	}
	return nil, fmt.Errorf("%w: unknown outcome %q", ErrInvalidRequest, conf.Outcome)
}
