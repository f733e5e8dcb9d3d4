package escrow

import (
	"context"
	"fmt"
)

// OpenDispute freezes the buffer and moves the transaction to disputed.
// At most one dispute may be open, and none while a settlement is claimed.
func (s *Service) OpenDispute(ctx context.Context, id, disputeID, raisedBy string) (*Transaction, error) {
	var from Status
	t, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.Party(raisedBy) == "" {
			return ErrUnauthorized
		}
		if t.OpenDisputeID != "" {
			return ErrAlreadyDisputed
		}
		if t.PendingOperation != "" {
			return ErrSettlementInProgress
		}
		if !CanTransition(t.Status, StatusDisputed) {
			return &TransitionError{From: t.Status, To: StatusDisputed}
		}
		now := s.now()
		if !t.DisputeOpenAt(now) {
			return ErrDisputeWindowClosed
		}
		from = t.Status
		if t.Status == StatusBufferPeriod {
			t.BufferRemaining = t.BufferEndTime.Sub(now)
			t.BufferEndTime = nil
		}
		t.DisputedFrom = t.Status
		t.DisputedAt = &now
		t.OpenDisputeID = disputeID
		return t.transition(StatusDisputed)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("buffer frozen for dispute",
		"transactionId", t.ID, "disputeId", disputeID, "remaining", t.BufferRemaining)
	s.changed(ctx, t, from, "dispute_opened")
	return t, nil
}

// BeginArbitration hands the open dispute to human review.
func (s *Service) BeginArbitration(ctx context.Context, id, disputeID string) (*Transaction, error) {
	var from Status
	t, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.OpenDisputeID != disputeID {
			return fmt.Errorf("%w: dispute %s is not open on %s", ErrInvalidRequest, disputeID, t.ID)
		}
		from = t.Status
		return t.transition(StatusArbitration)
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, t, from, "dispute_escalated")
	return t, nil
}

// ResumeAfterDispute returns a withdrawn dispute's transaction to the state
// it was disputed from. A frozen buffer resumes with its remaining time and
// the dispute deadline moves by the time spent disputed.
func (s *Service) ResumeAfterDispute(ctx context.Context, id, disputeID string) (*Transaction, error) {
	var from Status
	t, err := s.mutate(ctx, id, func(t *Transaction) error {
		if t.OpenDisputeID != disputeID {
			return fmt.Errorf("%w: dispute %s is not open on %s", ErrInvalidRequest, disputeID, t.ID)
		}
		if t.Status != StatusDisputed {
			return &TransitionError{From: t.Status, To: t.DisputedFrom}
		}
		from = t.Status
		to := t.DisputedFrom
		if to == StatusBufferPeriod {
			now := s.now()
			end := now.Add(t.BufferRemaining)
			if t.DisputeDeadline != nil && t.DisputedAt != nil {
				deadline := t.DisputeDeadline.Add(now.Sub(*t.DisputedAt))
				if deadline.After(end) {
					deadline = end
				}
				t.DisputeDeadline = &deadline
			}
			t.BufferEndTime = &end
			t.BufferRemaining = 0
		}
		t.OpenDisputeID = ""
		t.DisputedFrom = ""
		t.DisputedAt = nil
		return t.transition(to)
	})
	if err != nil {
		return nil, err
	}
	s.changed(ctx, t, from, "dispute_withdrawn")
	return t, nil
}
