package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/escrowd/internal/risk"
	"github.com/mbd888/escrowd/internal/verification"
)

// stage returns the verification stage the status is waiting on.
func (t *Transaction) stage() (verification.Stage, bool) {
	switch t.Status {
	case StatusKYCRequired, StatusKYBRequired:
		return verification.StageIdentity, true
	case StatusAMLCheck:
		return verification.StageCompliance, true
	}
	return "", false
}

func (t *Transaction) outcomes() map[verification.CheckType]verification.Outcome {
	out := map[verification.CheckType]verification.Outcome{
		verification.CheckKYC: t.KYCStatus,
		verification.CheckAML: t.AMLStatus,
	}
	if t.Business() {
		out[verification.CheckKYB] = t.KYBStatus
	}
	return out
}

func (t *Transaction) setOutcome(check verification.CheckType, o verification.Outcome) {
	switch check {
	case verification.CheckKYC:
		t.KYCStatus = o
	case verification.CheckKYB:
		if t.Business() {
			t.KYBStatus = o
		}
	case verification.CheckAML:
		t.AMLStatus = o
	}
	switch o {
	case verification.OutcomeFlagged:
		t.FraudFlags = t.FraudFlags.Add(risk.IndicatorVerificationFlagged)
	case verification.OutcomeBlocked:
		t.FraudFlags = t.FraudFlags.Add(risk.IndicatorVerificationBlocked)
	}
}

func (t *Transaction) verificationSummary() risk.VerificationSummary {
	var v risk.VerificationSummary
	for _, o := range t.outcomes() {
		switch o {
		case verification.OutcomeFlagged:
			v.Flagged++
		case verification.OutcomeBlocked:
			v.Blocked = true
		case verification.OutcomeClear:
		default:
			v.Pending++
		}
	}
	return v
}

// RunVerification asks the provider for every check the transaction still
// needs from its current stage onward and applies the answers. Stages still
// advance in order. Provider timeouts count as pending.
func (s *Service) RunVerification(ctx context.Context, id string) (*Transaction, verification.Evaluation, error) {
	if s.verifier == nil {
		return nil, verification.Evaluation{}, fmt.Errorf("%w: no verification provider configured", ErrVerificationPending)
	}
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, verification.Evaluation{}, err
	}
	stage, ok := t.stage()
	if !ok {
		return nil, verification.Evaluation{}, &TransitionError{From: t.Status, To: StatusVerificationApproved}
	}

	subject := verification.Subject{
		TransactionID: t.ID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		Business:      t.Business(),
	}
	outcomes := t.outcomes()

	checks := verification.Required(stage, t.Business())
	if stage == verification.StageIdentity {
		checks = append(checks, verification.Required(verification.StageCompliance, t.Business())...)
	}

	var results []verification.Result
	for _, check := range checks {
		if outcomes[check] == verification.OutcomeClear {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.verifyTimeout)
		r, err := s.verifier.Check(cctx, check, subject)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				s.logger.Warn("verification check timed out, treating as pending",
					"transactionId", t.ID, "check", check)
				continue
			}
			return nil, verification.Evaluation{}, fmt.Errorf("verification %s: %w", check, err)
		}
		r.TransactionID = t.ID
		r.CheckType = check
		results = append(results, r)
	}
	return s.applyResults(ctx, t, results)
}

// ApplyVerification applies a result delivered asynchronously by a provider.
func (s *Service) ApplyVerification(ctx context.Context, r verification.Result) (*Transaction, verification.Evaluation, error) {
	if err := r.Validate(); err != nil {
		return nil, verification.Evaluation{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	t, err := s.store.Get(ctx, r.TransactionID)
	if err != nil {
		return nil, verification.Evaluation{}, err
	}
	return s.applyResults(ctx, t, []verification.Result{r})
}

// applyResults records outcomes, rescores and advances through every stage
// that has cleared. Any blocked check cancels, even one from a later stage.
// A pass that makes no progress reports ErrVerificationPending.
func (s *Service) applyResults(ctx context.Context, current *Transaction, results []verification.Result) (*Transaction, verification.Evaluation, error) {
	buyer, seller := s.snapshots(ctx, current)

	var (
		from       Status
		ev         verification.Evaluation
		assessment *risk.Assessment
	)
	t, err := s.mutate(ctx, current.ID, func(t *Transaction) error {
		if _, ok := t.stage(); !ok {
			return &TransitionError{From: t.Status, To: StatusVerificationApproved}
		}
		from = t.Status
		for _, r := range results {
			t.setOutcome(r.CheckType, r.Outcome)
		}

		assessment = s.scorer.Score(risk.Input{
			TransactionID: t.ID,
			Amount:        t.Amount,
			Buyer:         buyer,
			Seller:        seller,
			Verification:  t.verificationSummary(),
		})
		t.applyAssessment(assessment)

		// A blocking result cancels whatever stage it arrives in.
		all := append(verification.Required(verification.StageIdentity, t.Business()),
			verification.Required(verification.StageCompliance, t.Business())...)
		if ev = verification.Evaluate(all, t.outcomes()); ev.Decision == verification.DecisionBlocked {
			t.CancelReason = "verification_blocked:" + string(ev.BlockedBy)
			return t.transition(StatusCancelled)
		}

		for {
			stage, ok := t.stage()
			if !ok {
				return nil
			}
			ev = verification.Evaluate(verification.Required(stage, t.Business()), t.outcomes())
			switch ev.Decision {
			case verification.DecisionBlocked:
				t.CancelReason = "verification_blocked:" + string(ev.BlockedBy)
				return t.transition(StatusCancelled)
			case verification.DecisionPending:
				return nil
			}
			next := StatusAMLCheck
			if stage == verification.StageCompliance {
				next = StatusVerificationApproved
			}
			if err := t.transition(next); err != nil {
				return err
			}
		}
	})
	if err != nil {
		return nil, ev, err
	}
	s.recordAssessment(ctx, assessment)

	switch ev.Decision {
	case verification.DecisionBlocked:
		s.logger.Warn("verification blocked, transaction cancelled",
			"transactionId", t.ID, "check", ev.BlockedBy)
		s.changed(ctx, t, from, t.CancelReason)
		return t, ev, fmt.Errorf("%w: %s", ErrVerificationBlocked, ev.BlockedBy)
	case verification.DecisionPending:
		if t.Status == from {
			return t, ev, ErrVerificationPending
		}
	}
	s.changed(ctx, t, from, "verification_cleared")
	return t, ev, nil
}
