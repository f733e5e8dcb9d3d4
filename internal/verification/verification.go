// Package verification aggregates identity and compliance check results
// into a single gate decision.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrUnknownCheck = errors.New("verification: unknown check type")

// CheckType names a verification check.
type CheckType string

const (
	CheckKYC CheckType = "kyc"
	CheckKYB CheckType = "kyb"
	CheckAML CheckType = "aml"
)

// Outcome is the result of a single check.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeClear   Outcome = "clear"
	OutcomeFlagged Outcome = "flagged"
	OutcomeBlocked Outcome = "blocked"
)

// Decision is the gate's aggregate verdict.
type Decision string

const (
	DecisionCleared Decision = "cleared"
	DecisionPending Decision = "pending"
	DecisionBlocked Decision = "blocked"
)

// Stage groups the checks that must clear together.
type Stage string

const (
	StageIdentity   Stage = "identity"
	StageCompliance Stage = "compliance"
)

// Result is an inbound check result from an identity or compliance provider.
type Result struct {
	TransactionID string    `json:"transactionId"`
	CheckType     CheckType `json:"checkType"`
	Outcome       Outcome   `json:"outcome"`
	Details       string    `json:"details,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

// Validate checks that the result names a known check and outcome.
func (r Result) Validate() error {
	switch r.CheckType {
	case CheckKYC, CheckKYB, CheckAML:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCheck, r.CheckType)
	}
	switch r.Outcome {
	case OutcomePending, OutcomeClear, OutcomeFlagged, OutcomeBlocked:
	default:
		return fmt.Errorf("verification: unknown outcome %q", r.Outcome)
	}
	if r.TransactionID == "" {
		return errors.New("verification: transactionId is required")
	}
	return nil
}

// Evaluation is what the gate decided and why.
type Evaluation struct {
	Decision  Decision    `json:"decision"`
	Missing   []CheckType `json:"missing,omitempty"`
	Flagged   []CheckType `json:"flagged,omitempty"`
	BlockedBy CheckType   `json:"blockedBy,omitempty"`
}

// Required lists the checks a stage needs. Business sellers need KYB on
// top of KYC.
func Required(stage Stage, business bool) []CheckType {
	switch stage {
	case StageIdentity:
		if business {
			return []CheckType{CheckKYC, CheckKYB}
		}
		return []CheckType{CheckKYC}
	case StageCompliance:
		return []CheckType{CheckAML}
	default:
		return nil
	}
}

// Evaluate aggregates outcomes for the required checks. Any blocked check
// blocks. A flagged check is held for review and counts as pending, as does
// a missing or pending one. Only when every required check is clear does the
// gate clear.
func Evaluate(required []CheckType, outcomes map[CheckType]Outcome) Evaluation {
	var ev Evaluation
	for _, ct := range required {
		switch outcomes[ct] {
		case OutcomeBlocked:
			return Evaluation{Decision: DecisionBlocked, BlockedBy: ct}
		case OutcomeFlagged:
			ev.Flagged = append(ev.Flagged, ct)
		case OutcomeClear:
		default:
			ev.Missing = append(ev.Missing, ct)
		}
	}
	if len(ev.Missing) > 0 || len(ev.Flagged) > 0 {
		ev.Decision = DecisionPending
		return ev
	}
	ev.Decision = DecisionCleared
	return ev
}

// Subject identifies who a check is about.
type Subject struct {
	TransactionID string
	BuyerID       string
	SellerID      string
	Business      bool
}

// Provider runs a check. Providers that answer asynchronously return
// OutcomePending and deliver the final Result later.
type Provider interface {
	Check(ctx context.Context, check CheckType, subject Subject) (Result, error)
}
