// Package escrow owns the transaction aggregate and its state machine.
//
// Lifecycle:
//  1. Created → identity checks (KYC, plus KYB for business sellers) → AML
//  2. Verification approved → buyer funds held on the custody rail
//  3. Seller starts and delivers → buyer confirms delivery
//  4. Buffer period → automatic release to the seller
//  5. A dispute freezes the buffer; arbitration releases or refunds
//
// Every change goes through Store.Mutate, which holds the transaction lock
// for the read-validate-write only. Rail and verification calls happen
// outside the lock.
package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/risk"
	"github.com/mbd888/escrowd/internal/verification"
)

var (
	ErrTransactionNotFound   = errors.New("transaction not found")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrInvalidState          = errors.New("transaction state violates invariants")
	ErrUnauthorized          = errors.New("not authorized for this transaction operation")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrVerificationPending   = errors.New("verification pending")
	ErrVerificationBlocked   = errors.New("verification blocked")
	ErrEscrowOperationFailed = errors.New("escrow operation failed")
	ErrOperationPending      = errors.New("escrow operation pending")
	ErrSettlementInProgress  = errors.New("settlement in progress")
	ErrDisputeWindowClosed   = errors.New("dispute window closed")
	ErrAlreadyDisputed       = errors.New("transaction already has an open dispute")
	ErrNothingToRetry        = errors.New("no failed escrow operation to retry")
)

// Status is the single authoritative lifecycle state.
type Status string

const (
	StatusPending              Status = "pending"
	StatusKYCRequired          Status = "kyc_required"
	StatusKYBRequired          Status = "kyb_required"
	StatusAMLCheck             Status = "aml_check"
	StatusVerificationApproved Status = "verification_approved"
	StatusEscrow               Status = "escrow"
	StatusActive               Status = "active"
	StatusServiceDelivery      Status = "service_delivery"
	StatusBufferPeriod         Status = "buffer_period"
	StatusDisputed             Status = "disputed"
	StatusArbitration          Status = "arbitration"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusKYCRequired, StatusKYBRequired, StatusAMLCheck,
	StatusVerificationApproved, StatusEscrow, StatusActive, StatusServiceDelivery,
	StatusBufferPeriod, StatusDisputed, StatusArbitration, StatusCompleted, StatusCancelled,
}

var transitions = map[Status][]Status{
	StatusPending:              {StatusKYCRequired, StatusKYBRequired, StatusCancelled},
	StatusKYCRequired:          {StatusAMLCheck, StatusCancelled},
	StatusKYBRequired:          {StatusAMLCheck, StatusCancelled},
	StatusAMLCheck:             {StatusVerificationApproved, StatusCancelled},
	StatusVerificationApproved: {StatusEscrow, StatusCancelled},
	StatusEscrow:               {StatusActive},
	StatusActive:               {StatusServiceDelivery},
	StatusServiceDelivery:      {StatusBufferPeriod, StatusDisputed},
	StatusBufferPeriod:         {StatusCompleted, StatusDisputed},
	StatusDisputed:             {StatusArbitration, StatusBufferPeriod, StatusServiceDelivery},
	StatusArbitration:          {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) preEscrow() bool {
	switch s {
	case StatusPending, StatusKYCRequired, StatusKYBRequired, StatusAMLCheck, StatusVerificationApproved:
		return true
	}
	return false
}

func (s Status) fundsHeld() bool {
	switch s {
	case StatusEscrow, StatusActive, StatusServiceDelivery, StatusBufferPeriod, StatusDisputed, StatusArbitration:
		return true
	}
	return false
}

// TransitionError names the rejected state change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// SellerKind decides which identity checks apply.
type SellerKind string

const (
	SellerIndividual SellerKind = "individual"
	SellerBusiness   SellerKind = "business"
)

// EscrowStatus tracks funds on the custody rail.
type EscrowStatus string

const (
	EscrowNotInitiated EscrowStatus = "not_initiated"
	EscrowHeld         EscrowStatus = "held"
	EscrowReleased     EscrowStatus = "released"
	EscrowRefunded     EscrowStatus = "refunded"
)

// Role of a party in a transaction.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Transaction is the aggregate root.
type Transaction struct {
	ID            string          `json:"id"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	SellerKind    SellerKind      `json:"sellerKind"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Description   string          `json:"description,omitempty"`

	Status Status `json:"status"`

	KYCStatus verification.Outcome `json:"kycStatus"`
	KYBStatus verification.Outcome `json:"kybStatus,omitempty"`
	AMLStatus verification.Outcome `json:"amlStatus"`

	EscrowStatus    EscrowStatus `json:"escrowStatus"`
	EscrowReference string       `json:"escrowReference,omitempty"`
	HeldAt          *time.Time   `json:"heldAt,omitempty"`
	ReleasedAt      *time.Time   `json:"releasedAt,omitempty"`
	RefundedAt      *time.Time   `json:"refundedAt,omitempty"`

	// Two-phase settlement bookkeeping. PendingOperation is claimed under the
	// lock before the rail is called and cleared when the result is applied.
	PendingOperation    custody.Operation `json:"pendingOperation,omitempty"`
	OperationToken      string            `json:"operationToken,omitempty"`
	OperationClaimedAt  *time.Time        `json:"operationClaimedAt,omitempty"`
	OperationAttempts   int               `json:"operationAttempts"`
	OperationFailedAt   *time.Time        `json:"operationFailedAt,omitempty"`
	OperationError      string            `json:"operationError,omitempty"`
	OperationGeneration int               `json:"operationGeneration"`

	BufferPeriodHours  int           `json:"bufferPeriodHours,omitempty"`
	BufferStartTime    *time.Time    `json:"bufferStartTime,omitempty"`
	BufferEndTime      *time.Time    `json:"bufferEndTime,omitempty"`
	DisputeWindowHours int           `json:"disputeWindowHours,omitempty"`
	DisputeDeadline    *time.Time    `json:"disputeDeadline,omitempty"`
	BufferRemaining    time.Duration `json:"bufferRemaining,omitempty"`

	RiskScore       float64         `json:"riskScore"`
	FraudFlags      risk.Indicators `json:"fraudFlags"`
	EscalationLevel int             `json:"escalationLevel"`
	AutoSanctioned  bool            `json:"autoSanctioned"`

	OpenDisputeID string     `json:"openDisputeId,omitempty"`
	DisputedFrom  Status     `json:"disputedFrom,omitempty"`
	DisputedAt    *time.Time `json:"disputedAt,omitempty"`

	CancelReason string    `json:"cancelReason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Version      int       `json:"version"`
}

// Party returns the role of userID, or "" when they are not a party.
func (t *Transaction) Party(userID string) Role {
	switch userID {
	case t.BuyerID:
		return RoleBuyer
	case t.SellerID:
		return RoleSeller
	}
	return ""
}

// Business reports whether the seller needs KYB.
func (t *Transaction) Business() bool { return t.SellerKind == SellerBusiness }

// DisputeOpenAt reports whether a new dispute may be raised at now. The
// dispute deadline is exclusive.
func (t *Transaction) DisputeOpenAt(now time.Time) bool {
	switch t.Status {
	case StatusServiceDelivery:
		return true
	case StatusBufferPeriod:
		return t.DisputeDeadline != nil && now.Before(*t.DisputeDeadline)
	}
	return false
}

// ReleaseDueAt reports whether the buffer has run out at now.
func (t *Transaction) ReleaseDueAt(now time.Time) bool {
	return t.Status == StatusBufferPeriod && t.BufferEndTime != nil && !now.Before(*t.BufferEndTime) &&
		t.OpenDisputeID == ""
}

// Validate checks the cross-field invariants. Stores call it on every write.
func (t *Transaction) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
	}

	if !t.Status.Valid() {
		return fail("unknown status %q", t.Status)
	}
	if t.ID == "" || t.BuyerID == "" || t.SellerID == "" {
		return fail("id, buyerId and sellerId are required")
	}
	if !t.Amount.IsPositive() {
		return fail("amount must be positive")
	}

	switch t.EscrowStatus {
	case EscrowNotInitiated:
		if t.Status.fundsHeld() || t.Status == StatusCompleted {
			return fail("status %s requires held funds", t.Status)
		}
	case EscrowHeld:
		if !t.Status.fundsHeld() {
			return fail("funds held in status %s", t.Status)
		}
	case EscrowReleased:
		if t.Status != StatusCompleted || t.HeldAt == nil || t.ReleasedAt == nil {
			return fail("released escrow requires completed status")
		}
	case EscrowRefunded:
		if t.Status != StatusCancelled || t.HeldAt == nil || t.RefundedAt == nil {
			return fail("refunded escrow requires cancelled status")
		}
	default:
		return fail("unknown escrow status %q", t.EscrowStatus)
	}
	if t.ReleasedAt != nil && t.RefundedAt != nil {
		return fail("escrow both released and refunded")
	}

	if (t.BufferEndTime != nil) != (t.Status == StatusBufferPeriod) {
		return fail("bufferEndTime must be set exactly in buffer_period")
	}
	if t.BufferEndTime != nil && t.DisputeDeadline != nil && t.DisputeDeadline.After(*t.BufferEndTime) {
		return fail("disputeDeadline %s after bufferEndTime %s", t.DisputeDeadline, t.BufferEndTime)
	}

	disputed := t.Status == StatusDisputed || t.Status == StatusArbitration
	if (t.OpenDisputeID != "") != disputed {
		return fail("openDisputeId must be set exactly in disputed or arbitration")
	}

	if t.PendingOperation != "" && t.OperationToken == "" {
		return fail("pending operation without token")
	}
	if t.RiskScore < 0 || t.RiskScore > 100 {
		return fail("riskScore %.2f out of range", t.RiskScore)
	}
	if t.EscalationLevel < risk.LevelNone || t.EscalationLevel > risk.LevelCritical {
		return fail("escalationLevel %d out of range", t.EscalationLevel)
	}
	return nil
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	cp.HeldAt = cloneTime(t.HeldAt)
	cp.ReleasedAt = cloneTime(t.ReleasedAt)
	cp.RefundedAt = cloneTime(t.RefundedAt)
	cp.OperationClaimedAt = cloneTime(t.OperationClaimedAt)
	cp.OperationFailedAt = cloneTime(t.OperationFailedAt)
	cp.BufferStartTime = cloneTime(t.BufferStartTime)
	cp.BufferEndTime = cloneTime(t.BufferEndTime)
	cp.DisputeDeadline = cloneTime(t.DisputeDeadline)
	cp.DisputedAt = cloneTime(t.DisputedAt)
	if t.FraudFlags != nil {
		cp.FraudFlags = append(risk.Indicators(nil), t.FraudFlags...)
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// transition moves t to `to` if the table allows it.
func (t *Transaction) transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return &TransitionError{From: t.Status, To: to}
	}
	t.Status = to
	return nil
}

// CreateRequest contains the parameters for opening a transaction.
type CreateRequest struct {
	BuyerID       string     `json:"buyerId" binding:"required"`
	SellerID      string     `json:"sellerId" binding:"required"`
	SellerKind    SellerKind `json:"sellerKind"`
	Amount        string     `json:"amount" binding:"required"`
	Currency      string     `json:"currency"`
	PaymentMethod string     `json:"paymentMethod"`
	Description   string     `json:"description"`
}

// DeliveryConfirmation is the buyer's signal that the service arrived.
type DeliveryConfirmation struct {
	TransactionID string    `json:"transactionId"`
	ConfirmedBy   string    `json:"confirmedBy"`
	Timestamp     time.Time `json:"timestamp"`
}

// Resolution is how arbitration settles held funds.
type Resolution string

const (
	ResolutionRelease Resolution = "release"
	ResolutionRefund  Resolution = "refund"
)
