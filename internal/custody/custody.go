// Package custody talks to the external custody rail that holds buyer funds.
//
// Every call carries an operation token. Rails treat a repeated token as the
// same request, so a release or refund retried after a crash or timeout has
// exactly one effect.
package custody

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
)

var (
	// ErrPending means the rail did not give a definite answer in time. The
	// operation may or may not have happened; retry with the same token.
	ErrPending = errors.New("custody: operation pending")

	// ErrDeclined means the rail refused the operation outright.
	ErrDeclined = errors.New("custody: operation declined")

	// ErrUnavailable is a transient rail failure that is safe to retry.
	ErrUnavailable = errors.New("custody: rail unavailable")

	ErrUnknownReference = errors.New("custody: unknown escrow reference")
)

// Operation is a custody rail call.
type Operation string

const (
	OpHold    Operation = "hold"
	OpRelease Operation = "release"
	OpRefund  Operation = "refund"
)

// Outcome of an operation as reported by the rail.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
	OutcomePending   Outcome = "pending"
)

// Request describes one custody call.
type Request struct {
	TransactionID string
	Operation     Operation
	Token         string
	BuyerID       string
	SellerID      string
	Amount        decimal.Decimal
	Currency      string
	// Reference is the rail's handle for held funds, returned by Hold.
	Reference string
	// PaymentMethod is the buyer's funding source for Hold.
	PaymentMethod string
}

// Confirmation is the rail's answer for a request.
type Confirmation struct {
	TransactionID  string    `json:"transactionId"`
	Operation      Operation `json:"operation"`
	OperationToken string    `json:"operationToken"`
	Outcome        Outcome   `json:"outcome"`
	Reference      string    `json:"reference,omitempty"`
	FailureReason  string    `json:"failureReason,omitempty"`
	ConfirmedAt    time.Time `json:"confirmedAt"`
}

// FundsStatus is where a transaction's funds stand on the rail.
type FundsStatus string

const (
	FundsNone     FundsStatus = "none"
	FundsPending  FundsStatus = "pending"
	FundsHeld     FundsStatus = "held"
	FundsReleased FundsStatus = "released"
	FundsRefunded FundsStatus = "refunded"
)

// Funds is the rail's view of a transaction's funds.
type Funds struct {
	Status    FundsStatus `json:"status"`
	Reference string      `json:"reference,omitempty"`
}

// Settles reports whether funds in this state mean op already took effect.
func (f Funds) Settles(op Operation) bool {
	switch op {
	case OpHold:
		return f.Status == FundsHeld
	case OpRelease:
		return f.Status == FundsReleased
	case OpRefund:
		return f.Status == FundsRefunded
	}
	return false
}

// Rail is a custody backend.
type Rail interface {
	Hold(ctx context.Context, req Request) (Confirmation, error)
	Release(ctx context.Context, req Request) (Confirmation, error)
	Refund(ctx context.Context, req Request) (Confirmation, error)
	// Status reports the funds for req.TransactionID. Rails that address
	// funds by reference return ErrUnknownReference when it is empty.
	Status(ctx context.Context, req Request) (Funds, error)
}

// IsPending reports whether err leaves the operation's result unknown:
// timeouts, cancelled waits, an open circuit, or an explicit ErrPending.
// Callers must not count these as failures.
func IsPending(err error) bool {
	return errors.Is(err, ErrPending) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, circuitbreaker.ErrOpen)
}
