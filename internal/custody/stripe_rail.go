package custody

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeRail holds funds as manual-capture PaymentIntents. Hold authorises
// the buyer's payment method, Release captures the intent and Refund cancels
// the authorisation. The operation token is sent as the idempotency key.
type StripeRail struct {
	api *client.API
	now func() time.Time
}

// NewStripeRail creates a rail using the given secret key.
func NewStripeRail(secretKey string) *StripeRail {
	return NewStripeRailWithBackends(secretKey, nil)
}

// NewStripeRailWithBackends creates a rail with custom backends, for example
// one pointed at a test server.
func NewStripeRailWithBackends(secretKey string, backends *stripe.Backends) *StripeRail {
	return &StripeRail{api: client.New(secretKey, backends), now: time.Now}
}

func (s *StripeRail) Hold(ctx context.Context, req Request) (Confirmation, error) {
	if req.PaymentMethod == "" {
		return Confirmation{}, fmt.Errorf("%w: payment method required", ErrDeclined)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(minorUnits(req)),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
		PaymentMethod: stripe.String(req.PaymentMethod),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String("escrow " + req.TransactionID),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Token)
	params.AddMetadata("transaction_id", req.TransactionID)
	params.AddMetadata("buyer_id", req.BuyerID)
	params.AddMetadata("seller_id", req.SellerID)

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Confirmation{}, classifyStripeError(err)
	}
	return s.confirmation(req, pi, stripe.PaymentIntentStatusRequiresCapture)
}

func (s *StripeRail) Release(ctx context.Context, req Request) (Confirmation, error) {
	if req.Reference == "" {
		return Confirmation{}, ErrUnknownReference
	}
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey(req.Token)

	pi, err := s.api.PaymentIntents.Capture(req.Reference, params)
	if err != nil {
		return Confirmation{}, classifyStripeError(err)
	}
	return s.confirmation(req, pi, stripe.PaymentIntentStatusSucceeded)
}

func (s *StripeRail) Refund(ctx context.Context, req Request) (Confirmation, error) {
	if req.Reference == "" {
		return Confirmation{}, ErrUnknownReference
	}
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.Token)

	pi, err := s.api.PaymentIntents.Cancel(req.Reference, params)
	if err != nil {
		return Confirmation{}, classifyStripeError(err)
	}
	return s.confirmation(req, pi, stripe.PaymentIntentStatusCanceled)
}

// Status reads the PaymentIntent behind req.Reference. A hold whose
// response was lost has no reference yet and cannot be looked up.
func (s *StripeRail) Status(ctx context.Context, req Request) (Funds, error) {
	if req.Reference == "" {
		return Funds{}, ErrUnknownReference
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(req.Reference, params)
	if err != nil {
		return Funds{}, classifyStripeError(err)
	}
	funds := Funds{Reference: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture:
		funds.Status = FundsHeld
	case stripe.PaymentIntentStatusSucceeded:
		funds.Status = FundsReleased
	case stripe.PaymentIntentStatusCanceled:
		funds.Status = FundsRefunded
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction:
		funds.Status = FundsPending
	default:
		funds.Status = FundsNone
	}
	return funds, nil
}

func (s *StripeRail) confirmation(req Request, pi *stripe.PaymentIntent, want stripe.PaymentIntentStatus) (Confirmation, error) {
	conf := Confirmation{
		TransactionID:  req.TransactionID,
		Operation:      req.Operation,
		OperationToken: req.Token,
		Reference:      pi.ID,
		ConfirmedAt:    s.now().UTC(),
	}
	switch pi.Status {
	case want:
		conf.Outcome = OutcomeConfirmed
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresAction:
		conf.Outcome = OutcomePending
	default:
		conf.Outcome = OutcomeFailed
		conf.FailureReason = "unexpected payment intent status " + string(pi.Status)
	}
	return conf, nil
}

// minorUnits converts the decimal amount into the currency's smallest unit.
// Zero-decimal currencies are not supported.
func minorUnits(req Request) int64 {
	return req.Amount.Shift(2).Round(0).IntPart()
}

// classifyStripeError maps Stripe errors onto the custody error taxonomy.
func classifyStripeError(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%w: %v", ErrPending, err)
	}
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests,
		se.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
	case se.Type == stripe.ErrorTypeCard,
		se.Type == stripe.ErrorTypeInvalidRequest,
		se.Type == stripe.ErrorTypeIdempotency:
		return fmt.Errorf("%w: %s", ErrDeclined, se.Msg)
	default:
		return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
	}
}

var _ Rail = (*StripeRail)(nil)
