package custody

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowd/internal/idgen"
)

type heldFunds struct {
	reference string
	amount    decimal.Decimal
	state     FundsStatus
}

// MemoryRail is an in-process custody rail. It is idempotent per token and
// supports fault injection for tests and demos.
type MemoryRail struct {
	mu       sync.Mutex
	funds    map[string]*heldFunds // by transaction ID
	byToken  map[string]Confirmation
	failures map[Operation]int
	lost     map[Operation]int
	calls    map[Operation]int
	effects  map[Operation]int
	now      func() time.Time
}

func NewMemoryRail() *MemoryRail {
	return &MemoryRail{
		funds:    make(map[string]*heldFunds),
		byToken:  make(map[string]Confirmation),
		failures: make(map[Operation]int),
		lost:     make(map[Operation]int),
		calls:    make(map[Operation]int),
		effects:  make(map[Operation]int),
		now:      time.Now,
	}
}

// FailNext makes the next n calls of op fail with ErrUnavailable without effect.
func (r *MemoryRail) FailNext(op Operation, n int) {
	r.mu.Lock()
	r.failures[op] = n
	r.mu.Unlock()
}

// LoseNextResponse makes the next n calls of op take effect but report
// ErrPending, as if the response timed out on the way back.
func (r *MemoryRail) LoseNextResponse(op Operation, n int) {
	r.mu.Lock()
	r.lost[op] = n
	r.mu.Unlock()
}

// Calls returns how many times op was invoked.
func (r *MemoryRail) Calls(op Operation) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

// Effects returns how many times op actually moved funds.
func (r *MemoryRail) Effects(op Operation) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effects[op]
}

func (r *MemoryRail) Hold(ctx context.Context, req Request) (Confirmation, error) {
	return r.do(ctx, OpHold, req, func() (string, error) {
		if _, ok := r.funds[req.TransactionID]; ok {
			return "", fmt.Errorf("%w: funds already held for %s", ErrDeclined, req.TransactionID)
		}
		if !req.Amount.IsPositive() {
			return "", fmt.Errorf("%w: amount must be positive", ErrDeclined)
		}
		ref := idgen.WithPrefix("hold_")
		r.funds[req.TransactionID] = &heldFunds{reference: ref, amount: req.Amount, state: FundsHeld}
		return ref, nil
	})
}

func (r *MemoryRail) Release(ctx context.Context, req Request) (Confirmation, error) {
	return r.do(ctx, OpRelease, req, func() (string, error) {
		return r.settle(req, FundsReleased)
	})
}

func (r *MemoryRail) Refund(ctx context.Context, req Request) (Confirmation, error) {
	return r.do(ctx, OpRefund, req, func() (string, error) {
		return r.settle(req, FundsRefunded)
	})
}

// Status reads the funds without counting as a call.
func (r *MemoryRail) Status(ctx context.Context, req Request) (Funds, error) {
	if err := ctx.Err(); err != nil {
		return Funds{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.funds[req.TransactionID]
	if !ok {
		return Funds{Status: FundsNone}, nil
	}
	if req.Reference != "" && f.reference != req.Reference {
		return Funds{}, ErrUnknownReference
	}
	return Funds{Status: f.state, Reference: f.reference}, nil
}

// caller holds r.mu
func (r *MemoryRail) settle(req Request, to FundsStatus) (string, error) {
	f, ok := r.funds[req.TransactionID]
	if !ok || (req.Reference != "" && f.reference != req.Reference) {
		return "", ErrUnknownReference
	}
	if f.state != FundsHeld {
		return "", fmt.Errorf("%w: funds already %s", ErrDeclined, f.state)
	}
	f.state = to
	return f.reference, nil
}

func (r *MemoryRail) do(ctx context.Context, op Operation, req Request, effect func() (string, error)) (Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return Confirmation{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++

	if conf, ok := r.byToken[req.Token]; ok && req.Token != "" {
		return conf, nil
	}
	if r.failures[op] > 0 {
		r.failures[op]--
		return Confirmation{}, fmt.Errorf("%w: injected failure", ErrUnavailable)
	}

	ref, err := effect()
	if err != nil {
		return Confirmation{}, err
	}
	r.effects[op]++

	conf := Confirmation{
		TransactionID:  req.TransactionID,
		Operation:      op,
		OperationToken: req.Token,
		Outcome:        OutcomeConfirmed,
		Reference:      ref,
		ConfirmedAt:    r.now().UTC(),
	}
	if req.Token != "" {
		r.byToken[req.Token] = conf
	}
	if r.lost[op] > 0 {
		r.lost[op]--
		return Confirmation{}, ErrPending
	}
	return conf, nil
}

var _ Rail = (*MemoryRail)(nil)
