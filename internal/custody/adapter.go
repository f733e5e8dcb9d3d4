package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// Adapter wraps a Rail with a per-call timeout, a circuit breaker per
// operation, metrics and tracing.
type Adapter struct {
	rail    Rail
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
}

// NewAdapter creates an adapter. The breaker opens after five consecutive
// failures of an operation and lets a trial call through after 30s.
func NewAdapter(rail Rail, timeout time.Duration, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		rail:    rail,
		breaker: circuitbreaker.New(5, 30*time.Second),
		timeout: timeout,
		logger:  logger,
	}
}

// WithBreaker replaces the circuit breaker.
func (a *Adapter) WithBreaker(b *circuitbreaker.Breaker) *Adapter {
	a.breaker = b
	return a
}

// Execute runs req.Operation against the rail. The error is nil only for a
// confirmed operation; use IsPending to tell unknown results from failures.
func (a *Adapter) Execute(ctx context.Context, req Request) (Confirmation, error) {
	ctx, span := traces.StartSpan(ctx, "custody."+string(req.Operation),
		traces.TransactionID(req.TransactionID),
		traces.Operation(string(req.Operation)),
		traces.Amount(req.Amount.String()),
	)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	var conf Confirmation
	err := a.breaker.Execute(string(req.Operation), countsAsFailure, func() error {
		var err error
		conf, err = a.call(ctx, req)
		if err == nil && conf.Outcome == OutcomePending {
			err = ErrPending
		}
		if err == nil && conf.Outcome == OutcomeFailed {
			err = fmt.Errorf("%w: %s", ErrDeclined, conf.FailureReason)
		}
		return err
	})
	metrics.EscrowOperationDuration.WithLabelValues(string(req.Operation)).Observe(time.Since(start).Seconds())

	outcome := string(OutcomeConfirmed)
	switch {
	case err == nil:
	case IsPending(err):
		outcome = string(OutcomePending)
		a.logger.Warn("custody operation pending",
			"transactionId", req.TransactionID, "operation", req.Operation, "error", err)
	default:
		outcome = string(OutcomeFailed)
		a.logger.Error("custody operation failed",
			"transactionId", req.TransactionID, "operation", req.Operation, "error", err)
	}
	metrics.EscrowOperationsTotal.WithLabelValues(string(req.Operation), outcome).Inc()
	traces.End(span, err)

	return conf, err
}

// Status asks the rail where req's funds stand. It shares the call timeout
// but not the breaker, so a status read never trips or is blocked by it.
func (a *Adapter) Status(ctx context.Context, req Request) (Funds, error) {
	ctx, span := traces.StartSpan(ctx, "custody.status",
		traces.TransactionID(req.TransactionID),
		traces.Operation(string(req.Operation)),
	)
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	funds, err := a.rail.Status(ctx, req)
	if err != nil {
		a.logger.Debug("custody status unavailable",
			"transactionId", req.TransactionID, "operation", req.Operation, "error", err)
	}
	traces.End(span, err)
	return funds, err
}

// BreakerState exposes the circuit state for an operation.
func (a *Adapter) BreakerState(op Operation) circuitbreaker.State {
	return a.breaker.State(string(op))
}

func (a *Adapter) call(ctx context.Context, req Request) (Confirmation, error) {
	switch req.Operation {
	case OpHold:
		return a.rail.Hold(ctx, req)
	case OpRelease:
		return a.rail.Release(ctx, req)
	case OpRefund:
		return a.rail.Refund(ctx, req)
	default:
		return Confirmation{}, fmt.Errorf("custody: unknown operation %q", req.Operation)
	}
}

// A declined request says nothing about rail health.
func countsAsFailure(err error) bool {
	return !errors.Is(err, ErrDeclined)
}
