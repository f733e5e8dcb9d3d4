package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Lease elects one sweeper across replicas.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	Release(ctx context.Context) error
}

// Timer periodically releases transactions whose buffer has run out and
// resumes settlement claims that were left unfinished.
type Timer struct {
	service     *Service
	store       Store
	interval    time.Duration
	concurrency int
	batch       int
	lease       Lease
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewTimer creates a new buffer timer.
func NewTimer(service *Service, store Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:     service,
		store:       store,
		interval:    30 * time.Second,
		concurrency: 4,
		batch:       100,
		logger:      logger,
		stop:        make(chan struct{}),
	}
}

// WithInterval sets the sweep period.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithConcurrency bounds parallel settlements within one sweep.
func (t *Timer) WithConcurrency(n int) *Timer {
	if n > 0 {
		t.concurrency = n
	}
	return t
}

// WithLease makes the timer sweep only while it holds the lease.
func (t *Timer) WithLease(l Lease) *Timer {
	t.lease = l
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.releaseLease()
			return
		case <-t.stop:
			t.releaseLease()
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) releaseLease() {
	if t.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.lease.Release(ctx); err != nil {
		t.logger.Warn("failed to release sweep lease", "error", err)
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in buffer timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass. It is exported so tests and operators can drive the
// timer directly.
func (t *Timer) Sweep(ctx context.Context) {
	if t.lease != nil {
		ok, err := t.lease.Acquire(ctx, 2*t.interval)
		if err != nil {
			t.logger.Warn("sweep lease unavailable", "error", err)
			return
		}
		if !ok {
			t.logger.Debug("another replica holds the sweep lease")
			return
		}
	}

	start := time.Now()
	defer metrics.ObserveSweep("buffer", start)

	t.releaseDue(ctx)
	t.resumeStalled(ctx)
}

func (t *Timer) releaseDue(ctx context.Context) {
	due, err := t.store.ListDueForRelease(ctx, t.service.now(), t.batch)
	if err != nil {
		t.logger.Warn("failed to list due transactions", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, tx := range due {
		g.Go(func() error {
			released, err := t.service.AutoRelease(gctx, tx.ID)
			switch {
			case err == nil:
				t.logger.Info("auto-released transaction",
					"transactionId", tx.ID, "seller", tx.SellerID, "amount", tx.Amount.String(), "status", released.Status)
			case errors.Is(err, ErrOperationPending):
				t.logger.Info("auto-release pending", "transactionId", tx.ID)
			default:
				// Raced with a dispute or already flagged; logged and left for review.
				t.logger.Warn("failed to auto-release transaction", "transactionId", tx.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (t *Timer) resumeStalled(ctx context.Context) {
	stalled, err := t.store.ListStalledOperations(ctx, t.service.now().Add(-t.service.claimGrace), t.batch)
	if err != nil {
		t.logger.Warn("failed to list stalled operations", "error", err)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.concurrency)
	for _, tx := range stalled {
		g.Go(func() error {
			if _, err := t.service.ResumeOperation(gctx, tx.ID); err != nil && !errors.Is(err, ErrOperationPending) {
				t.logger.Warn("failed to resume escrow operation",
					"transactionId", tx.ID, "operation", tx.PendingOperation, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
