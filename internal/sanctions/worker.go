package sanctions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// ExpiryWorker periodically deactivates expired sanctions.
type ExpiryWorker struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewExpiryWorker creates a new expiry worker.
func NewExpiryWorker(engine *Engine, logger *slog.Logger) *ExpiryWorker {
	return &ExpiryWorker{
		engine:   engine,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the sweep period.
func (w *ExpiryWorker) WithInterval(d time.Duration) *ExpiryWorker {
	if d > 0 {
		w.interval = d
	}
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *ExpiryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *ExpiryWorker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *ExpiryWorker) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in sanction expiry", "panic", fmt.Sprint(r))
		}
	}()
	defer metrics.ObserveSweep("sanction_expiry", time.Now())

	n, err := w.engine.ExpireDue(ctx)
	if err != nil {
		w.logger.Warn("sanction expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("sanctions expired", "count", n)
	}
}
