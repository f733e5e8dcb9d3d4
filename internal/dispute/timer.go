package dispute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Timer periodically escalates disputes whose negotiation window expired.
type Timer struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a new dispute timer.
func NewTimer(engine *Engine, logger *slog.Logger) *Timer {
	return &Timer{
		engine:   engine,
		interval: 30 * time.Second,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the check period.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Start begins the timer loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.check(ctx)
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

func (t *Timer) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in dispute timer", "panic", fmt.Sprint(r))
		}
	}()
	defer metrics.ObserveSweep("dispute_negotiation", time.Now())

	if n := t.engine.CheckNegotiations(ctx); n > 0 {
		t.logger.Info("expired negotiations escalated", "count", n)
	}
}
