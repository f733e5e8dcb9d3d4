package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
)

// Monitor periodically flags SLA breaches and samples queue depth.
type Monitor struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewMonitor creates a new SLA monitor.
func NewMonitor(queue *Queue, logger *slog.Logger) *Monitor {
	return &Monitor{
		queue:    queue,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// WithInterval sets the check period.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// Start begins the monitor loop. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// Stop signals the monitor to stop.
func (m *Monitor) Stop() {
	select {
	case m.stop <- struct{}{}:
	default:
	}
}

func (m *Monitor) check(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in sla monitor", "panic", fmt.Sprint(r))
		}
	}()
	defer metrics.ObserveSweep("sla_monitor", time.Now())

	n, err := m.queue.CheckSLA(ctx)
	if err != nil {
		m.logger.Warn("sla check failed", "error", err)
	} else if n > 0 {
		m.logger.Warn("sla breaches flagged", "count", n)
	}
	if err := m.queue.RecordDepth(ctx); err != nil {
		m.logger.Warn("queue depth sample failed", "error", err)
	}
}
