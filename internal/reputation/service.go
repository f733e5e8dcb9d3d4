package reputation

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Service reads and updates reputation snapshots.
type Service struct {
	store  Store
	calc   *Calculator
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, calc: NewCalculator(), logger: logger, now: time.Now}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns the user's snapshot, or a fresh one for unknown users.
func (s *Service) Get(ctx context.Context, userID string) (Snapshot, error) {
	snap, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return New(userID), nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return *snap, nil
}

// Record applies e once. Replaying an event ID is a no-op.
func (s *Service) Record(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	applied, err := s.store.Apply(ctx, e.UserID, e.ID, func(cur Snapshot) Snapshot {
		return s.calc.Apply(cur, e)
	})
	if err != nil {
		return err
	}
	if applied {
		s.logger.Debug("reputation event applied", "userId", e.UserID, "kind", e.Kind, "eventId", e.ID)
	}
	return nil
}

// Top returns the highest scoring snapshots.
func (s *Service) Top(ctx context.Context, limit int) ([]*Snapshot, error) {
	return s.store.List(ctx, limit)
}
