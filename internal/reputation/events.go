package reputation

import (
	"fmt"
	"time"
)

// EventKind identifies what happened to a user.
type EventKind string

const (
	EventTransactionCompleted EventKind = "transaction_completed"
	EventDisputeOpened        EventKind = "dispute_opened"
	EventDisputeResolved      EventKind = "dispute_resolved"
	EventSanctionLevelChanged EventKind = "sanction_level_changed"
)

// Event is a typed reputation change. ID makes application idempotent; the
// producer derives it from the source record (for example the transaction ID).
type Event struct {
	ID     string    `json:"id"`
	Kind   EventKind `json:"kind"`
	UserID string    `json:"userId"`

	// TransactionCompleted: whether the seller kept the funds.
	Successful bool `json:"successful,omitempty"`
	// DisputeResolved: whether the dispute was upheld against the user.
	Valid bool `json:"valid,omitempty"`
	// SanctionLevelChanged: the new effective level.
	Level int `json:"level,omitempty"`

	At time.Time `json:"at"`
}

// Validate checks that the event is well formed.
func (e Event) Validate() error {
	if e.ID == "" || e.UserID == "" {
		return fmt.Errorf("%w: id and userId are required", ErrInvalidEvent)
	}
	switch e.Kind {
	case EventTransactionCompleted, EventDisputeOpened, EventDisputeResolved:
	case EventSanctionLevelChanged:
		if e.Level < 0 || e.Level > 5 {
			return fmt.Errorf("%w: sanction level %d out of range", ErrInvalidEvent, e.Level)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Apply folds e into s and recomputes derived fields.
func (c *Calculator) Apply(s Snapshot, e Event) Snapshot {
	switch e.Kind {
	case EventTransactionCompleted:
		s.CompletedTransactions++
		if e.Successful {
			s.SuccessfulTransactions++
		}
	case EventDisputeOpened:
		s.DisputesAgainst++
	case EventDisputeResolved:
		if e.Valid {
			s.ValidDisputes++
		}
	case EventSanctionLevelChanged:
		s.SanctionLevel = e.Level
	}
	c.Refresh(&s)
	s.UpdatedAt = e.At
	return s
}
