// Package escalation keeps the human review queue for disputes and escrow
// operations that need an operator.
//
// Entries sit in one of three queues. Claims take the highest queue first
// and, within a queue, the lowest position. Positions only grow, so an entry
// that is raised a tier after an SLA breach joins the back of its new queue.
package escalation

import (
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("escalation entry not found")
	ErrQueueEmpty      = errors.New("no waiting escalation entries")
	ErrAlreadyAssigned = errors.New("escalation entry already assigned")
	ErrDuplicate       = errors.New("open escalation entry already exists")
	ErrInvalidRequest  = errors.New("invalid escalation request")
)

// Kind is what an entry asks a human to look at.
type Kind string

const (
	KindDispute         Kind = "dispute"
	KindEscrowOperation Kind = "escrow_operation"
)

// QueueType is the SLA tier.
type QueueType string

const (
	QueueStandard QueueType = "standard"
	QueuePriority QueueType = "priority"
	QueueCritical QueueType = "critical"
)

// Rank orders queues for claiming; higher is served first.
func (q QueueType) Rank() int {
	switch q {
	case QueueCritical:
		return 3
	case QueuePriority:
		return 2
	case QueueStandard:
		return 1
	}
	return 0
}

// Raise returns the next tier up. Critical stays critical.
func (q QueueType) Raise() QueueType {
	switch q {
	case QueueStandard:
		return QueuePriority
	default:
		return QueueCritical
	}
}

// QueueFor maps a dispute priority onto a queue.
func QueueFor(priority string) QueueType {
	switch priority {
	case "critical":
		return QueueCritical
	case "high":
		return QueuePriority
	default:
		return QueueStandard
	}
}

// Status of an entry.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusAssigned Status = "assigned"
	StatusDone     Status = "done"
)

// Entry is one item in the escalation queue.
type Entry struct {
	ID            string     `json:"id"`
	Kind          Kind       `json:"kind"`
	DisputeID     string     `json:"disputeId,omitempty"`
	TransactionID string     `json:"transactionId"`
	Operation     string     `json:"operation,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	QueueType     QueueType  `json:"queueType"`
	Position      int64      `json:"position"`
	SLAHours      int        `json:"slaHours"`
	EscalatedAt   time.Time  `json:"escalatedAt"`
	SLADeadline   time.Time  `json:"slaDeadline"`
	SLABreached   bool       `json:"slaBreached"`
	BreachedAt    *time.Time `json:"breachedAt,omitempty"`
	AssignedAgent string     `json:"assignedAgent,omitempty"`
	AssignedAt    *time.Time `json:"assignedAt,omitempty"`
	Status        Status     `json:"status"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Subject is the reference an open entry is unique on.
func (e *Entry) Subject() string {
	if e.Kind == KindDispute {
		return e.DisputeID
	}
	return e.TransactionID
}

// Overdue reports whether the SLA passed at now and has not been flagged yet.
func (e *Entry) Overdue(now time.Time) bool {
	return e.Status != StatusDone && !e.SLABreached && !now.Before(e.SLADeadline)
}

// Less orders entries for claiming: queue rank descending, then position.
func Less(a, b *Entry) bool {
	if ra, rb := a.QueueType.Rank(), b.QueueType.Rank(); ra != rb {
		return ra > rb
	}
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.EscalatedAt.Before(b.EscalatedAt)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.BreachedAt = cloneTime(e.BreachedAt)
	c.AssignedAt = cloneTime(e.AssignedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
