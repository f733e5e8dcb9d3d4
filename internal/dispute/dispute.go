// Package dispute raises, classifies and settles disputes on escrow
// transactions.
//
// A dispute freezes the transaction's buffer. Disputes the classifier rates
// high or critical go straight to the escalation queue; the rest get a
// negotiation window, after which the dispute timer escalates them. Only an
// arbiter's resolution moves funds. Dispute records are never deleted.
package dispute

import (
	"errors"
	"time"

	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/risk"
)

var (
	ErrNotFound                 = errors.New("dispute not found")
	ErrDuplicateOpenDispute     = errors.New("transaction already has an open dispute")
	ErrTransactionNotDisputable = errors.New("transaction cannot be disputed")
	ErrInvalidRequest           = errors.New("invalid dispute request")
	ErrUnauthorized             = errors.New("not a party to this dispute")
	ErrInvalidState             = errors.New("dispute state does not allow this operation")
)

// Type is the category the raiser picked.
type Type string

const (
	TypeItemNotReceived    Type = "item_not_received"
	TypeScam               Type = "scam"
	TypeQualityIssue       Type = "quality_issue"
	TypeUnauthorizedCharge Type = "unauthorized_charge"
)

// Valid reports whether t is a known dispute type.
func (t Type) Valid() bool {
	switch t {
	case TypeItemNotReceived, TypeScam, TypeQualityIssue, TypeUnauthorizedCharge:
		return true
	}
	return false
}

// Status of a dispute.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// Priority drives the escalation queue choice.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Evidence is one item attached by the raiser.
type Evidence struct {
	Kind      string `json:"kind" binding:"required"`
	Reference string `json:"reference,omitempty"`
	Note      string `json:"note,omitempty"`
}

// Dispute is a claim raised by one party against the other.
type Dispute struct {
	ID                  string          `json:"id"`
	TransactionID       string          `json:"transactionId"`
	Type                Type            `json:"disputeType"`
	Reason              string          `json:"reason"`
	Status              Status          `json:"status"`
	RaisedBy            string          `json:"raisedBy"`
	RespondentID        string          `json:"respondentId"`
	Evidence            []Evidence      `json:"evidence"`
	AIConfidenceScore   float64         `json:"aiConfidenceScore"`
	FraudIndicators     risk.Indicators `json:"fraudIndicators"`
	PriorityLevel       Priority        `json:"priorityLevel"`
	AutoFlagged         bool            `json:"autoFlagged"`
	EscalatedToHuman    bool            `json:"escalatedToHuman"`
	EscalatedAt         *time.Time      `json:"escalatedAt,omitempty"`
	QueuePosition       int64           `json:"queuePosition,omitempty"`
	AssignedAgent       string          `json:"assignedAgent,omitempty"`
	SLADeadline         *time.Time      `json:"slaDeadline,omitempty"`
	NegotiationDeadline *time.Time      `json:"negotiationDeadline,omitempty"`

	Resolution      escrow.Resolution `json:"resolution,omitempty"`
	ResolvedBy      string            `json:"resolvedBy,omitempty"`
	ResolutionNotes string            `json:"resolutionNotes,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt   *time.Time `json:"closedAt,omitempty"`
}

// Open reports whether the dispute still blocks the transaction.
func (d *Dispute) Open() bool {
	return d.Status == StatusOpen || d.Status == StatusInvestigating
}

// NegotiationExpired reports whether an unescalated dispute ran out of
// negotiation time at now.
func (d *Dispute) NegotiationExpired(now time.Time) bool {
	return d.Status == StatusOpen && !d.EscalatedToHuman &&
		d.NegotiationDeadline != nil && !now.Before(*d.NegotiationDeadline)
}

// Valid reports whether the resolution went the raiser's way. A buyer wins
// with a refund; a seller wins with a release.
func (d *Dispute) Valid(raiserRole escrow.Role) bool {
	switch raiserRole {
	case escrow.RoleBuyer:
		return d.Resolution == escrow.ResolutionRefund
	case escrow.RoleSeller:
		return d.Resolution == escrow.ResolutionRelease
	}
	return false
}

func (d *Dispute) clone() *Dispute {
	c := *d
	c.Evidence = append([]Evidence(nil), d.Evidence...)
	c.FraudIndicators = append(risk.Indicators(nil), d.FraudIndicators...)
	c.EscalatedAt = cloneTime(d.EscalatedAt)
	c.SLADeadline = cloneTime(d.SLADeadline)
	c.NegotiationDeadline = cloneTime(d.NegotiationDeadline)
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	c.ClosedAt = cloneTime(d.ClosedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CreateRequest raises a dispute.
type CreateRequest struct {
	TransactionID string     `json:"transactionId" binding:"required"`
	RaisedBy      string     `json:"-"`
	Type          Type       `json:"disputeType" binding:"required"`
	Reason        string     `json:"reason" binding:"required"`
	Evidence      []Evidence `json:"evidence"`
}

// ResolveRequest is an arbiter's decision.
type ResolveRequest struct {
	Resolution escrow.Resolution `json:"resolution" binding:"required"`
	Notes      string            `json:"notes"`
}
