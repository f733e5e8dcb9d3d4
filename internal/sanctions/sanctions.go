// Package sanctions applies, revokes and expires graduated restrictions on a
// user's ability to transact.
package sanctions

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("sanction not found")
	ErrInvalidRequest = errors.New("invalid sanction request")
	ErrAlreadyRevoked = errors.New("sanction already revoked")
	ErrRestricted     = errors.New("user is restricted from selling")
	ErrSuspended      = errors.New("user is suspended")
)

// Type is the kind of sanction.
type Type string

const (
	TypeWarning     Type = "warning"
	TypeRestriction Type = "restriction"
	TypeSuspension  Type = "suspension"
	TypeBan         Type = "ban"
)

// Severity returns the gating weight of a sanction type.
func (t Type) Severity() int {
	switch t {
	case TypeWarning:
		return 1
	case TypeRestriction:
		return 3
	case TypeSuspension:
		return 4
	case TypeBan:
		return 5
	}
	return 0
}

// Trigger records why a sanction was applied.
type Trigger string

const (
	TriggerDisputeCount Trigger = "dispute_count"
	TriggerFraudScore   Trigger = "fraud_score"
	TriggerManual       Trigger = "manual"
)

// Severity thresholds used for gating.
const (
	SeverityRestriction = 3
	SeveritySuspension  = 4
)

// Sanction is a restriction applied to a user. Records are never deleted.
type Sanction struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	Type              Type       `json:"sanctionType"`
	Severity          int        `json:"severity"`
	AutomaticSanction bool       `json:"automaticSanction"`
	TriggeredBy       Trigger    `json:"triggeredBy"`
	TransactionID     string     `json:"transactionId,omitempty"`
	Reason            string     `json:"reason"`
	Evidence          string     `json:"evidence,omitempty"` // history fingerprint of an automatic sanction
	DurationHours     *int       `json:"durationHours,omitempty"`
	IsActive          bool       `json:"isActive"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
	RevokedBy         string     `json:"revokedBy,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// ActiveAt reports whether the sanction gates the user at now.
func (s *Sanction) ActiveAt(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

// EffectiveLevel is the highest severity among sanctions active at now.
func EffectiveLevel(list []*Sanction, now time.Time) int {
	level := 0
	for _, s := range list {
		if s.ActiveAt(now) && s.Severity > level {
			level = s.Severity
		}
	}
	return level
}

// ApplyRequest is a manual sanction from a reviewer.
type ApplyRequest struct {
	UserID        string `json:"userId"`
	Type          Type   `json:"sanctionType" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
	DurationHours *int   `json:"durationHours,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}
