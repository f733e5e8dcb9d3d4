// Package risk scores escrow transactions from counterparty history,
// dispute history, amount and verification results.
//
// Scoring is a pure function of its input: five weighted factors, each in
// [0,1], are combined into a 0-100 score which maps onto an escalation
// level 0..3. Factors that cross a threshold also raise a fraud indicator.
package risk

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// Indicator is a typed fraud signal attached to a transaction.
type Indicator string

const (
	IndicatorNewCounterparty       Indicator = "new_counterparty"
	IndicatorHighDisputeRate       Indicator = "high_dispute_rate"
	IndicatorRepeatDisputes        Indicator = "repeat_disputes"
	IndicatorLargeAmount           Indicator = "large_amount"
	IndicatorVeryLargeAmount       Indicator = "very_large_amount"
	IndicatorVerificationFlagged   Indicator = "verification_flagged"
	IndicatorVerificationBlocked   Indicator = "verification_blocked"
	IndicatorActiveSanction        Indicator = "active_sanction"
	IndicatorEscrowOperationFailed Indicator = "escrow_operation_failed"
	IndicatorDisputeKeywords       Indicator = "dispute_keywords"
)

// Indicators is a sorted set of indicators.
type Indicators []Indicator

// Add inserts i, keeping the set sorted and unique.
func (s Indicators) Add(i Indicator) Indicators {
	idx, found := slices.BinarySearch(s, i)
	if found {
		return s
	}
	return slices.Insert(s, idx, i)
}

// Has reports whether i is in the set.
func (s Indicators) Has(i Indicator) bool {
	_, found := slices.BinarySearch(s, i)
	return found
}

// Merge returns the union of s and other.
func (s Indicators) Merge(other Indicators) Indicators {
	out := slices.Clone(s)
	for _, i := range other {
		out = out.Add(i)
	}
	return out
}

// MarshalJSON always emits an array, never null.
func (s Indicators) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Indicator(s))
}

// Escalation levels.
const (
	LevelNone     = 0
	LevelElevated = 1
	LevelHigh     = 2
	LevelCritical = 3
)

// Score thresholds for each level.
const (
	ElevatedScore = 40
	HighScore     = 65
	CriticalScore = 85
)

// LevelFor maps a 0-100 score onto an escalation level.
func LevelFor(score float64) int {
	switch {
	case score >= CriticalScore:
		return LevelCritical
	case score >= HighScore:
		return LevelHigh
	case score >= ElevatedScore:
		return LevelElevated
	default:
		return LevelNone
	}
}

// Assessment is the result of scoring one transaction.
type Assessment struct {
	TransactionID   string             `json:"transactionId"`
	Score           float64            `json:"score"`
	EscalationLevel int                `json:"escalationLevel"`
	Indicators      Indicators         `json:"indicators"`
	Factors         map[string]float64 `json:"factors"`
	EvaluatedAt     time.Time          `json:"evaluatedAt"`
}

// Store keeps an audit trail of assessments.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Assessment, error)
}
