package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy holds the tunable timing, risk and sanction thresholds.
type Policy struct {
	Buffer     BufferPolicy     `yaml:"buffer"`
	Dispute    DisputePolicy    `yaml:"dispute"`
	Escalation EscalationPolicy `yaml:"escalation"`
	Sanctions  SanctionPolicy   `yaml:"sanctions"`
	Risk       RiskPolicy       `yaml:"risk"`
	Settlement SettlementPolicy `yaml:"settlement"`
}

type BufferPolicy struct {
	BaseHours          int `yaml:"base_hours"`
	FastReleaseHours   int `yaml:"fast_release_hours"`
	EstablishedHours   int `yaml:"established_hours"`
	ExtendedHours      int `yaml:"extended_hours"`
	DisputeWindowHours int `yaml:"dispute_window_hours"`
}

type DisputePolicy struct {
	NegotiationHours   int `yaml:"negotiation_hours"`
	HighConfidence     int `yaml:"high_confidence"`
	CriticalConfidence int `yaml:"critical_confidence"`
}

type EscalationPolicy struct {
	StandardSLAHours int `yaml:"standard_sla_hours"`
	PrioritySLAHours int `yaml:"priority_sla_hours"`
	CriticalSLAHours int `yaml:"critical_sla_hours"`
}

type SanctionPolicy struct {
	DisputeCountThreshold int     `yaml:"dispute_count_threshold"`
	DisputeWindowDays     int     `yaml:"dispute_window_days"`
	ValidDisputeRatio     float64 `yaml:"valid_dispute_ratio"`
	MinCompletedForRatio  int     `yaml:"min_completed_for_ratio"`
	WarningHours          int     `yaml:"warning_hours"`
	RestrictionHours      int     `yaml:"restriction_hours"`
	CriticalRiskScore     float64 `yaml:"critical_risk_score"`
}

type RiskPolicy struct {
	LargeAmount     string `yaml:"large_amount"`
	VeryLargeAmount string `yaml:"very_large_amount"`
}

type SettlementPolicy struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
}

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Buffer: BufferPolicy{
			BaseHours:          72,
			FastReleaseHours:   24,
			EstablishedHours:   48,
			ExtendedHours:      72,
			DisputeWindowHours: 24,
		},
		Dispute: DisputePolicy{
			NegotiationHours:   72,
			HighConfidence:     60,
			CriticalConfidence: 85,
		},
		Escalation: EscalationPolicy{
			StandardSLAHours: 72,
			PrioritySLAHours: 24,
			CriticalSLAHours: 4,
		},
		Sanctions: SanctionPolicy{
			DisputeCountThreshold: 3,
			DisputeWindowDays:     30,
			ValidDisputeRatio:     0.2,
			MinCompletedForRatio:  5,
			WarningHours:          168,
			RestrictionHours:      720,
			CriticalRiskScore:     85,
		},
		Risk: RiskPolicy{
			LargeAmount:     "5000",
			VeryLargeAmount: "25000",
		},
		Settlement: SettlementPolicy{
			MaxAttempts: 3,
			BaseDelayMs: 200,
		},
	}
}

// LoadPolicy reads a YAML policy file on top of DefaultPolicy. Keys absent
// from the file keep their default.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file: %w", err)
	}
	return p, nil
}

// Validate checks that thresholds are in range.
func (p Policy) Validate() error {
	b := p.Buffer
	for name, h := range map[string]int{
		"buffer.base_hours":         b.BaseHours,
		"buffer.fast_release_hours": b.FastReleaseHours,
		"buffer.established_hours":  b.EstablishedHours,
		"buffer.extended_hours":     b.ExtendedHours,
	} {
		if h < 24 || h > 72 {
			return fmt.Errorf("%s must be between 24 and 72, got %d", name, h)
		}
	}
	if b.DisputeWindowHours <= 0 || b.DisputeWindowHours > 72 {
		return fmt.Errorf("buffer.dispute_window_hours must be between 1 and 72, got %d", b.DisputeWindowHours)
	}
	e := p.Escalation
	if e.StandardSLAHours <= 0 || e.PrioritySLAHours <= 0 || e.CriticalSLAHours <= 0 {
		return fmt.Errorf("escalation SLA hours must be positive")
	}
	if p.Dispute.NegotiationHours <= 0 {
		return fmt.Errorf("dispute.negotiation_hours must be positive")
	}
	s := p.Sanctions
	if s.ValidDisputeRatio <= 0 || s.ValidDisputeRatio > 1 {
		return fmt.Errorf("sanctions.valid_dispute_ratio must be in (0,1], got %v", s.ValidDisputeRatio)
	}
	if s.DisputeCountThreshold < 1 || s.DisputeWindowDays < 1 {
		return fmt.Errorf("sanctions dispute count threshold and window must be positive")
	}
	if p.Settlement.MaxAttempts < 1 {
		return fmt.Errorf("settlement.max_attempts must be at least 1")
	}
	return nil
}
