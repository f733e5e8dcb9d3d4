package sanctions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/reputation"
)

// DisputeCounter counts disputes raised against a user.
type DisputeCounter interface {
	CountAgainst(ctx context.Context, userID string, since time.Time) (int, error)
}

// ReputationService reads snapshots and records the effective sanction level.
type ReputationService interface {
	Get(ctx context.Context, userID string) (reputation.Snapshot, error)
	Record(ctx context.Context, e reputation.Event) error
}

// Engine evaluates automatic triggers and manages manual sanctions.
type Engine struct {
	store      Store
	reputation ReputationService
	disputes   DisputeCounter
	policy     config.SanctionPolicy
	events     events.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine creates a sanctions engine with the default thresholds.
func NewEngine(store Store, rep ReputationService, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		reputation: rep,
		policy:     config.DefaultPolicy().Sanctions,
		events:     events.Nop{},
		logger:     logger,
		now:        time.Now,
	}
}

// WithPolicy replaces the trigger thresholds.
func (e *Engine) WithPolicy(p config.SanctionPolicy) *Engine {
	e.policy = p
	return e
}

// WithDisputes enables the dispute-count trigger.
func (e *Engine) WithDisputes(c DisputeCounter) *Engine {
	e.disputes = c
	return e
}

// WithEvents sets the outbound event publisher.
func (e *Engine) WithEvents(p events.Publisher) *Engine {
	e.events = p
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate runs the history-based triggers for userID and returns the
// sanctions newly applied. Re-evaluating an unchanged history applies
// nothing.
func (e *Engine) Evaluate(ctx context.Context, userID string) ([]*Sanction, error) {
	var applied []*Sanction

	if e.disputes != nil && e.policy.DisputeCountThreshold > 0 {
		since := e.now().Add(-time.Duration(e.policy.DisputeWindowDays) * 24 * time.Hour)
		n, err := e.disputes.CountAgainst(ctx, userID, since)
		if err != nil {
			return nil, fmt.Errorf("count disputes: %w", err)
		}
		if n >= e.policy.DisputeCountThreshold {
			total, err := e.disputes.CountAgainst(ctx, userID, time.Time{})
			if err != nil {
				return nil, fmt.Errorf("count disputes: %w", err)
			}
			s, err := e.automatic(ctx, userID, TypeWarning, TriggerDisputeCount, "",
				fmt.Sprintf("%d disputes in %d days", n, e.policy.DisputeWindowDays),
				fmt.Sprintf("disputes:%d", total), e.policy.WarningHours)
			if err != nil {
				return applied, err
			}
			if s != nil {
				applied = append(applied, s)
			}
		}
	}

	if e.reputation != nil {
		snap, err := e.reputation.Get(ctx, userID)
		if err != nil {
			return applied, fmt.Errorf("get reputation: %w", err)
		}
		ratio := snap.ValidDisputeRatio()
		if snap.CompletedTransactions >= e.policy.MinCompletedForRatio && ratio >= e.policy.ValidDisputeRatio {
			s, err := e.automatic(ctx, userID, TypeRestriction, TriggerDisputeCount, "",
				fmt.Sprintf("valid dispute ratio %.2f over %d transactions", ratio, snap.CompletedTransactions),
				fmt.Sprintf("valid:%d/completed:%d", snap.ValidDisputes, snap.CompletedTransactions),
				e.policy.RestrictionHours)
			if err != nil {
				return applied, err
			}
			if s != nil {
				applied = append(applied, s)
			}
		}
	}
	return applied, nil
}

// EvaluateFraud suspends userID when a transaction at or above the critical
// risk score produced an auto-flagged dispute. It returns nil when nothing
// was applied.
func (e *Engine) EvaluateFraud(ctx context.Context, userID, transactionID string, riskScore float64, autoFlagged bool) (*Sanction, error) {
	if !autoFlagged || riskScore < e.policy.CriticalRiskScore {
		return nil, nil
	}
	return e.automatic(ctx, userID, TypeSuspension, TriggerFraudScore, transactionID,
		fmt.Sprintf("risk score %.1f with auto-flagged dispute", riskScore), "transaction:"+transactionID, 0)
}

// automatic applies a system sanction unless an equivalent one is active
// or a reviewer revoked one raised on the same evidence. hours <= 0 means
// permanent until review.
func (e *Engine) automatic(ctx context.Context, userID string, typ Type, trigger Trigger, txID, reason, evidence string, hours int) (*Sanction, error) {
	s := e.build(userID, typ, trigger, txID, reason, hours)
	s.AutomaticSanction = true
	s.Evidence = evidence
	created, err := e.store.CreateIfAbsent(ctx, s, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", typ, err)
	}
	if !created {
		return nil, nil
	}
	e.applied(ctx, s)
	return s, nil
}

// Apply records a manual sanction. Ban is only reachable here.
func (e *Engine) Apply(ctx context.Context, req ApplyRequest, appliedBy string) (*Sanction, error) {
	if req.UserID == "" || req.Reason == "" {
		return nil, fmt.Errorf("%w: userId and reason are required", ErrInvalidRequest)
	}
	if req.Type.Severity() == 0 {
		return nil, fmt.Errorf("%w: unknown sanction type %q", ErrInvalidRequest, req.Type)
	}
	hours := 0
	if req.DurationHours != nil {
		if *req.DurationHours <= 0 {
			return nil, fmt.Errorf("%w: durationHours must be positive", ErrInvalidRequest)
		}
		hours = *req.DurationHours
	}
	s := e.build(req.UserID, req.Type, TriggerManual, req.TransactionID, req.Reason, hours)
	if err := e.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("apply %s: %w", req.Type, err)
	}
	e.logger.Info("manual sanction applied", "sanctionId", s.ID, "userId", s.UserID, "type", s.Type, "by", appliedBy)
	e.applied(ctx, s)
	return s, nil
}

func (e *Engine) build(userID string, typ Type, trigger Trigger, txID, reason string, hours int) *Sanction {
	now := e.now()
	s := &Sanction{
		ID:            idgen.WithPrefix(idgen.PrefixSanction),
		UserID:        userID,
		Type:          typ,
		Severity:      typ.Severity(),
		TriggeredBy:   trigger,
		TransactionID: txID,
		Reason:        reason,
		IsActive:      true,
		CreatedAt:     now,
	}
	if hours > 0 {
		expires := now.Add(time.Duration(hours) * time.Hour)
		s.DurationHours = &hours
		s.ExpiresAt = &expires
	}
	return s
}

func (e *Engine) applied(ctx context.Context, s *Sanction) {
	metrics.SanctionsAppliedTotal.WithLabelValues(string(s.Type), string(s.TriggeredBy)).Inc()
	e.logger.Warn("sanction applied",
		"sanctionId", s.ID, "userId", s.UserID, "type", s.Type, "trigger", s.TriggeredBy, "reason", s.Reason)
	e.events.Publish(ctx, events.Envelope{
		Type:          events.SanctionApplied,
		SanctionID:    s.ID,
		UserID:        s.UserID,
		TransactionID: s.TransactionID,
		Reason:        s.Reason,
		Data: map[string]any{
			"sanctionType": string(s.Type),
			"severity":     s.Severity,
			"triggeredBy":  string(s.TriggeredBy),
			"automatic":    s.AutomaticSanction,
		},
	})
	e.syncLevel(ctx, s.UserID, s.ID+":applied")
}

// Revoke deactivates a sanction. The record is kept.
func (e *Engine) Revoke(ctx context.Context, id, revokedBy string) (*Sanction, error) {
	if revokedBy == "" {
		return nil, fmt.Errorf("%w: revokedBy is required", ErrInvalidRequest)
	}
	s, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.RevokedAt != nil {
		return nil, ErrAlreadyRevoked
	}
	now := e.now()
	s.IsActive = false
	s.RevokedAt = &now
	s.RevokedBy = revokedBy
	if err := e.store.Update(ctx, s); err != nil {
		return nil, err
	}

	e.logger.Info("sanction revoked", "sanctionId", s.ID, "userId", s.UserID, "by", revokedBy)
	e.events.Publish(ctx, events.Envelope{
		Type:       events.SanctionRevoked,
		SanctionID: s.ID,
		UserID:     s.UserID,
		Reason:     "revoked_by:" + revokedBy,
	})
	e.syncLevel(ctx, s.UserID, s.ID+":revoked")
	return s, nil
}

// ExpireDue deactivates sanctions whose duration has run out.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	expired, err := e.store.ListExpired(ctx, e.now(), 100)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range expired {
		s.IsActive = false
		if err := e.store.Update(ctx, s); err != nil {
			e.logger.Warn("failed to expire sanction", "sanctionId", s.ID, "error", err)
			continue
		}
		n++
		e.events.Publish(ctx, events.Envelope{
			Type:       events.SanctionExpired,
			SanctionID: s.ID,
			UserID:     s.UserID,
		})
		e.syncLevel(ctx, s.UserID, s.ID+":expired")
	}
	return n, nil
}

// List returns every sanction recorded for userID, newest first.
func (e *Engine) List(ctx context.Context, userID string) ([]*Sanction, error) {
	return e.store.ListByUser(ctx, userID)
}

// EffectiveLevel is the maximum severity among the user's active sanctions.
func (e *Engine) EffectiveLevel(ctx context.Context, userID string) (int, error) {
	list, err := e.store.ListByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return EffectiveLevel(list, e.now()), nil
}

// CheckEligibility blocks suspended or banned users from any new
// transaction and restricted users from selling.
func (e *Engine) CheckEligibility(ctx context.Context, userID string, asSeller bool) error {
	level, err := e.EffectiveLevel(ctx, userID)
	if err != nil {
		return fmt.Errorf("check sanctions: %w", err)
	}
	switch {
	case level >= SeveritySuspension:
		return ErrSuspended
	case level >= SeverityRestriction && asSeller:
		return ErrRestricted
	}
	return nil
}

// syncLevel writes the effective level to the user's reputation snapshot.
func (e *Engine) syncLevel(ctx context.Context, userID, cause string) {
	if e.reputation == nil {
		return
	}
	level, err := e.EffectiveLevel(ctx, userID)
	if err != nil {
		e.logger.Error("failed to compute sanction level", "userId", userID, "error", err)
		return
	}
	err = e.reputation.Record(ctx, reputation.Event{
		ID:     "sanction-level:" + cause,
		Kind:   reputation.EventSanctionLevelChanged,
		UserID: userID,
		Level:  level,
		At:     e.now(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("failed to record sanction level", "userId", userID, "level", level, "error", err)
	}
}
