package escrow

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/reputation"
)

var allowed = map[Status][]Status{
	StatusPending:              {StatusKYCRequired, StatusKYBRequired, StatusCancelled},
	StatusKYCRequired:          {StatusAMLCheck, StatusCancelled},
	StatusKYBRequired:          {StatusAMLCheck, StatusCancelled},
	StatusAMLCheck:             {StatusVerificationApproved, StatusCancelled},
	StatusVerificationApproved: {StatusEscrow, StatusCancelled},
	StatusEscrow:               {StatusActive},
	StatusActive:               {StatusServiceDelivery},
	StatusServiceDelivery:      {StatusBufferPeriod, StatusDisputed},
	StatusBufferPeriod:         {StatusCompleted, StatusDisputed},
	StatusDisputed:             {StatusArbitration, StatusBufferPeriod, StatusServiceDelivery},
	StatusArbitration:          {StatusCompleted, StatusCancelled},
}

func isAllowed(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

func TestTransition_EveryPair(t *testing.T) {
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			tx := &Transaction{Status: from}
			err := tx.transition(to)
			if isAllowed(from, to) {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, tx.Status)
				continue
			}

			require.Error(t, err, "%s -> %s should be rejected", from, to)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, from, te.From)
			assert.Equal(t, to, te.To)
			assert.Equal(t, from, tx.Status, "rejected transition must not change status")
		}
	}
}

func TestTransition_PendingToCompletedMessage(t *testing.T) {
	tx := &Transaction{Status: StatusPending}
	err := tx.transition(StatusCompleted)
	assert.EqualError(t, err, "invalid transition from pending to completed")
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusCompleted || s == StatusCancelled
		assert.Equal(t, want, s.IsTerminal(), s)
		if want {
			assert.Empty(t, transitions[s])
		}
	}
}

func validTx() *Transaction {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return &Transaction{
		ID:           "txn_1",
		BuyerID:      "alice",
		SellerID:     "bob",
		SellerKind:   SellerIndividual,
		Amount:       decimal.NewFromInt(100),
		Currency:     "usd",
		Status:       StatusKYCRequired,
		EscrowStatus: EscrowNotInitiated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestValidate(t *testing.T) {
	at := func(h int) *time.Time {
		v := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(h) * time.Hour)
		return &v
	}

	tests := []struct {
		name   string
		mutate func(tx *Transaction)
		ok     bool
	}{
		{"valid", func(tx *Transaction) {}, true},
		{"unknown status", func(tx *Transaction) { tx.Status = "limbo" }, false},
		{"zero amount", func(tx *Transaction) { tx.Amount = decimal.Zero }, false},
		{"held before escrow", func(tx *Transaction) { tx.EscrowStatus = EscrowHeld }, false},
		{"active without funds", func(tx *Transaction) { tx.Status = StatusActive }, false},
		{"released but not completed", func(tx *Transaction) {
			tx.Status = StatusBufferPeriod
			tx.EscrowStatus = EscrowReleased
			tx.HeldAt, tx.ReleasedAt = at(0), at(1)
			tx.BufferEndTime = at(10)
		}, false},
		{"completed and released", func(tx *Transaction) {
			tx.Status = StatusCompleted
			tx.EscrowStatus = EscrowReleased
			tx.HeldAt, tx.ReleasedAt = at(0), at(1)
		}, true},
		{"refunded but completed", func(tx *Transaction) {
			tx.Status = StatusCompleted
			tx.EscrowStatus = EscrowRefunded
			tx.HeldAt, tx.RefundedAt = at(0), at(1)
		}, false},
		{"buffer without end time", func(tx *Transaction) {
			tx.Status = StatusBufferPeriod
			tx.EscrowStatus = EscrowHeld
		}, false},
		{"end time outside buffer", func(tx *Transaction) {
			tx.Status = StatusEscrow
			tx.EscrowStatus = EscrowHeld
			tx.BufferEndTime = at(10)
		}, false},
		{"deadline after buffer end", func(tx *Transaction) {
			tx.Status = StatusBufferPeriod
			tx.EscrowStatus = EscrowHeld
			tx.BufferEndTime = at(24)
			tx.DisputeDeadline = at(25)
		}, false},
		{"deadline equals buffer end", func(tx *Transaction) {
			tx.Status = StatusBufferPeriod
			tx.EscrowStatus = EscrowHeld
			tx.BufferEndTime = at(24)
			tx.DisputeDeadline = at(24)
		}, true},
		{"disputed without dispute id", func(tx *Transaction) {
			tx.Status = StatusDisputed
			tx.EscrowStatus = EscrowHeld
		}, false},
		{"dispute id outside dispute", func(tx *Transaction) { tx.OpenDisputeID = "dsp_1" }, false},
		{"pending operation without token", func(tx *Transaction) { tx.PendingOperation = "hold" }, false},
		{"risk out of range", func(tx *Transaction) { tx.RiskScore = 101 }, false},
		{"escalation out of range", func(tx *Transaction) { tx.EscalationLevel = 4 }, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tx := validTx()
			tc.mutate(tx)
			err := tx.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidState)
			}
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	tx := validTx()
	end := time.Now()
	tx.BufferEndTime = &end
	tx.FraudFlags = tx.FraudFlags.Add("large_amount")

	cp := tx.Clone()
	*cp.BufferEndTime = end.Add(time.Hour)
	cp.FraudFlags[0] = "changed"

	assert.Equal(t, end, *tx.BufferEndTime)
	assert.Equal(t, "large_amount", string(tx.FraudFlags[0]))
}

func TestDisputeOpenAt_DeadlineExclusive(t *testing.T) {
	deadline := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	end := deadline.Add(24 * time.Hour)
	tx := &Transaction{Status: StatusBufferPeriod, DisputeDeadline: &deadline, BufferEndTime: &end}

	assert.True(t, tx.DisputeOpenAt(deadline.Add(-time.Nanosecond)))
	assert.False(t, tx.DisputeOpenAt(deadline))
	assert.False(t, tx.DisputeOpenAt(deadline.Add(time.Second)))

	tx.Status = StatusServiceDelivery
	assert.True(t, tx.DisputeOpenAt(deadline.Add(time.Hour)))
}

func seller(completed, valid int, tier reputation.Tier, sanction int) reputation.Snapshot {
	s := reputation.New("bob")
	s.CompletedTransactions = completed
	s.SuccessfulTransactions = completed - valid
	s.ValidDisputes = valid
	s.SellerTier = tier
	s.SanctionLevel = sanction
	return s
}

func TestPlanBuffer(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	def := config.DefaultPolicy().Buffer

	tests := []struct {
		name       string
		policy     config.BufferPolicy
		seller     reputation.Snapshot
		wantHours  int
		wantWindow int
	}{
		{"new seller gets base", def, seller(0, 0, reputation.TierNew, 0), 72, 24},
		{"fast release", def, seller(50, 0, reputation.TierTrusted, 0), 24, 24},
		{"established not fast", def, seller(10, 0, reputation.TierEstablished, 0), 48, 24},
		{"extended beats fast tier", def, seller(50, 10, reputation.TierElite, 0), 72, 24},
		{"sanctioned forces extended", def, seller(50, 0, reputation.TierElite, 1), 72, 24},
		{"window longer than fast buffer", config.BufferPolicy{
			BaseHours: 72, FastReleaseHours: 24, EstablishedHours: 48, ExtendedHours: 72, DisputeWindowHours: 36,
		}, seller(50, 0, reputation.TierTrusted, 0), 36, 36},
		{"clamped to bounds", config.BufferPolicy{
			BaseHours: 200, FastReleaseHours: 1, EstablishedHours: 48, ExtendedHours: 72, DisputeWindowHours: 24,
		}, seller(50, 0, reputation.TierTrusted, 0), 24, 24},
		{"window capped at max buffer", config.BufferPolicy{
			BaseHours: 72, FastReleaseHours: 24, EstablishedHours: 48, ExtendedHours: 72, DisputeWindowHours: 200,
		}, seller(50, 0, reputation.TierTrusted, 0), 72, 72},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := PlanBuffer(tc.policy, tc.seller, start)
			assert.Equal(t, tc.wantHours, plan.BufferHours)
			assert.Equal(t, tc.wantWindow, plan.DisputeWindowHours)
			assert.Equal(t, start.Add(time.Duration(tc.wantHours)*time.Hour), plan.End)
			assert.False(t, plan.DisputeDeadline.After(plan.End), "deadline must not pass buffer end")
		})
	}
}

func TestPlanBuffer_DeadlineNeverAfterEnd(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for _, hours := range []int{1, 24, 25, 48, 72, 100} {
		for _, window := range []int{0, 12, 24, 48, 72, 96} {
			p := config.BufferPolicy{BaseHours: hours, FastReleaseHours: hours, EstablishedHours: hours, ExtendedHours: 72, DisputeWindowHours: window}
			for _, s := range []reputation.Snapshot{
				seller(0, 0, reputation.TierNew, 0),
				seller(30, 0, reputation.TierElite, 0),
				seller(30, 5, reputation.TierEstablished, 0),
			} {
				plan := PlanBuffer(p, s, start)
				assert.False(t, plan.DisputeDeadline.After(plan.End), "hours=%d window=%d", hours, window)
				assert.GreaterOrEqual(t, plan.BufferHours, MinBufferHours)
				assert.LessOrEqual(t, plan.BufferHours, MaxBufferHours, "hours=%d window=%d", hours, window)
			}
		}
	}
}
