package dispute

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/escalation"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/sanctions"
	"github.com/mbd888/escrowd/internal/verification"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// world wires the dispute engine to real in-memory collaborators.
type world struct {
	clock     *clock
	events    *events.Recorder
	rail      *custody.MemoryRail
	txs       *escrow.Service
	queue     *escalation.Queue
	sanctions *sanctions.Engine
	rep       *reputation.Service
	store     *MemoryStore
	engine    *Engine
}

func newWorld(t *testing.T) *world {
	t.Helper()
	w := &world{
		clock:  &clock{now: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)},
		events: &events.Recorder{},
		rail:   custody.NewMemoryRail(),
		store:  NewMemoryStore(),
	}
	w.rep = reputation.NewService(reputation.NewMemoryStore(), nil).WithClock(w.clock.Now)
	w.sanctions = sanctions.NewEngine(sanctions.NewMemoryStore(), w.rep, nil).
		WithDisputes(w.store).
		WithEvents(w.events).
		WithClock(w.clock.Now)
	w.queue = escalation.NewQueue(escalation.NewMemoryStore(), nil).
		WithEvents(w.events).
		WithClock(w.clock.Now)

	policy := config.DefaultPolicy()
	policy.Settlement.BaseDelayMs = 1
	w.txs = escrow.NewService(escrow.NewMemoryStore().WithClock(w.clock.Now),
		custody.NewAdapter(w.rail, time.Second, slog.Default()), slog.Default()).
		WithPolicy(policy).
		WithClock(w.clock.Now).
		WithVerifier(verification.NewMemoryProvider()).
		WithReputation(w.rep).
		WithSanctions(w.sanctions).
		WithEscalator(w.queue).
		WithEvents(w.events)

	w.engine = NewEngine(w.store, w.txs, w.queue, nil).
		WithSanctions(w.sanctions).
		WithReputation(w.rep).
		WithEvents(w.events).
		WithClock(w.clock.Now)
	w.queue.WithAssignHook(w.engine.Assigned).WithRaiseHook(w.engine.Raised)
	return w
}

// inBuffer creates a transaction between alice (buyer) and seller and
// drives it into buffer_period.
func (w *world) inBuffer(t *testing.T, seller string) *escrow.Transaction {
	t.Helper()
	tx := w.delivered(t, seller)
	tx, err := w.txs.ConfirmDelivery(context.Background(), escrow.DeliveryConfirmation{TransactionID: tx.ID, ConfirmedBy: "alice"})
	require.NoError(t, err)
	require.Equal(t, escrow.StatusBufferPeriod, tx.Status)
	return tx
}

func (w *world) delivered(t *testing.T, seller string) *escrow.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := w.txs.Create(ctx, escrow.CreateRequest{BuyerID: "alice", SellerID: seller, Amount: "250"})
	require.NoError(t, err)
	tx, _, err = w.txs.RunVerification(ctx, tx.ID)
	require.NoError(t, err)
	_, err = w.txs.Fund(ctx, tx.ID, "alice")
	require.NoError(t, err)
	_, err = w.txs.Start(ctx, tx.ID, seller)
	require.NoError(t, err)
	tx, err = w.txs.MarkDelivered(ctx, tx.ID, seller)
	require.NoError(t, err)
	return tx
}

func (w *world) open(t *testing.T, txID, raisedBy string, typ Type) *Dispute {
	t.Helper()
	d, err := w.engine.Create(context.Background(), CreateRequest{
		TransactionID: txID,
		RaisedBy:      raisedBy,
		Type:          typ,
		Reason:        "not as described",
	})
	require.NoError(t, err)
	return d
}

func (w *world) tx(t *testing.T, id string) *escrow.Transaction {
	t.Helper()
	tx, err := w.txs.Get(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func TestCreate_OpensNegotiation(t *testing.T) {
	w := newWorld(t)
	tx := w.inBuffer(t, "bob")

	d := w.open(t, tx.ID, "alice", TypeQualityIssue)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, PriorityNormal, d.PriorityLevel)
	assert.False(t, d.AutoFlagged)
	assert.Equal(t, "bob", d.RespondentID)
	require.NotNil(t, d.NegotiationDeadline)
	assert.Equal(t, w.clock.Now().Add(72*time.Hour), *d.NegotiationDeadline)
	assert.Nil(t, d.SLADeadline)

	got := w.tx(t, tx.ID)
	assert.Equal(t, escrow.StatusDisputed, got.Status)
	assert.Equal(t, d.ID, got.OpenDisputeID)

	snap, err := w.rep.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.DisputesAgainst)
	assert.Len(t, w.events.OfType(events.DisputeCreated), 1)
	assert.Empty(t, w.events.OfType(events.DisputeEscalated))
}

func TestCreate_ScamEscalatesImmediately(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")

	d := w.open(t, tx.ID, "alice", TypeScam)
	assert.Equal(t, PriorityCritical, d.PriorityLevel)
	assert.True(t, d.AutoFlagged)
	assert.True(t, d.EscalatedToHuman)
	assert.Equal(t, StatusInvestigating, d.Status)
	assert.Nil(t, d.NegotiationDeadline)
	require.NotNil(t, d.SLADeadline)
	assert.Equal(t, w.clock.Now().Add(4*time.Hour), *d.SLADeadline)
	assert.Equal(t, int64(1), d.QueuePosition)

	assert.Equal(t, escrow.StatusArbitration, w.tx(t, tx.ID).Status)

	entries, err := w.queue.List(ctx, escalation.StatusWaiting, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, escalation.QueueCritical, entries[0].QueueType)
	assert.Equal(t, d.ID, entries[0].DisputeID)
	assert.Len(t, w.events.OfType(events.DisputeEscalated), 1)
}

func TestCreate_FromServiceDelivery(t *testing.T) {
	w := newWorld(t)
	tx := w.delivered(t, "bob")

	d := w.open(t, tx.ID, "alice", TypeItemNotReceived)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, escrow.StatusDisputed, w.tx(t, tx.ID).Status)
}

func TestCreate_Rejections(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")

	_, err := w.engine.Create(ctx, CreateRequest{TransactionID: tx.ID, RaisedBy: "alice", Type: "grudge", Reason: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = w.engine.Create(ctx, CreateRequest{TransactionID: tx.ID, RaisedBy: "alice", Type: TypeScam})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = w.engine.Create(ctx, CreateRequest{TransactionID: tx.ID, RaisedBy: "alice", Type: TypeScam, Reason: "x",
		Evidence: []Evidence{{Note: "missing kind"}}})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = w.engine.Create(ctx, CreateRequest{TransactionID: tx.ID, RaisedBy: "mallory", Type: TypeScam, Reason: "x"})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = w.engine.Create(ctx, CreateRequest{TransactionID: "txn_missing", RaisedBy: "alice", Type: TypeScam, Reason: "x"})
	assert.ErrorIs(t, err, escrow.ErrTransactionNotFound)

	w.open(t, tx.ID, "alice", TypeQualityIssue)
	_, err = w.engine.Create(ctx, CreateRequest{TransactionID: tx.ID, RaisedBy: "bob", Type: TypeQualityIssue, Reason: "x"})
	assert.ErrorIs(t, err, ErrDuplicateOpenDispute)

	list, err := w.engine.ListByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCreate_NotDisputable(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	tx, err := w.txs.Create(ctx, escrow.CreateRequest{BuyerID: "alice", SellerID: "bob", Amount: "10"})
	require.NoError(t, err)
	_, err = w.engine.Create(ctx, CreateRequest{TransactionID: tx.ID, RaisedBy: "alice", Type: TypeScam, Reason: "x"})
	assert.ErrorIs(t, err, ErrTransactionNotDisputable)

	buffered := w.inBuffer(t, "bob")
	w.clock.Advance(24 * time.Hour)
	_, err = w.engine.Create(ctx, CreateRequest{TransactionID: buffered.ID, RaisedBy: "alice", Type: TypeScam, Reason: "x"})
	assert.ErrorIs(t, err, ErrTransactionNotDisputable, "deadline is exclusive")

	list, err := w.engine.ListByTransaction(ctx, buffered.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, escrow.StatusBufferPeriod, w.tx(t, buffered.ID).Status)
}

func TestCreate_ConcurrentOnlyOneOpens(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		raiser := "alice"
		if i%2 == 1 {
			raiser = "bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.engine.Create(ctx, CreateRequest{TransactionID: tx.ID, RaisedBy: raiser, Type: TypeQualityIssue, Reason: "x"})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrDuplicateOpenDispute)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	list, err := w.engine.ListByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWithdraw_ResumesFrozenBuffer(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	start := *tx.BufferStartTime

	w.clock.Advance(10 * time.Hour)
	d := w.open(t, tx.ID, "alice", TypeQualityIssue)

	w.clock.Advance(5 * time.Hour)
	_, err := w.engine.Withdraw(ctx, d.ID, "bob")
	assert.ErrorIs(t, err, ErrUnauthorized, "only the raiser withdraws")

	withdrawn, err := w.engine.Withdraw(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, StatusClosed, withdrawn.Status)
	assert.NotNil(t, withdrawn.ClosedAt)
	assert.Nil(t, withdrawn.NegotiationDeadline)

	got := w.tx(t, tx.ID)
	assert.Equal(t, escrow.StatusBufferPeriod, got.Status)
	assert.Empty(t, got.OpenDisputeID)
	assert.Equal(t, start.Add(77*time.Hour), *got.BufferEndTime)
	assert.Equal(t, start.Add(29*time.Hour), *got.DisputeDeadline)
	assert.Len(t, w.events.OfType(events.DisputeWithdrawn), 1)

	_, err = w.engine.Withdraw(ctx, d.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestWithdraw_RefusedAfterEscalation(t *testing.T) {
	w := newWorld(t)
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeScam)

	_, err := w.engine.Withdraw(context.Background(), d.ID, "alice")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, escrow.StatusArbitration, w.tx(t, tx.ID).Status)
}

func TestEscalate_ByEitherParty(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeQualityIssue)

	_, err := w.engine.Escalate(ctx, d.ID, "mallory")
	assert.ErrorIs(t, err, ErrUnauthorized)

	escalated, err := w.engine.Escalate(ctx, d.ID, "bob")
	require.NoError(t, err)
	assert.True(t, escalated.EscalatedToHuman)
	assert.Equal(t, StatusInvestigating, escalated.Status)
	assert.Nil(t, escalated.NegotiationDeadline)
	assert.Equal(t, w.clock.Now().Add(72*time.Hour), *escalated.SLADeadline, "normal priority goes to the standard queue")

	again, err := w.engine.Escalate(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, escalated.EscalatedAt, again.EscalatedAt)
	assert.Len(t, w.events.OfType(events.DisputeEscalated), 1)
}

func TestSLABreach_MovesQueuePosition(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	for _, id := range []string{"dsp_a", "dsp_b"} {
		_, err := w.queue.EnqueueDispute(ctx, id, "txn_"+id, "high")
		require.NoError(t, err)
	}

	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeQualityIssue)
	escalated, err := w.engine.Escalate(ctx, d.ID, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, escalated.QueuePosition)

	w.clock.Advance(73 * time.Hour)
	_, err = w.queue.CheckSLA(ctx)
	require.NoError(t, err)

	open, err := w.queue.List(ctx, "", 0)
	require.NoError(t, err)
	var entry *escalation.Entry
	for _, e := range open {
		if e.DisputeID == d.ID {
			entry = e
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, escalation.QueuePriority, entry.QueueType)
	assert.EqualValues(t, 3, entry.Position)

	got, err := w.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Position, got.QueuePosition)
}

func TestCheckNegotiations_EscalatesExpired(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeItemNotReceived)

	w.clock.Advance(71 * time.Hour)
	assert.Zero(t, w.engine.CheckNegotiations(ctx))

	w.clock.Advance(time.Hour)
	assert.Equal(t, 1, w.engine.CheckNegotiations(ctx))
	assert.Zero(t, w.engine.CheckNegotiations(ctx))

	got, err := w.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, got.EscalatedToHuman)
	assert.Equal(t, escrow.StatusArbitration, w.tx(t, tx.ID).Status)

	escalated := w.events.OfType(events.DisputeEscalated)
	require.Len(t, escalated, 1)
	assert.Equal(t, "negotiation_expired", escalated[0].Reason)
}

func TestTimer_EscalatesInBackground(t *testing.T) {
	w := newWorld(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeItemNotReceived)
	w.clock.Advance(73 * time.Hour)

	timer := NewTimer(w.engine, slog.Default()).WithInterval(5 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		got, err := w.engine.Get(context.Background(), d.ID)
		return err == nil && got.EscalatedToHuman
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestResolve_RefundUpholdsBuyer(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeScam)

	resolved, err := w.engine.Resolve(ctx, d.ID, "arbiter_1", ResolveRequest{Resolution: escrow.ResolutionRefund, Notes: "no tracking"})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)
	assert.Equal(t, "arbiter_1", resolved.ResolvedBy)
	assert.NotNil(t, resolved.ResolvedAt)

	got := w.tx(t, tx.ID)
	assert.Equal(t, escrow.StatusCancelled, got.Status)
	assert.Equal(t, escrow.EscrowRefunded, got.EscrowStatus)
	assert.Equal(t, 1, w.rail.Effects(custody.OpRefund))

	open, err := w.queue.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, open, "escalation entry completed")

	snap, err := w.rep.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ValidDisputes)
	assert.Len(t, w.events.OfType(events.DisputeResolved), 1)

	again, err := w.engine.Resolve(ctx, d.ID, "arbiter_1", ResolveRequest{Resolution: escrow.ResolutionRefund})
	require.NoError(t, err)
	assert.Equal(t, resolved.ResolvedAt, again.ResolvedAt)
	_, err = w.engine.Resolve(ctx, d.ID, "arbiter_1", ResolveRequest{Resolution: escrow.ResolutionRelease})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, w.rail.Effects(custody.OpRefund))
}

func TestResolve_ReleaseRejectsBuyerClaim(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeScam)

	_, err := w.engine.Resolve(ctx, d.ID, "arbiter_1", ResolveRequest{Resolution: escrow.ResolutionRelease})
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCompleted, w.tx(t, tx.ID).Status)

	snap, err := w.rep.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, snap.ValidDisputes)
}

func TestResolve_SellerRaiserWinsOnRelease(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "bob", TypeUnauthorizedCharge)
	assert.Equal(t, "alice", d.RespondentID)

	_, err := w.engine.Escalate(ctx, d.ID, "bob")
	require.NoError(t, err)
	_, err = w.engine.Resolve(ctx, d.ID, "arbiter_1", ResolveRequest{Resolution: escrow.ResolutionRelease})
	require.NoError(t, err)

	snap, err := w.rep.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.ValidDisputes)
}

func TestResolve_Rejections(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeQualityIssue)

	_, err := w.engine.Resolve(ctx, d.ID, "arbiter_1", ResolveRequest{Resolution: escrow.ResolutionRefund})
	assert.ErrorIs(t, err, ErrInvalidState, "negotiation has not been escalated")
	_, err = w.engine.Resolve(ctx, d.ID, "arbiter_1", ResolveRequest{Resolution: "split"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = w.engine.Resolve(ctx, d.ID, "", ResolveRequest{Resolution: escrow.ResolutionRefund})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = w.engine.Resolve(ctx, "dsp_missing", "arbiter_1", ResolveRequest{Resolution: escrow.ResolutionRefund})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolve_SettlementFailureIsEscalated(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeScam)
	w.rail.FailNext(custody.OpRefund, 3)

	resolved, err := w.engine.Resolve(ctx, d.ID, "arbiter_1", ResolveRequest{Resolution: escrow.ResolutionRefund})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)

	got := w.tx(t, tx.ID)
	assert.Equal(t, escrow.StatusArbitration, got.Status)
	assert.NotNil(t, got.OperationFailedAt)
	assert.Equal(t, 3, got.EscalationLevel)

	open, err := w.queue.List(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, escalation.KindEscrowOperation, open[0].Kind)

	got, err = w.txs.RetryEscrowOperation(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCancelled, got.Status)
	assert.Equal(t, 1, w.rail.Effects(custody.OpRefund))

	open, err = w.queue.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, open, "a settled refund leaves nothing for agents")
}

func TestClaim_RecordsAssignedAgent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	tx := w.inBuffer(t, "bob")
	d := w.open(t, tx.ID, "alice", TypeScam)

	entry, err := w.queue.Claim(ctx, "agent_1")
	require.NoError(t, err)
	assert.Equal(t, d.ID, entry.DisputeID)

	got, err := w.engine.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent_1", got.AssignedAgent)
	assigned := w.events.OfType(events.DisputeAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, "agent_1", assigned[0].UserID)
}

func TestRepeatDisputesWarnRespondent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tx := w.inBuffer(t, "bob")
		w.open(t, tx.ID, "alice", TypeQualityIssue)
	}

	list, err := w.sanctions.List(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sanctions.TypeWarning, list[0].Type)
	assert.Equal(t, sanctions.TriggerDisputeCount, list[0].TriggeredBy)

	tx := w.inBuffer(t, "bob")
	w.open(t, tx.ID, "alice", TypeQualityIssue)
	list, err = w.sanctions.List(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, list, 1, "an active warning is not duplicated")
}

func TestFraudScoreSuspendsRespondent(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	sp := config.DefaultPolicy().Sanctions
	sp.CriticalRiskScore = 0
	w.sanctions.WithPolicy(sp)

	tx := w.inBuffer(t, "bob")
	w.open(t, tx.ID, "alice", TypeScam)

	assert.True(t, w.tx(t, tx.ID).AutoSanctioned)
	level, err := w.sanctions.EffectiveLevel(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 4, level)

	_, err = w.txs.Create(ctx, escrow.CreateRequest{BuyerID: "carol", SellerID: "bob", Amount: "10"})
	assert.ErrorIs(t, err, escrow.ErrSanctioned)
	assert.ErrorIs(t, err, sanctions.ErrSuspended)
}

func TestNonFlaggedDisputeDoesNotSuspend(t *testing.T) {
	w := newWorld(t)
	sp := config.DefaultPolicy().Sanctions
	sp.CriticalRiskScore = 0
	w.sanctions.WithPolicy(sp)

	tx := w.inBuffer(t, "bob")
	w.open(t, tx.ID, "alice", TypeQualityIssue)
	assert.False(t, w.tx(t, tx.ID).AutoSanctioned)
}
