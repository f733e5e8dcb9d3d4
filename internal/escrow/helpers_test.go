package escrow

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/verification"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeReputation struct {
	mu     sync.Mutex
	snaps  map[string]reputation.Snapshot
	events []reputation.Event
}

func (f *fakeReputation) Get(_ context.Context, userID string) (reputation.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.snaps[userID]; ok {
		return s, nil
	}
	return reputation.New(userID), nil
}

func (f *fakeReputation) Record(_ context.Context, e reputation.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeReputation) set(s reputation.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[s.UserID] = s
}

type fakeEscalator struct {
	mu        sync.Mutex
	entries   []string
	completed []string
}

func (f *fakeEscalator) EnqueueOperationFailure(_ context.Context, transactionID, operation, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, transactionID+"/"+operation)
	return nil
}

func (f *fakeEscalator) CompleteOperationFailure(_ context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, transactionID)
	return nil
}

func (f *fakeEscalator) closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...)
}

func (f *fakeEscalator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeGate struct {
	blocked map[string]error
}

func (g fakeGate) CheckEligibility(_ context.Context, userID string, _ bool) error {
	return g.blocked[userID]
}

type harness struct {
	svc      *Service
	store    *MemoryStore
	rail     *custody.MemoryRail
	clock    *fakeClock
	events   *events.Recorder
	rep      *fakeReputation
	esc      *fakeEscalator
	provider *verification.MemoryProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := newFakeClock()
	store := NewMemoryStore().WithClock(clock.Now)
	rail := custody.NewMemoryRail()
	adapter := custody.NewAdapter(rail, time.Second, slog.Default())

	policy := config.DefaultPolicy()
	policy.Settlement.BaseDelayMs = 1

	h := &harness{
		store:    store,
		rail:     rail,
		clock:    clock,
		events:   &events.Recorder{},
		rep:      &fakeReputation{snaps: map[string]reputation.Snapshot{}},
		esc:      &fakeEscalator{},
		provider: verification.NewMemoryProvider(),
	}
	h.svc = NewService(store, adapter, slog.Default()).
		WithPolicy(policy).
		WithClock(clock.Now).
		WithVerifier(h.provider).
		WithReputation(h.rep).
		WithEscalator(h.esc).
		WithEvents(h.events)
	return h
}

func (h *harness) create(t *testing.T, kind SellerKind) *Transaction {
	t.Helper()
	tx, err := h.svc.Create(context.Background(), CreateRequest{
		BuyerID:    "alice",
		SellerID:   "bob",
		SellerKind: kind,
		Amount:     "100",
	})
	require.NoError(t, err)
	return tx
}

// funded drives a new transaction through verification and funding.
func (h *harness) funded(t *testing.T) *Transaction {
	t.Helper()
	ctx := context.Background()
	tx := h.create(t, SellerIndividual)
	tx, _, err := h.svc.RunVerification(ctx, tx.ID)
	require.NoError(t, err)
	require.Equal(t, StatusVerificationApproved, tx.Status)
	tx, err = h.svc.Fund(ctx, tx.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, StatusEscrow, tx.Status)
	return tx
}

// delivered drives a transaction to service_delivery.
func (h *harness) delivered(t *testing.T) *Transaction {
	t.Helper()
	ctx := context.Background()
	tx := h.funded(t)
	_, err := h.svc.Start(ctx, tx.ID, "bob")
	require.NoError(t, err)
	tx, err = h.svc.MarkDelivered(ctx, tx.ID, "bob")
	require.NoError(t, err)
	return tx
}

// inBuffer drives a transaction into buffer_period.
func (h *harness) inBuffer(t *testing.T) *Transaction {
	t.Helper()
	tx := h.delivered(t)
	tx, err := h.svc.ConfirmDelivery(context.Background(), DeliveryConfirmation{TransactionID: tx.ID, ConfirmedBy: "alice"})
	require.NoError(t, err)
	require.Equal(t, StatusBufferPeriod, tx.Status)
	return tx
}

func fastSeller() reputation.Snapshot {
	s := reputation.New("bob")
	s.CompletedTransactions = 40
	s.SuccessfulTransactions = 40
	s.SellerTier = reputation.TierTrusted
	return s
}
