//go:build integration

package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/custody"
	"github.com/mbd888/escrowd/internal/events"
	"github.com/mbd888/escrowd/internal/reputation"
	"github.com/mbd888/escrowd/internal/risk"
	"github.com/mbd888/escrowd/internal/testutil"
	"github.com/mbd888/escrowd/internal/verification"
)

// pgHarness is a service backed by Postgres with a fake clock.
type pgHarness struct {
	svc   *Service
	store *PostgresStore
	rail  *custody.MemoryRail
	clock *fakeClock
	risk  *risk.PostgresStore
}

func newPGHarness(t *testing.T) *pgHarness {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	clock := newFakeClock()
	h := &pgHarness{
		store: NewPostgresStore(db).WithClock(clock.Now),
		rail:  custody.NewMemoryRail(),
		clock: clock,
		risk:  risk.NewPostgresStore(db),
	}
	policy := config.DefaultPolicy()
	policy.Settlement.BaseDelayMs = 1
	h.svc = NewService(h.store, custody.NewAdapter(h.rail, time.Second, slog.Default()), slog.Default()).
		WithPolicy(policy).
		WithClock(clock.Now).
		WithVerifier(verification.NewMemoryProvider()).
		WithAssessments(h.risk).
		WithReputation(&fakeReputation{snaps: map[string]reputation.Snapshot{}}).
		WithEscalator(&fakeEscalator{}).
		WithEvents(&events.Recorder{})
	return h
}

func (h *pgHarness) inBuffer(t *testing.T, buyer string) *Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := h.svc.Create(ctx, CreateRequest{BuyerID: buyer, SellerID: "bob", SellerKind: SellerIndividual, Amount: "75.25"})
	require.NoError(t, err)
	_, _, err = h.svc.RunVerification(ctx, tx.ID)
	require.NoError(t, err)
	_, err = h.svc.Fund(ctx, tx.ID, buyer)
	require.NoError(t, err)
	_, err = h.svc.Start(ctx, tx.ID, "bob")
	require.NoError(t, err)
	_, err = h.svc.MarkDelivered(ctx, tx.ID, "bob")
	require.NoError(t, err)
	tx, err = h.svc.ConfirmDelivery(ctx, DeliveryConfirmation{TransactionID: tx.ID, ConfirmedBy: buyer})
	require.NoError(t, err)
	require.Equal(t, StatusBufferPeriod, tx.Status)
	return tx
}

func TestPostgres_LifecycleRoundTrip(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	tx := h.inBuffer(t, "alice")

	got, err := h.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBufferPeriod, got.Status)
	assert.Equal(t, EscrowHeld, got.EscrowStatus)
	assert.Equal(t, "75.25", got.Amount.String())
	assert.Equal(t, tx.Version, got.Version)
	require.NotNil(t, got.BufferEndTime)
	assert.True(t, tx.BufferEndTime.Equal(*got.BufferEndTime))

	byUser, err := h.store.ListByUser(ctx, "bob", nil, 10)
	require.NoError(t, err)
	assert.Len(t, byUser, 1)

	byStatus, err := h.store.ListByStatus(ctx, StatusBufferPeriod, 10)
	require.NoError(t, err)
	assert.Len(t, byStatus, 1)

	assessments, err := h.risk.ListByTransaction(ctx, tx.ID, 10)
	require.NoError(t, err)
	assert.NotEmpty(t, assessments)
}

func TestPostgres_GetNotFound(t *testing.T) {
	h := newPGHarness(t)
	_, err := h.store.Get(context.Background(), "txn_missing")
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestPostgres_DueForReleaseAndSweep(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()

	tx := h.inBuffer(t, "alice")

	due, err := h.store.ListDueForRelease(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	h.clock.Advance(time.Duration(tx.BufferPeriodHours)*time.Hour + time.Minute)
	due, err = h.store.ListDueForRelease(ctx, h.clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	NewTimer(h.svc, h.store, slog.Default()).Sweep(ctx)

	got, err := h.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, EscrowReleased, got.EscrowStatus)
	assert.Equal(t, 1, h.rail.Calls(custody.OpRelease))
}

func TestPostgres_MutateSerializesWriters(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()
	tx := h.inBuffer(t, "alice")

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.store.Mutate(ctx, tx.ID, func(t *Transaction) error {
				t.Description += "x"
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := h.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.Version+writers, got.Version)
	assert.Len(t, got.Description, writers)
}

func TestPostgres_MutateErrorAborts(t *testing.T) {
	h := newPGHarness(t)
	ctx := context.Background()
	tx := h.inBuffer(t, "alice")

	boom := errors.New("boom")
	_, err := h.store.Mutate(ctx, tx.ID, func(t *Transaction) error {
		t.Status = StatusCompleted
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := h.store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBufferPeriod, got.Status)
	assert.Equal(t, tx.Version, got.Version)
}
