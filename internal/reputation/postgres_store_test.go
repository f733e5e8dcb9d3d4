//go:build integration

package reputation

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/testutil"
)

func newPGStore(t *testing.T) *PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func incCompleted(s Snapshot) Snapshot {
	s.CompletedTransactions++
	s.SuccessfulTransactions++
	return s
}

func TestPostgres_ApplyIsIdempotent(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "bob")
	assert.ErrorIs(t, err, ErrNotFound)

	ran, err := store.Apply(ctx, "bob", "evt_1", incCompleted)
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = store.Apply(ctx, "bob", "evt_1", incCompleted)
	require.NoError(t, err)
	assert.False(t, ran)

	snap, err := store.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.CompletedTransactions)
	assert.Equal(t, TierNew, snap.SellerTier)
}

func TestPostgres_ApplySerializesPerUser(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Apply(ctx, "bob", fmt.Sprintf("evt_%d", i), incCompleted)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	snap, err := store.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 20, snap.CompletedTransactions)
}

func TestPostgres_ListOrdersByScore(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()

	for i, user := range []string{"low", "high", "mid"} {
		score := map[string]float64{"low": 10, "high": 90, "mid": 50}[user]
		_, err := store.Apply(ctx, user, fmt.Sprintf("evt_%d", i), func(s Snapshot) Snapshot {
			s.Score = score
			return s
		})
		require.NoError(t, err)
	}

	list, err := store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "high", list[0].UserID)
	assert.Equal(t, "mid", list[1].UserID)
}
