//go:build integration

package sanctions

import (
	"context"
	"sync"
	"testing"
	"time"

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

func automatic(id string, expires time.Time, created time.Time) *Sanction {
	hours := 24
	return &Sanction{
		ID:                id,
		UserID:            "bob",
		Type:              TypeRestriction,
		Severity:          TypeRestriction.Severity(),
		AutomaticSanction: true,
		TriggeredBy:       TriggerDisputeCount,
		Reason:            "too many disputes",
		DurationHours:     &hours,
		IsActive:          true,
		ExpiresAt:         &expires,
		CreatedAt:         created,
	}
}

func TestPostgres_CreateIfAbsentDedupes(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.CreateIfAbsent(ctx, automatic("snc_"+string(rune('a'+i)), now.Add(24*time.Hour), now), now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)

	list, err := store.ListByUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPostgres_CreateIfAbsentRetiresExpired(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	ok, err := store.CreateIfAbsent(ctx, automatic("snc_old", now.Add(time.Hour), now), now)
	require.NoError(t, err)
	require.True(t, ok)

	later := now.Add(2 * time.Hour)
	ok, err = store.CreateIfAbsent(ctx, automatic("snc_new", later.Add(24*time.Hour), later), later)
	require.NoError(t, err)
	assert.True(t, ok)

	old, err := store.Get(ctx, "snc_old")
	require.NoError(t, err)
	assert.False(t, old.IsActive)
}

func TestPostgres_ListExpiredAndUpdate(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.Create(ctx, automatic("snc_1", now.Add(-time.Minute), now.Add(-25*time.Hour))))
	permanent := &Sanction{
		ID: "snc_2", UserID: "bob", Type: TypeBan, Severity: TypeBan.Severity(),
		TriggeredBy: TriggerManual, Reason: "fraud", IsActive: true, CreatedAt: now,
	}
	require.NoError(t, store.Create(ctx, permanent))

	expired, err := store.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "snc_1", expired[0].ID)

	expired[0].IsActive = false
	require.NoError(t, store.Update(ctx, expired[0]))
	expired, err = store.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	got, err := store.Get(ctx, "snc_2")
	require.NoError(t, err)
	assert.Nil(t, got.ExpiresAt)
	assert.True(t, got.ActiveAt(now.Add(1000*time.Hour)))

	_, err = store.Get(ctx, "snc_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgres_RevokedEvidenceBlocksReapply(t *testing.T) {
	store := newPGStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := automatic("snc_1", now.Add(24*time.Hour), now)
	first.Evidence = "valid:3/completed:10"
	ok, err := store.CreateIfAbsent(ctx, first, now)
	require.NoError(t, err)
	require.True(t, ok)

	first.IsActive = false
	first.RevokedAt = &now
	first.RevokedBy = "reviewer_1"
	require.NoError(t, store.Update(ctx, first))

	again := automatic("snc_2", now.Add(24*time.Hour), now)
	again.Evidence = "valid:3/completed:10"
	ok, err = store.CreateIfAbsent(ctx, again, now)
	require.NoError(t, err)
	assert.False(t, ok)

	changed := automatic("snc_3", now.Add(24*time.Hour), now)
	changed.Evidence = "valid:4/completed:11"
	ok, err = store.CreateIfAbsent(ctx, changed, now)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "snc_3")
	require.NoError(t, err)
	assert.Equal(t, "valid:4/completed:11", got.Evidence)
}
