//go:build integration

package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/testutil"
)

func TestRedis_SingleHolder(t *testing.T) {
	client, cleanup := testutil.RedisTest(t)
	defer cleanup()
	ctx := context.Background()

	a, b := NewRedis(client, "sweep"), NewRedis(client, "sweep")

	ok, err := a.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, b.Release(ctx))
	ttl, err := client.PTTL(ctx, "lease:sweep").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl, "non-holder release leaves the key")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedis_ExpiredLeaseIsTaken(t *testing.T) {
	client, cleanup := testutil.RedisTest(t)
	defer cleanup()
	ctx := context.Background()

	a, b := NewRedis(client, "sweep"), NewRedis(client, "sweep")
	ok, err := a.Acquire(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := b.Acquire(ctx, time.Second)
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)

	ok, err = a.Acquire(ctx, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}
