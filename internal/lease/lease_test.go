package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func TestLocal_SingleHolder(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGroup().WithClock(c.Now)
	a, b := g.Lease("sweep"), g.Lease("sweep")

	ok, err := a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by a")

	ok, err = a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	require.NoError(t, b.Release(ctx))
	ok, _ = b.Acquire(ctx, time.Minute)
	assert.False(t, ok, "release by a non-holder is ignored")

	require.NoError(t, a.Release(ctx))
	ok, _ = b.Acquire(ctx, time.Minute)
	assert.True(t, ok)
}

func TestLocal_ExpiredLeaseIsTaken(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGroup().WithClock(c.Now)
	a, b := g.Lease("sweep"), g.Lease("sweep")

	ok, _ := a.Acquire(ctx, time.Minute)
	require.True(t, ok)
	c.Advance(time.Minute)

	ok, _ = b.Acquire(ctx, time.Minute)
	assert.True(t, ok)
	ok, _ = a.Acquire(ctx, time.Minute)
	assert.False(t, ok)
}

func TestLocal_NamesAreIndependent(t *testing.T) {
	ctx := context.Background()
	g := NewGroup()
	ok, _ := g.Lease("sweep").Acquire(ctx, time.Minute)
	assert.True(t, ok)
	ok, _ = g.Lease("sla").Acquire(ctx, time.Minute)
	assert.True(t, ok)
}
