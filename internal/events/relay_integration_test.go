//go:build integration

package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/testutil"
)

func TestOutboxRelay_Postgres_ToRedisStream(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	client, closeRedis := testutil.RedisTest(t)
	defer closeRedis()
	ctx := context.Background()

	outbox := NewOutboxSink(db)
	bus := NewBus(nil, outbox)
	bus.Publish(ctx, Envelope{Type: TransactionCreated, TransactionID: "txn_1"})
	bus.Publish(ctx, Envelope{Type: DisputeCreated, DisputeID: "dsp_1", TransactionID: "txn_1"})

	pending, err := outbox.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, TransactionCreated, pending[0].Type)

	relay := NewRelay(outbox, NewRedisStream(client, "escrowd:events", 1000), nil)
	n, err := relay.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := client.XRange(ctx, "escrowd:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, string(DisputeCreated), entries[1].Values["type"])

	pending, err = outbox.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
