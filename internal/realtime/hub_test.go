package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/events"
)

func TestSubscription_Matches(t *testing.T) {
	e := &events.Envelope{
		Type:          events.TransactionStatusChanged,
		TransactionID: "txn_1",
		Data:          map[string]any{"buyerId": "alice", "sellerId": "bob"},
	}

	assert.True(t, Subscription{}.matches(e))
	assert.True(t, Subscription{Types: []events.Type{events.TransactionStatusChanged}}.matches(e))
	assert.False(t, Subscription{Types: []events.Type{events.DisputeCreated}}.matches(e))
	assert.True(t, Subscription{TransactionIDs: []string{"txn_1"}}.matches(e))
	assert.False(t, Subscription{TransactionIDs: []string{"txn_2"}}.matches(e))
	assert.True(t, Subscription{UserIDs: []string{"bob"}}.matches(e))
	assert.False(t, Subscription{UserIDs: []string{"carol"}}.matches(e))
}

func TestHub_DeliverToClient(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := &client{hub: h, send: make(chan []byte, 8)}
	h.register <- c

	require.NoError(t, h.Deliver(ctx, events.Envelope{Type: events.DisputeCreated, DisputeID: "dsp_1"}))

	select {
	case msg := <-c.send:
		var got events.Envelope
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "dsp_1", got.DisputeID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
}

func TestHub_FilteredClientSkipsOtherTransactions(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	c := &client{hub: h, send: make(chan []byte, 8), sub: Subscription{TransactionIDs: []string{"txn_a"}}}
	h.register <- c

	_ = h.Deliver(ctx, events.Envelope{Type: events.TransactionStatusChanged, TransactionID: "txn_b"})
	_ = h.Deliver(ctx, events.Envelope{Type: events.TransactionStatusChanged, TransactionID: "txn_a"})

	select {
	case msg := <-c.send:
		assert.Contains(t, string(msg), "txn_a")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
	}
	select {
	case msg := <-c.send:
		t.Fatalf("unexpected extra message %s", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(httpHandler(h))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?transactionId=txn_ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 1
	}, time.Second, 10*time.Millisecond)

	_ = h.Deliver(ctx, events.Envelope{Type: events.TransactionStatusChanged, TransactionID: "txn_ws", ToStatus: "active"})

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"toStatus":"active"`)
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func httpHandler(h *Hub) http.Handler {
	return http.HandlerFunc(h.HandleWebSocket)
}
