package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Name() string                            { return "failing" }
func (failingSink) Deliver(context.Context, Envelope) error { return errors.New("down") }

func TestBus_FanOutStampsEnvelope(t *testing.T) {
	rec := &Recorder{}
	bus := NewBus(slog.Default(), failingSink{}, rec)

	bus.Publish(context.Background(), Envelope{
		Type:          TransactionStatusChanged,
		TransactionID: "txn_1",
		FromStatus:    "buffer_period",
		ToStatus:      "completed",
	})

	got := rec.Events()
	require.Len(t, got, 1, "a failing sink must not block later sinks")
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
	assert.Equal(t, "completed", got[0].ToStatus)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	require.NoError(t, sink.Deliver(context.Background(), Envelope{
		ID: "evt_1", Type: DisputeCreated, DisputeID: "dsp_1", Reason: "item_not_received",
	}))
	out := buf.String()
	assert.Contains(t, out, "dispute.created")
	assert.Contains(t, out, "dsp_1")
}

func TestRecorder_OfType(t *testing.T) {
	rec := &Recorder{}
	rec.Publish(context.Background(), Envelope{Type: SanctionApplied})
	rec.Publish(context.Background(), Envelope{Type: SanctionRevoked})
	rec.Publish(context.Background(), Envelope{Type: SanctionApplied})
	assert.Len(t, rec.OfType(SanctionApplied), 2)
	assert.Len(t, rec.OfType(DisputeCreated), 0)
}

func TestAggregateID(t *testing.T) {
	assert.Equal(t, "txn_1", aggregateID(Envelope{TransactionID: "txn_1", DisputeID: "d"}))
	assert.Equal(t, "d", aggregateID(Envelope{DisputeID: "d"}))
	assert.Equal(t, "u", aggregateID(Envelope{UserID: "u"}))
}
