package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/household-ledger/ledger"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublisher_KeysByHousehold(t *testing.T) {
	w := &recordingWriter{}
	p := &Publisher{writer: w, timeout: time.Second}

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	err := p.Publish(context.Background(), ledger.Event{
		Type:         ledger.EventPaymentCollected,
		PaymentID:    "pay-1",
		HouseholdID:  "hh-1",
		Status:       ledger.StatusCollected,
		Amount:       ledger.NewMoney(500),
		BalanceDelta: ledger.NewMoney(-500),
		OccurredAt:   at,
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "hh-1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "payment.collected", string(msg.Headers[0].Value))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "payment.collected", decoded["type"])
	assert.Equal(t, "pay-1", decoded["payment_id"])
	assert.Equal(t, "-500", decoded["balance_delta"])
}

func TestPublisher_BatchEventKeyedByCategory(t *testing.T) {
	w := &recordingWriter{}
	p := &Publisher{writer: w, timeout: time.Second}

	require.NoError(t, p.Publish(context.Background(), ledger.Event{
		Type:          ledger.EventFeesGenerated,
		FeeCategoryID: "maintenance",
		Count:         10,
	}))
	require.NoError(t, p.Publish(context.Background(), ledger.Event{
		Type:  ledger.EventPaymentsSwept,
		Count: 3,
	}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "maintenance", string(w.msgs[0].Key))
	assert.Equal(t, "payments.swept", string(w.msgs[1].Key))
}

func TestPublisher_PropagatesWriteError(t *testing.T) {
	p := &Publisher{writer: &recordingWriter{err: errors.New("broker down")}, timeout: time.Second}

	err := p.Publish(context.Background(), ledger.Event{Type: ledger.EventPaymentCreated, HouseholdID: "hh-1"})
	assert.EqualError(t, err, "broker down")
}
