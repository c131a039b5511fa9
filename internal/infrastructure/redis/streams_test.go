package redis

import (
	"context"
	"testing"
	"time"

	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeadLetterProducer_Publish(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	p := NewDeadLetterProducer(client, "")

	rec, err := outbox.NewRecord("Order", "7", "OrderCreated", []byte(`{"orderId":"7"}`), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	reason := "broker rejected message"
	rec.Attempts = 10
	rec.LastError = &reason

	require.NoError(t, p.PublishDeadLetter(ctx, rec))

	entries, err := client.XRange(ctx, DLQStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	v := entries[0].Values
	assert.Equal(t, rec.ID.String(), v["event_id"])
	assert.Equal(t, "Order", v["aggregate_type"])
	assert.Equal(t, "7", v["aggregate_id"])
	assert.Equal(t, "10", v["attempts"])
	assert.Equal(t, reason, v["reason"])
	assert.JSONEq(t, `{"orderId":"7"}`, v["payload"].(string))
}

func TestDeadLetterProducer_ServerDown(t *testing.T) {
	mr, client := newTestClient(t)
	p := NewDeadLetterProducer(client, "custom:dlq")
	mr.Close()

	rec, err := outbox.NewRecord("Order", "7", "OrderCreated", []byte(`{}`), time.Now())
	require.NoError(t, err)

	assert.Error(t, p.PublishDeadLetter(context.Background(), rec))
}
