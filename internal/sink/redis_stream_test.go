package sink

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisStream_Publish(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStream(client, "", 0)
	ctx := context.Background()

	require.NoError(t, s.Publish(ctx, testMessage()))

	entries, err := client.XRange(ctx, DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "5f0c6a52-3d38-4a3a-9d7c-2b0f3b0c8e11", values[HeaderEventID])
	assert.Equal(t, "OrderCreated", values[HeaderEventType])
	assert.Equal(t, "Order", values[HeaderAggregateType])
	assert.Equal(t, "42", values[HeaderAggregateID])
	assert.JSONEq(t, `{"orderId":"42"}`, values["payload"].(string))

	var headers map[string]string
	require.NoError(t, json.Unmarshal([]byte(values["headers"].(string)), &headers))
	assert.Equal(t, "00-abc-def-01", headers["traceparent"])
	assert.Equal(t, "1", headers[HeaderAttempt])
}

func TestRedisStream_PreservesOrder(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStream(client, "orders", 100)
	ctx := context.Background()

	for _, event := range []string{"OrderCreated", "OrderPaid", "OrderShipped"} {
		msg := testMessage()
		msg.EventType = event
		require.NoError(t, s.Publish(ctx, msg))
	}

	entries, err := client.XRange(ctx, "orders", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "OrderCreated", entries[0].Values[HeaderEventType])
	assert.Equal(t, "OrderPaid", entries[1].Values[HeaderEventType])
	assert.Equal(t, "OrderShipped", entries[2].Values[HeaderEventType])
}

func TestRedisStream_ServerDown(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStream(client, "orders", 0)
	mr.Close()

	err := s.Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orders")
	assert.False(t, IsPermanent(err))
}
