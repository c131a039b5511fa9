package sink

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPubSub(t *testing.T, topicID string) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)

	_, err = client.CreateTopic(ctx, topicID)
	require.NoError(t, err)
	return srv, client
}

func TestPubSub_Publish(t *testing.T) {
	srv, client := newTestPubSub(t, "outbox-events")
	p := NewPubSubWithClient(client, "outbox-events")
	defer p.Close()

	require.NoError(t, p.Publish(context.Background(), testMessage()))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"orderId":"42"}`, string(msgs[0].Data))
	assert.Equal(t, "Order:42", msgs[0].OrderingKey)
	assert.Equal(t, "5f0c6a52-3d38-4a3a-9d7c-2b0f3b0c8e11", msgs[0].Attributes[HeaderEventID])
	assert.Equal(t, "00-abc-def-01", msgs[0].Attributes["traceparent"])
}

func TestPubSub_OrderedPerKey(t *testing.T) {
	srv, client := newTestPubSub(t, "outbox-events")
	p := NewPubSubWithClient(client, "outbox-events")
	defer p.Close()

	for _, event := range []string{"OrderCreated", "OrderPaid"} {
		msg := testMessage()
		msg.EventType = event
		require.NoError(t, p.Publish(context.Background(), msg))
	}

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "OrderCreated", msgs[0].Attributes[HeaderEventType])
	assert.Equal(t, "OrderPaid", msgs[1].Attributes[HeaderEventType])
}

func TestPubSub_UnknownTopic(t *testing.T) {
	_, client := newTestPubSub(t, "outbox-events")
	p := NewPubSubWithClient(client, "missing")
	defer p.Close()

	err := p.Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	// the key is resumed, so the next publish is attempted rather than rejected outright
	err = p.Publish(context.Background(), testMessage())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "paused")
}
