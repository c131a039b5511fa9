package sink

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// PubSub publishes to a Google Cloud Pub/Sub topic with message ordering on
// the message key.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSub creates a client for projectID and publishes to topicID.
func NewPubSub(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	return NewPubSubWithClient(client, topicID), nil
}

// NewPubSubWithClient wraps an existing client. The client is closed by Close.
func NewPubSubWithClient(client *pubsub.Client, topicID string) *PubSub {
	topic := client.Topic(topicID)
	topic.EnableMessageOrdering = true
	return &PubSub{client: client, topic: topic}
}

func (p *PubSub) Publish(ctx context.Context, msg Message) error {
	key := msg.Key()
	res := p.topic.Publish(ctx, &pubsub.Message{
		Data:        msg.Payload,
		Attributes:  msg.Metadata(),
		OrderingKey: key,
	})
	// wait for server ack
	if _, err := res.Get(ctx); err != nil {
		// an ordered publish failure pauses the key until resumed
		p.topic.ResumePublish(key)
		return fmt.Errorf("failed to publish to topic %s: %w", p.topic.ID(), err)
	}
	return nil
}

func (p *PubSub) Close() error {
	p.topic.Stop()
	return p.client.Close()
}
