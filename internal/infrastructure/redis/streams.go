package redis

import (
	"context"
	"fmt"

	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/redis/go-redis/v9"
)

// DLQStream receives a copy of every record the relay gives up on.
const DLQStream = "outbox:dlq"

// DeadLetterProducer appends dead-lettered records to a Redis stream so they
// can be inspected and replayed outside the database.
type DeadLetterProducer struct {
	client redis.Cmdable
	stream string
}

func NewDeadLetterProducer(client redis.Cmdable, stream string) *DeadLetterProducer {
	if stream == "" {
		stream = DLQStream
	}
	return &DeadLetterProducer{client: client, stream: stream}
}

func (p *DeadLetterProducer) PublishDeadLetter(ctx context.Context, rec *outbox.Record) error {
	reason := ""
	if rec.LastError != nil {
		reason = *rec.LastError
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":       rec.ID.String(),
			"aggregate_type": rec.AggregateType,
			"aggregate_id":   rec.AggregateID,
			"event_type":     rec.EventType,
			"attempts":       rec.Attempts,
			"reason":         reason,
			"payload":        string(rec.Payload),
			"timestamp":      rec.CreatedAt.UnixMilli(),
		},
	}

	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	return nil
}
