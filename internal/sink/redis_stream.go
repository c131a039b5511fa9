package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the stream used when none is configured.
const DefaultStream = "outbox:events"

// RedisStream appends messages to a Redis stream with XADD.
type RedisStream struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewRedisStream creates a sink writing to stream. maxLen > 0 trims the
// stream approximately to that many entries.
func NewRedisStream(client redis.Cmdable, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Publish(ctx context.Context, msg Message) error {
	headers, err := json.Marshal(msg.Metadata())
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			HeaderEventID:       msg.ID.String(),
			HeaderEventType:     msg.EventType,
			HeaderAggregateType: msg.AggregateType,
			HeaderAggregateID:   msg.AggregateID,
			"payload":           string(msg.Payload),
			"headers":           string(headers),
			"timestamp":         msg.Timestamp.UnixMilli(),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if _, err := s.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish to stream %s: %w", s.stream, err)
	}
	return nil
}

// Close is a no-op: the client is owned by the caller.
func (s *RedisStream) Close() error {
	return nil
}
