// Package sink delivers outbox records to external consumers.
//
// Every adapter carries the record ID as the message's deduplication key:
// delivery is at-least-once and consumers are expected to drop repeats.
package sink

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/google/uuid"
)

// Metadata keys attached to every published message.
const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderAggregateID   = "aggregate_id"
	HeaderTimestamp     = "event_timestamp"
	HeaderAttempt       = "delivery_attempt"
)

// Sink publishes messages. Publish returns nil only once the destination has
// durably accepted the message.
type Sink interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Message is the wire-independent form of an outbox record.
type Message struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Timestamp     time.Time
	Attempt       int
	Headers       map[string]string
}

// FromRecord builds the message for the next delivery attempt of rec.
func FromRecord(rec *outbox.Record) Message {
	return Message{
		ID:            rec.ID,
		AggregateType: rec.AggregateType,
		AggregateID:   rec.AggregateID,
		EventType:     rec.EventType,
		Payload:       rec.Payload,
		Timestamp:     rec.CreatedAt,
		Attempt:       rec.Attempts + 1,
		Headers:       make(map[string]string),
	}
}

// Key is the ordering key: messages sharing a key must reach consumers in order.
func (m Message) Key() string {
	return m.AggregateType + ":" + m.AggregateID
}

// Metadata returns the message headers merged with the standard event fields.
func (m Message) Metadata() map[string]string {
	md := make(map[string]string, len(m.Headers)+6)
	for k, v := range m.Headers {
		md[k] = v
	}
	md[HeaderEventID] = m.ID.String()
	md[HeaderEventType] = m.EventType
	md[HeaderAggregateType] = m.AggregateType
	md[HeaderAggregateID] = m.AggregateID
	md[HeaderTimestamp] = m.Timestamp.UTC().Format(time.RFC3339Nano)
	md[HeaderAttempt] = strconv.Itoa(m.Attempt)
	return md
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the relay dead-letters the record without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
