package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/cassiomorais/outbox/internal/application/outbox")

// Event describes the outbox record to write for a business change.
// Payload is either pre-encoded JSON ([]byte, json.RawMessage) or a value
// encoded with encoding/json.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
}

// Mutation performs the business change. It runs with the transaction bound to ctx.
type Mutation[T any] func(ctx context.Context) (T, error)

// EventBuilder derives the event from the mutation's result.
type EventBuilder[T any] func(entity T) (Event, error)

// Writer persists outbox records atomically with business changes.
type Writer struct {
	txManager TransactionManager
	store     outbox.Inserter
	clock     outbox.Clock
}

// NewWriter creates a new Writer.
func NewWriter(txManager TransactionManager, store outbox.Inserter, clock outbox.Clock) *Writer {
	if clock == nil {
		clock = outbox.SystemClock{}
	}
	return &Writer{txManager: txManager, store: store, clock: clock}
}

// Execute runs mutation and writes the event built from its result in one
// transaction. Either both are committed or neither is.
//
// A mutation error is returned wrapped in ErrMutationFailed; every other
// failure, including commit, is wrapped in ErrOutboxWriteFailed.
func Execute[T any](ctx context.Context, w *Writer, mutation Mutation[T], build EventBuilder[T]) (T, error) {
	ctx, span := tracer.Start(ctx, "outbox.Execute", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	var result T
	err := w.txManager.WithTransaction(ctx, func(ctx context.Context) error {
		entity, err := mutation(ctx)
		if err != nil {
			return fmt.Errorf("%w: %w", domainErrors.ErrMutationFailed, err)
		}

		event, err := build(entity)
		if err != nil {
			return fmt.Errorf("%w: build event: %w", domainErrors.ErrOutboxWriteFailed, err)
		}

		rec, err := w.WriteEvent(ctx, event)
		if err != nil {
			return err
		}
		span.SetAttributes(
			attribute.String("outbox.record_id", rec.ID.String()),
			attribute.String("outbox.aggregate_type", rec.AggregateType),
			attribute.String("outbox.event_type", rec.EventType),
		)

		result = entity
		return nil
	})
	if err != nil {
		if !errors.Is(err, domainErrors.ErrMutationFailed) && !errors.Is(err, domainErrors.ErrOutboxWriteFailed) {
			err = fmt.Errorf("%w: %w", domainErrors.ErrOutboxWriteFailed, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var zero T
		return zero, err
	}
	return result, nil
}

// WriteEvent inserts a PENDING record inside the transaction already bound to
// ctx. Callers managing their own unit of work use it directly.
func (w *Writer) WriteEvent(ctx context.Context, event Event) (*outbox.Record, error) {
	payload, err := encodePayload(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrOutboxWriteFailed, err)
	}

	rec, err := outbox.NewRecord(event.AggregateType, event.AggregateID, event.EventType, payload, w.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrOutboxWriteFailed, err)
	}

	if err := w.store.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %w", domainErrors.ErrOutboxWriteFailed, err)
	}
	return rec, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, domainErrors.NewValidationError("payload", "is required")
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return b, nil
}
