package order

import (
	"context"

	appOutbox "github.com/cassiomorais/outbox/internal/application/outbox"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/cassiomorais/outbox/internal/infrastructure/observability"
)

// CreateOrderRequest holds the input for creating an order.
type CreateOrderRequest struct {
	CustomerID  string
	AmountCents int64
}

// CreateOrderUseCase stores an order and its OrderCreated event in one transaction.
type CreateOrderUseCase struct {
	orderRepo order.Repository
	writer    *appOutbox.Writer
	clock     outbox.Clock
	metrics   *observability.Metrics
}

// NewCreateOrderUseCase creates a new CreateOrderUseCase. metrics may be nil.
func NewCreateOrderUseCase(orderRepo order.Repository, writer *appOutbox.Writer, clock outbox.Clock, metrics *observability.Metrics) *CreateOrderUseCase {
	if clock == nil {
		clock = outbox.SystemClock{}
	}
	return &CreateOrderUseCase{
		orderRepo: orderRepo,
		writer:    writer,
		clock:     clock,
		metrics:   metrics,
	}
}

// Execute validates and creates the order. Validation errors are returned
// before any transaction is opened; every later failure leaves neither the
// order nor the event behind.
func (uc *CreateOrderUseCase) Execute(ctx context.Context, req CreateOrderRequest) (*order.Order, error) {
	o, err := order.NewOrder(req.CustomerID, req.AmountCents, uc.clock.Now())
	if err != nil {
		return nil, err
	}

	created, err := appOutbox.Execute(ctx, uc.writer,
		func(ctx context.Context) (*order.Order, error) {
			if err := uc.orderRepo.Create(ctx, o); err != nil {
				return nil, err
			}
			return o, nil
		},
		func(o *order.Order) (appOutbox.Event, error) {
			return appOutbox.Event{
				AggregateType: order.AggregateType,
				AggregateID:   o.AggregateID(),
				EventType:     order.EventCreated,
				Payload:       o.CreatedEvent(),
			}, nil
		},
	)
	uc.observe(err)
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (uc *CreateOrderUseCase) observe(err error) {
	if uc.metrics == nil {
		return
	}
	result := "committed"
	if err != nil {
		result = "rolled_back"
	}
	uc.metrics.OutboxWritesTotal.WithLabelValues(order.EventCreated, result).Inc()
}
