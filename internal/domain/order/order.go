package order

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cassiomorais/outbox/internal/domain/errors"
)

const (
	// AggregateType names orders in the outbox.
	AggregateType = "Order"
	// EventCreated is emitted once per created order.
	EventCreated = "OrderCreated"
)

// Status represents the order status
type Status string

const (
	StatusCreated Status = "CREATED"
)

// Order is the business entity whose creation is published through the outbox.
type Order struct {
	ID          int64
	CustomerID  string
	AmountCents int64
	Status      Status
	CreatedAt   time.Time
}

// NewOrder validates the input and returns an unsaved order. The ID is
// assigned by the repository.
func NewOrder(customerID string, amountCents int64, now time.Time) (*Order, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, errors.NewValidationError("customer_id", "is required")
	}
	if amountCents <= 0 {
		return nil, errors.ErrInvalidAmount
	}
	return &Order{
		CustomerID:  customerID,
		AmountCents: amountCents,
		Status:      StatusCreated,
		CreatedAt:   now,
	}, nil
}

// AggregateID is the outbox aggregate id of the order.
func (o *Order) AggregateID() string {
	return strconv.FormatInt(o.ID, 10)
}

// CreatedEvent is the payload of the OrderCreated event.
type CreatedEvent struct {
	OrderID    int64       `json:"orderId"`
	CustomerID string      `json:"customerId"`
	Amount     json.Number `json:"amount"`
	Status     Status      `json:"status"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// CreatedEvent builds the OrderCreated payload.
func (o *Order) CreatedEvent() CreatedEvent {
	return CreatedEvent{
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		Amount:     json.Number(FormatCents(o.AmountCents)),
		Status:     o.Status,
		CreatedAt:  o.CreatedAt,
	}
}

// FormatCents renders cents as a fixed two-decimal number.
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
