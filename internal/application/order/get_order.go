package order

import (
	"context"

	"github.com/cassiomorais/outbox/internal/domain/order"
)

// GetOrderUseCase orchestrates retrieving an order by ID.
type GetOrderUseCase struct {
	orderRepo order.Repository
}

// NewGetOrderUseCase creates a new GetOrderUseCase.
func NewGetOrderUseCase(orderRepo order.Repository) *GetOrderUseCase {
	return &GetOrderUseCase{orderRepo: orderRepo}
}

// Execute retrieves an order by ID.
func (uc *GetOrderUseCase) Execute(ctx context.Context, id int64) (*order.Order, error) {
	return uc.orderRepo.GetByID(ctx, id)
}
