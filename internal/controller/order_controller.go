package controller

import (
	"net/http"
	"strconv"

	orderApp "github.com/cassiomorais/outbox/internal/application/order"
	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/go-chi/chi/v5"
)

type OrderController struct {
	createOrder *orderApp.CreateOrderUseCase
	getOrder    *orderApp.GetOrderUseCase
}

func NewOrderController(createOrder *orderApp.CreateOrderUseCase, getOrder *orderApp.GetOrderUseCase) *OrderController {
	return &OrderController{createOrder: createOrder, getOrder: getOrder}
}

func (h *OrderController) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeError(w, err)
		return
	}

	cents, err := order.ParseCents(req.Amount.String())
	if err != nil {
		writeError(w, domainErrors.NewValidationError("amount", "must be a decimal number"))
		return
	}

	o, err := h.createOrder.Execute(r.Context(), orderApp.CreateOrderRequest{
		CustomerID:  req.CustomerID,
		AmountCents: cents,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+strconv.FormatInt(o.ID, 10))
	writeJSON(w, http.StatusCreated, FromOrder(o))
}

func (h *OrderController) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid order id", Code: "invalid_id"})
		return
	}

	o, err := h.getOrder.Execute(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, FromOrder(o))
}
