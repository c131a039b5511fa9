package controller

import (
	"encoding/json"
	"time"

	appOutbox "github.com/cassiomorais/outbox/internal/application/outbox"
	"github.com/cassiomorais/outbox/internal/domain/order"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
)

// --- Request DTOs ---

// CreateOrderRequest holds the input for creating an order. Amount is decoded
// as a JSON number literal so cents are parsed exactly.
type CreateOrderRequest struct {
	CustomerID string      `json:"customer_id" validate:"required,max=255"`
	Amount     json.Number `json:"amount" validate:"required"`
}

// --- Response DTOs ---

// OrderResponse represents an order in API responses.
type OrderResponse struct {
	ID         int64       `json:"id"`
	CustomerID string      `json:"customer_id"`
	Amount     json.Number `json:"amount"`
	Status     string      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// OutboxRecordResponse represents an outbox record. Field names follow the
// table's columns.
type OutboxRecordResponse struct {
	ID             string          `json:"id"`
	Seq            int64           `json:"seq"`
	AggregateType  string          `json:"aggregatetype"`
	AggregateID    string          `json:"aggregateid"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LeaseOwner     *string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

// OutboxListResponse is a page of records in one status.
type OutboxListResponse struct {
	Status  string                  `json:"status"`
	Records []*OutboxRecordResponse `json:"records"`
}

// OutboxStatsResponse summarises the outbox backlog.
type OutboxStatsResponse struct {
	Counts                  map[string]int64 `json:"counts"`
	Parked                  int64            `json:"parked"`
	OldestPending           *time.Time       `json:"oldest_pending,omitempty"`
	OldestPendingAgeSeconds float64          `json:"oldest_pending_age_seconds"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// --- Conversion helpers ---

// FromOrder converts a domain order to API response.
func FromOrder(o *order.Order) *OrderResponse {
	return &OrderResponse{
		ID:         o.ID,
		CustomerID: o.CustomerID,
		Amount:     json.Number(order.FormatCents(o.AmountCents)),
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	}
}

// FromRecord converts an outbox record to API response.
func FromRecord(r *outbox.Record) *OutboxRecordResponse {
	return &OutboxRecordResponse{
		ID:             r.ID.String(),
		Seq:            r.Seq,
		AggregateType:  r.AggregateType,
		AggregateID:    r.AggregateID,
		Type:           r.EventType,
		Payload:        r.Payload,
		Timestamp:      r.CreatedAt,
		Status:         string(r.Status),
		Attempts:       r.Attempts,
		NextAttemptAt:  r.NextAttemptAt,
		LeaseOwner:     r.LeaseOwner,
		LeaseExpiresAt: r.LeaseExpiresAt,
		LastError:      r.LastError,
		DeliveredAt:    r.DeliveredAt,
	}
}

// FromStats converts backlog stats to API response.
func FromStats(s *appOutbox.Stats) *OutboxStatsResponse {
	counts := make(map[string]int64, len(s.Counts))
	for status, n := range s.Counts {
		counts[string(status)] = n
	}
	return &OutboxStatsResponse{
		Counts:                  counts,
		Parked:                  s.Parked,
		OldestPending:           s.OldestPending,
		OldestPendingAgeSeconds: s.OldestPendingAge.Seconds(),
	}
}
