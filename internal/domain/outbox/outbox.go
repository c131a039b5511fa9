package outbox

import (
	"encoding/json"
	"time"

	"github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/google/uuid"
)

// Status represents the record status in the dispatch state machine
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusDispatching Status = "DISPATCHING"
	StatusDelivered   Status = "DELIVERED"
	StatusFailed      Status = "FAILED"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusDispatching, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo checks if a record in status s may move to next.
func (s Status) CanTransitionTo(next Status) bool {
	transitions := map[Status][]Status{
		StatusPending: {
			StatusDispatching,
		},
		StatusDispatching: {
			StatusDelivered,
			StatusPending, // retry, release or lease expiry
			StatusFailed,
		},
		StatusFailed: {
			StatusPending, // operator requeue
		},
		StatusDelivered: {}, // Terminal state
	}

	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Record is a durable event captured in the same transaction as the business change.
type Record struct {
	ID            uuid.UUID
	Seq           int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
	Status        Status
	Attempts      int

	NextAttemptAt  time.Time
	LeaseOwner     *string
	LeaseExpiresAt *time.Time
	LastError      *string
	DeliveredAt    *time.Time
}

// NewRecord creates a PENDING record. The payload must already be valid JSON.
func NewRecord(aggregateType, aggregateID, eventType string, payload []byte, now time.Time) (*Record, error) {
	if aggregateType == "" {
		return nil, errors.NewValidationError("aggregate_type", "is required")
	}
	if aggregateID == "" {
		return nil, errors.NewValidationError("aggregate_id", "is required")
	}
	if eventType == "" {
		return nil, errors.NewValidationError("event_type", "is required")
	}
	if !json.Valid(payload) {
		return nil, errors.NewValidationError("payload", "must be valid JSON")
	}

	return &Record{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       json.RawMessage(payload),
		CreatedAt:     now,
		Status:        StatusPending,
		NextAttemptAt: now,
	}, nil
}

// AggregateKey identifies the ordering scope of the record.
func (r *Record) AggregateKey() string {
	return r.AggregateType + ":" + r.AggregateID
}

// Before reports whether r was inserted before other.
func (r *Record) Before(other *Record) bool {
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.Before(other.CreatedAt)
	}
	return r.Seq < other.Seq
}

// IsDue reports whether a PENDING record may be claimed at now.
func (r *Record) IsDue(now time.Time) bool {
	return r.Status == StatusPending && !r.NextAttemptAt.After(now)
}

// IsLeasedBy reports whether owner holds the dispatch lease on the record.
func (r *Record) IsLeasedBy(owner string) bool {
	return r.Status == StatusDispatching && r.LeaseOwner != nil && *r.LeaseOwner == owner
}

// LeaseExpired reports whether a DISPATCHING record's lease ran out before now.
func (r *Record) LeaseExpired(now time.Time) bool {
	return r.Status == StatusDispatching && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(now)
}

// TransitionTo moves the record to next, validating the transition.
func (r *Record) TransitionTo(next Status) error {
	if !r.Status.CanTransitionTo(next) {
		return errors.NewDomainError(
			"invalid_transition",
			"cannot transition from "+string(r.Status)+" to "+string(next),
			errors.ErrInvalidStateTransition,
		)
	}
	r.Status = next
	return nil
}

// Claim leases the record to owner until now+lease.
func (r *Record) Claim(owner string, now time.Time, lease time.Duration) error {
	if err := r.TransitionTo(StatusDispatching); err != nil {
		return err
	}
	expires := now.Add(lease)
	r.LeaseOwner = &owner
	r.LeaseExpiresAt = &expires
	return nil
}

// MarkDelivered records a sink acknowledgement.
func (r *Record) MarkDelivered(now time.Time) error {
	if err := r.TransitionTo(StatusDelivered); err != nil {
		return err
	}
	r.DeliveredAt = &now
	r.clearLease()
	return nil
}

// MarkFailedRetry counts a failed attempt and either schedules a retry at
// retryAt or dead-letters the record once maxAttempts is reached.
func (r *Record) MarkFailedRetry(reason string, maxAttempts int, retryAt time.Time) error {
	next := StatusPending
	if r.Attempts+1 >= maxAttempts {
		next = StatusFailed
	}
	if err := r.TransitionTo(next); err != nil {
		return err
	}
	r.Attempts++
	r.LastError = &reason
	if next == StatusPending {
		r.NextAttemptAt = retryAt
	}
	r.clearLease()
	return nil
}

// Release hands a DISPATCHING record back to PENDING without counting an attempt.
func (r *Record) Release() error {
	if err := r.TransitionTo(StatusPending); err != nil {
		return err
	}
	r.clearLease()
	return nil
}

// Requeue moves a dead-lettered record back to PENDING with a fresh attempt budget.
func (r *Record) Requeue(now time.Time) error {
	if err := r.TransitionTo(StatusPending); err != nil {
		return err
	}
	r.Attempts = 0
	r.NextAttemptAt = now
	return nil
}

func (r *Record) clearLease() {
	r.LeaseOwner = nil
	r.LeaseExpiresAt = nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Payload = append(json.RawMessage(nil), r.Payload...)
	if r.LeaseOwner != nil {
		v := *r.LeaseOwner
		c.LeaseOwner = &v
	}
	if r.LeaseExpiresAt != nil {
		v := *r.LeaseExpiresAt
		c.LeaseExpiresAt = &v
	}
	if r.LastError != nil {
		v := *r.LastError
		c.LastError = &v
	}
	if r.DeliveredAt != nil {
		v := *r.DeliveredAt
		c.DeliveredAt = &v
	}
	return &c
}
