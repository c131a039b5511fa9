package errors

import (
	"errors"
	"fmt"
)

var (
	// Write path errors
	ErrMutationFailed      = errors.New("business mutation failed")
	ErrOutboxWriteFailed   = errors.New("outbox write failed")
	ErrTransactionRequired = errors.New("outbox insert requires an active transaction")

	// Relay errors
	ErrClaimConflict     = errors.New("record no longer owned by this worker")
	ErrSinkPublishFailed = errors.New("sink publish failed")
	ErrLeaseExpired      = errors.New("dispatch lease expired")

	// Record errors
	ErrRecordNotFound         = errors.New("outbox record not found")
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// Order errors
	ErrOrderNotFound = errors.New("order not found")
	ErrInvalidAmount = errors.New("invalid amount")

	// Idempotency errors
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
