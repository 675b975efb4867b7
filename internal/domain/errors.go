package domain

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted marks a queued order that hit the retry cap. It stays
// in storage for manual intervention and is excluded from further cycles.
var ErrRetriesExhausted = errors.New("sync retries exhausted")

// ErrNotConnected is returned by operations that require an open hub channel.
var ErrNotConnected = errors.New("not connected to a hub")

// ErrHubNotFound reports that discovery finished without locating a hub.
// This is an expected offline state, not a failure.
var ErrHubNotFound = errors.New("no hub found")

// TransientError wraps a retryable failure: connection refused, timeout,
// transport closed mid-request. Callers fall back or retry later.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ValidationError is permanent: a malformed order or missing required field.
// Retrying the same input can never succeed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a permanent validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// ProtocolError marks a malformed or unexpected transport message. It is
// connection-local and never fatal to the process.
type ProtocolError struct {
	MsgType string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %v", e.MsgType, e.Err)
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidateOrder checks an order draft plus its items before it enters the
// pipeline. Returns a ValidationError on the first problem found.
func ValidateOrder(order Order, items []OrderItem) error {
	if order.ClientID == "" {
		return &ValidationError{Field: "client_id", Reason: "is required"}
	}
	if order.RestaurantID == "" {
		return &ValidationError{Field: "restaurant_id", Reason: "is required"}
	}
	if order.Total < 0 {
		return &ValidationError{Field: "total", Reason: "must not be negative"}
	}
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return &ValidationError{Field: "items", Reason: fmt.Sprintf("invalid quantity for %q", item.Name)}
		}
		if item.PriceAtTime < 0 {
			return &ValidationError{Field: "items", Reason: fmt.Sprintf("negative price for %q", item.Name)}
		}
	}
	return nil
}
