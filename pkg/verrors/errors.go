// Package verrors defines the error taxonomy shared across Valka's core
// (spec §7): a small set of kinds, not concrete types, each wrapping an
// underlying cause with fmt.Errorf("...: %w", ...) in the teacher's idiom.
package verrors

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from spec §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindInvalidStateTransition
	KindIdempotencyConflict
	KindTaskCancelled
	KindLeaseExpired
	KindCircuitOpen
	KindStoreError
	KindInternal
)

// Error wraps a Kind with a message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// NotFound builds a NotFound error (task/worker/queue missing).
func NotFound(format string, args ...any) error { return new_(KindNotFound, fmt.Sprintf(format, args...)) }

// InvalidStateTransition builds an error for an illegal task status change.
func InvalidStateTransition(from, to string) error {
	return new_(KindInvalidStateTransition, fmt.Sprintf("invalid task status transition: %s -> %s", from, to))
}

// IdempotencyConflict builds an error for a duplicate idempotency key.
func IdempotencyConflict(key string) error {
	return new_(KindIdempotencyConflict, fmt.Sprintf("task with idempotency key %q already exists", key))
}

// TaskCancelled builds an error for operations against a cancelled task.
func TaskCancelled(taskID string) error {
	return new_(KindTaskCancelled, fmt.Sprintf("task cancelled: %s", taskID))
}

// LeaseExpired builds an error for a task run whose lease has expired.
func LeaseExpired(taskID string) error {
	return new_(KindLeaseExpired, fmt.Sprintf("lease expired for task: %s", taskID))
}

// CircuitOpen builds an error for a forwarder call blocked by an open
// circuit breaker. Never surfaced to clients (spec §7).
func CircuitOpen(addr string) error {
	return new_(KindCircuitOpen, fmt.Sprintf("circuit breaker open for node %s", addr))
}

// Store wraps an underlying storage-layer error.
func Store(cause error) error { return wrap(KindStoreError, "store error", cause) }

// Internal wraps an unexpected internal error.
func Internal(format string, args ...any) error {
	return new_(KindInternal, fmt.Sprintf(format, args...))
}

// InternalWrap wraps cause as an Internal error with additional context.
func InternalWrap(msg string, cause error) error { return wrap(KindInternal, msg, cause) }

// KindOf extracts the Kind of err, walking wrapped errors. Returns
// KindUnknown if err is nil or does not carry a Kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
