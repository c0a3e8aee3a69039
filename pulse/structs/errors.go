// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrKind classifies every error the core surfaces. The kind decides
// whether a failure is retried, skipped, or propagated to the caller.
type ErrKind string

const (
	// ErrValidation marks bad input. Never retried.
	ErrValidation ErrKind = "VALIDATION"

	// ErrNotFound marks a lookup of an unknown id.
	ErrNotFound ErrKind = "NOT_FOUND"

	// ErrForbidden marks an authorization denial.
	ErrForbidden ErrKind = "FORBIDDEN"

	// ErrConflict marks an optimistic version mismatch or a duplicate
	// resource.
	ErrConflict ErrKind = "CONFLICT"

	// ErrNoneAvailable marks a lease that is already held. Handled
	// locally by skipping to the next trigger.
	ErrNoneAvailable ErrKind = "NONE_AVAILABLE"

	// ErrUnavailable marks storage or a downstream being unreachable.
	ErrUnavailable ErrKind = "UNAVAILABLE"

	// ErrTimeout marks a handler or storage call exceeding its bound.
	ErrTimeout ErrKind = "TIMEOUT"

	// ErrHandlerError marks a handler returning failure.
	ErrHandlerError ErrKind = "HANDLER_ERROR"

	// ErrNoHandler marks a task_type with no registered handler.
	ErrNoHandler ErrKind = "NO_HANDLER"

	// ErrTooLarge marks a payload exceeding a batch or body limit.
	ErrTooLarge ErrKind = "TOO_LARGE"

	// ErrInternal marks any unclassified fault. Never retried.
	ErrInternal ErrKind = "INTERNAL"
)

// Retryable reports whether a run that failed with this kind is
// eligible for the retry policy.
func (k ErrKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrHandlerError, ErrUnavailable:
		return true
	default:
		return false
	}
}

// HTTPCode maps the kind to the status code the agent responds with.
func (k ErrKind) HTTPCode() int {
	switch k {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrForbidden:
		return http.StatusForbidden
	case ErrConflict, ErrNoneAvailable:
		return http.StatusConflict
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	case ErrNoHandler:
		return http.StatusUnprocessableEntity
	case ErrTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// SchedError is the structured error carried across component
// boundaries. User-visible responses contain the kind and message,
// never a stack.
type SchedError struct {
	Kind    ErrKind `json:"kind"`
	Message string  `json:"message"`

	// Optional identifiers locating the failure.
	TriggerID string `json:"trigger_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	LeaseID   string `json:"lease_id,omitempty"`

	// Details carries structured context safe to surface to callers.
	Details map[string]string `json:"details,omitempty"`

	// Wrapped is the underlying cause, if any. Excluded from
	// user-visible encodings.
	Wrapped error `json:"-"`
}

func (e *SchedError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *SchedError) Unwrap() error {
	return e.Wrapped
}

// WithTrigger returns e annotated with the trigger id.
func (e *SchedError) WithTrigger(id string) *SchedError {
	e.TriggerID = id
	return e
}

// WithRun returns e annotated with the run id.
func (e *SchedError) WithRun(id string) *SchedError {
	e.RunID = id
	return e
}

// WithLease returns e annotated with the lease id.
func (e *SchedError) WithLease(id string) *SchedError {
	e.LeaseID = id
	return e
}

// NewErr builds a SchedError of the given kind.
func NewErr(kind ErrKind, format string, args ...any) *SchedError {
	return &SchedError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapErr builds a SchedError of the given kind around a cause.
func WrapErr(kind ErrKind, err error, format string, args ...any) *SchedError {
	return &SchedError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Wrapped: err,
	}
}

// KindOf extracts the error kind, defaulting to INTERNAL for errors
// that did not originate in the core.
func KindOf(err error) ErrKind {
	var serr *SchedError
	if errors.As(err, &serr) {
		return serr.Kind
	}
	return ErrInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrKind) bool {
	return err != nil && KindOf(err) == kind
}
