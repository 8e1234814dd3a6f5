// SPDX-License-Identifier: MPL-2.0
// Copyright (c) 2025 Daniel Schmidt

package mit

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies a MitError into the error taxonomy of the library.
type ErrorCode string

const (
	// ErrSchemaNotFound indicates that no schema is registered for the
	// requested controller version.
	ErrSchemaNotFound ErrorCode = "SchemaNotFound"

	// ErrUnknownClass indicates that a class name could not be resolved
	// against the loaded schema.
	ErrUnknownClass ErrorCode = "UnknownClass"

	// ErrMalformedName indicates that an Rn or Dn string failed to parse
	// or failed a round-trip check.
	ErrMalformedName ErrorCode = "MalformedName"

	// ErrIllegalContainment indicates a parent/child relationship that
	// violates the schema containment rules.
	ErrIllegalContainment ErrorCode = "IllegalContainment"

	// ErrUnknownProperty indicates a write to a property the class meta
	// does not define.
	ErrUnknownProperty ErrorCode = "UnknownProperty"

	// ErrReadOnlyProperty indicates a write to a property that cannot be
	// modified (create-only after creation, or non-configurable).
	ErrReadOnlyProperty ErrorCode = "ReadOnlyProperty"

	// ErrTypeMismatch indicates a property value that does not conform to
	// the property's semantic type.
	ErrTypeMismatch ErrorCode = "TypeMismatch"

	// ErrLoginFailed indicates the controller rejected the credentials.
	// Terminal until credentials change.
	ErrLoginFailed ErrorCode = "LoginError"

	// ErrSigningFailed indicates a per-request signature could not be
	// produced, typically due to missing or invalid key material.
	ErrSigningFailed ErrorCode = "SigningError"

	// ErrSessionExpired indicates the session token passed its refresh
	// deadline. Recoverable by re-authenticating and replaying the call.
	ErrSessionExpired ErrorCode = "SessionExpired"

	// ErrQueryFailed indicates a malformed or rejected query. Not retried
	// automatically; the caller must fix the query.
	ErrQueryFailed ErrorCode = "QueryError"

	// ErrCommitFailed indicates the controller rejected a config request.
	// Local dirty state is preserved unchanged.
	ErrCommitFailed ErrorCode = "CommitError"

	// ErrSubscriptionLost indicates a missed renewal deadline or
	// controller-side retirement of a subscription. The caller must
	// resubscribe.
	ErrSubscriptionLost ErrorCode = "SubscriptionLost"
)

// MitError represents a structured library error with operation context.
//
// Errors originating from the controller carry the machine-readable code
// and human text from the error envelope, plus enough Dn/class/property
// context to be actionable. The underlying transport error, if any, is
// available via Unwrap and is never masked.
type MitError struct {
	// Code classifies the error within the library taxonomy
	Code ErrorCode

	// Operation name that failed
	Operation string

	// Human-readable error message
	Message string

	// RemoteCode is the machine-readable code from the controller error
	// envelope, if the error originated remotely
	RemoteCode string

	// HTTPCode is the HTTP status of the failed call, if any
	HTTPCode int

	// Dn, ClassName and Property identify the object the error relates
	// to, when known
	Dn        string
	ClassName string
	Property  string

	// Number of retry attempts made
	Retries int

	// Err is the wrapped cause, typically a transport error
	Err error
}

// Error implements the error interface
func (e *MitError) Error() string {
	msg := fmt.Sprintf("mit: %s failed: %s: %s", e.Operation, e.Code, e.Message)
	if e.Dn != "" {
		msg += fmt.Sprintf(" (dn: %s)", e.Dn)
	}
	if e.Retries > 0 {
		msg += fmt.Sprintf(" (retries: %d)", e.Retries)
	}
	return msg
}

// Unwrap returns the wrapped cause so errors.Is and errors.As can reach
// the underlying transport error.
func (e *MitError) Unwrap() error {
	return e.Err
}

// Is matches other *MitError values by code, so callers can test for a
// taxonomy code with errors.Is.
func (e *MitError) Is(target error) bool {
	t, ok := target.(*MitError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// newError creates a MitError with the given code, operation and message.
func newError(code ErrorCode, operation, format string, args ...any) *MitError {
	return &MitError{
		Code:      code,
		Operation: operation,
		Message:   fmt.Sprintf(format, args...),
	}
}

// IsCode reports whether err is a *MitError carrying the given code.
//
// Example:
//
//	if mit.IsCode(err, mit.ErrSessionExpired) {
//	    // re-authenticate and replay
//	}
func IsCode(err error, code ErrorCode) bool {
	var e *MitError
	return errors.As(err, &e) && e.Code == code
}

// TransientHTTPCodes lists the HTTP status codes that trigger automatic
// retry with backoff.
//
// These are typically caused by temporary conditions:
//   - 429: rate limiting
//   - 502/503/504: controller or proxy temporarily unavailable
//
// 4xx codes other than 429 are permanent (bad query, bad payload, bad
// credentials) and are surfaced immediately.
var TransientHTTPCodes = []int{
	http.StatusTooManyRequests,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// isTransientHTTPCode checks a status code against TransientHTTPCodes.
func isTransientHTTPCode(code int) bool {
	for _, c := range TransientHTTPCodes {
		if c == code {
			return true
		}
	}
	return false
}
