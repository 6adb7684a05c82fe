// Package apperr defines the engine-level error taxonomy shared by all
// services. Handlers map kinds to HTTP status codes at the boundary; pure
// engines return these as tagged values instead of panicking.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling.
type Kind int

const (
	// Internal is the zero value: an unexpected failure that must never
	// leak details to clients.
	Internal Kind = iota
	// InvalidInput covers malformed JSON, schema violations, and unknown
	// variant kinds rejected at ingress.
	InvalidInput
	// Unauthorized covers missing or invalid bearer credentials.
	Unauthorized
	// NotFound covers lookups of unknown entities within an org.
	NotFound
	// Conflict covers state machine violations (scheduling a non-draft
	// campaign, re-converting a lead differently).
	Conflict
	// ProviderError covers failures reported by a messaging provider
	// adapter. Retryable is set per classification.
	ProviderError
	// TransientDependency covers dependency outages the job substrate
	// should retry.
	TransientDependency
)

// Error is a tagged error value carrying a kind, a user-safe message and
// optional field-level details.
type Error struct {
	Kind      Kind
	Message   string
	Fields    []string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error with a kind and user-safe message.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Invalid creates an InvalidInput error listing the offending fields.
func Invalid(message string, fields ...string) *Error {
	return &Error{Kind: InvalidInput, Message: message, Fields: fields}
}

// KindOf extracts the kind from err, or Internal for untagged errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// IsRetryable reports whether the job substrate should retry after err.
// TransientDependency is always retryable; ProviderError only when the
// adapter classified it so.
func IsRetryable(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return true // unknown errors are assumed transient
	}
	switch ae.Kind {
	case TransientDependency:
		return true
	case ProviderError:
		return ae.Retryable
	default:
		return false
	}
}
