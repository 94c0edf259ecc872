// Package engine defines the error taxonomy shared by every component of
// the flow execution engine (tool sessions, the session pool, provider
// adapters, the step executor, the flow orchestrator, the event bus, and
// the credential cipher). Components wrap causes in an *Error carrying one
// of the closed set of Kinds so that callers at a component boundary can
// decide whether to surface, retry, or fail a step without re-parsing
// error strings.
package engine

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy's closed set of error categories.
type Kind string

const (
	BadRequest    Kind = "BadRequest"
	Unauthorized  Kind = "Unauthorized"
	Forbidden     Kind = "Forbidden"
	NotFound      Kind = "NotFound"
	Conflict      Kind = "Conflict"
	ConfigError   Kind = "ConfigError"
	TransportError Kind = "TransportError"
	Timeout       Kind = "Timeout"
	RemoteError   Kind = "RemoteError"
	CipherError   Kind = "CipherError"

	// NotConnected and invalid-format/version/hmac/padding kinds are
	// component-local refinements of the table above (C1 and C8
	// respectively) that still round-trip through the same *Error type.
	NotConnected  Kind = "NotConnected"
	InvalidFormat Kind = "InvalidFormat"
	InvalidVersion Kind = "InvalidVersion"
	HmacMismatch  Kind = "HmacMismatch"
	BadPadding    Kind = "BadPadding"
)

// Retryable reports whether an operation that failed with this kind is
// worth retrying: TransportError and Timeout are, everything else is not.
// The provider adapters' retry helper consults it; the orchestrator's
// retry_count loop retries a failed step whatever its error kind.
func (k Kind) Retryable() bool {
	switch k {
	case TransportError, Timeout:
		return true
	default:
		return false
	}
}

// Error is the engine-wide structured error. It wraps an underlying cause
// with a taxonomy Kind and an optional component tag for logging.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		if e.Component != "" {
			return fmt.Sprintf("%s[%s]: %s", e.Component, e.Kind, e.Message)
		}
		return fmt.Sprintf("[%s]: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s]: %s", e.Kind, e.Cause.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap produces an *Error of the given kind around cause. If cause is
// already an *Error of the same kind it is returned unchanged so repeated
// wrapping at nested boundaries doesn't stack redundant layers.
func Wrap(kind Kind, component string, cause error) *Error {
	var existing *Error
	if errors.As(cause, &existing) && existing.Kind == kind {
		return existing
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Component: component, Message: msg, Cause: cause}
}

// New constructs an *Error directly from a message, with no wrapped cause.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Is reports whether err is, or wraps, an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err if it is, or wraps, an *Error; ok is
// false for errors outside the taxonomy.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
