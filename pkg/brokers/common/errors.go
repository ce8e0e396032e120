package common

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// Kind classifies adapter errors. The engine retries connectivity errors
// only; rejections surface verbatim and are never auto-retried.
type Kind string

const (
	// KindConnectivity covers network faults, timeouts and expired or
	// missing sessions. Retryable.
	KindConnectivity Kind = "connectivity"
	// KindRejection is an explicit broker refusal. Not retryable.
	KindRejection Kind = "rejection"
	// KindValidation fails before any broker contact.
	KindValidation Kind = "validation"
	// KindCapability marks an operation the adapter variant lacks.
	KindCapability Kind = "capability"
)

// Error is the structured error every adapter returns across the contract
// boundary. Message carries the broker's raw text untouched.
type Error struct {
	Kind    Kind
	Broker  string
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Broker, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Broker, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the engine may retry the operation.
func (e *Error) Retryable() bool { return e.Kind == KindConnectivity }

// Connectivity wraps a transport-level failure.
func Connectivity(broker, op string, err error) *Error {
	msg := "connection failed"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Kind: KindConnectivity, Broker: broker, Op: op, Message: msg, Err: err}
}

// NotConnected reports an operation attempted without a live session.
func NotConnected(broker, op string) *Error {
	return &Error{Kind: KindConnectivity, Broker: broker, Op: op, Message: "broker not connected"}
}

// Rejection preserves an explicit broker refusal verbatim.
func Rejection(broker, op, message string) *Error {
	return &Error{Kind: KindRejection, Broker: broker, Op: op, Message: message}
}

// NotSupported marks a capability gap, distinct from a real failure.
func NotSupported(broker, op string) *Error {
	return &Error{Kind: KindCapability, Broker: broker, Op: op, Message: fmt.Sprintf("%s not supported", op)}
}

// Validation reports bad input caught before broker contact.
func Validation(broker, op, message string) *Error {
	return &Error{Kind: KindValidation, Broker: broker, Op: op, Message: message}
}

// AsError unwraps a classified adapter error if present.
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable connectivity fault.
// Unclassified network errors are treated as connectivity too.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if be, ok := AsError(err); ok {
		return be.Retryable()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}

// KindOf returns the classification for err, defaulting unknown errors to
// connectivity when they look transport-shaped and rejection otherwise.
func KindOf(err error) Kind {
	if be, ok := AsError(err); ok {
		return be.Kind
	}
	if IsRetryable(err) {
		return KindConnectivity
	}
	return KindRejection
}

// ClassifyHTTP maps a broker REST response to an error kind. 5xx and
// auth-expiry map to connectivity (retryable after re-auth); remaining 4xx
// are explicit refusals.
func ClassifyHTTP(broker, op string, status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusRequestTimeout:
		return &Error{Kind: KindConnectivity, Broker: broker, Op: op, Message: body}
	case status >= 500:
		return &Error{Kind: KindConnectivity, Broker: broker, Op: op, Message: body}
	default:
		return &Error{Kind: KindRejection, Broker: broker, Op: op, Message: body}
	}
}
