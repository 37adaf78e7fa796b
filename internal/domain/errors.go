package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a failure for retry and operator-facing reporting.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindAuth       ErrorKind = "auth"
	KindConfig     ErrorKind = "config"
	KindParse      ErrorKind = "parse"
	KindSchema     ErrorKind = "schema"
	KindValidation ErrorKind = "validation"
	KindStorage    ErrorKind = "storage"
	KindDispatch   ErrorKind = "dispatch"
	KindInternal   ErrorKind = "internal"
)

// Error is the single error representation used across the pipeline:
// a kind plus a retryable flag instead of a type hierarchy.
type Error struct {
	Kind      ErrorKind
	Component string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TransportErr builds a retryable transport-level failure.
func TransportErr(component, message string, cause error) *Error {
	return &Error{Kind: KindTransport, Component: component, Message: message, Retryable: true, Err: cause}
}

// AuthErr builds a non-retryable credential/permission failure.
func AuthErr(component, message string, cause error) *Error {
	return &Error{Kind: KindAuth, Component: component, Message: message, Retryable: false, Err: cause}
}

// ConfigErr builds a non-retryable configuration failure.
func ConfigErr(component, message string, cause error) *Error {
	return &Error{Kind: KindConfig, Component: component, Message: message, Retryable: false, Err: cause}
}

// ParseErr builds a non-retryable document-structure failure.
func ParseErr(component, message string, cause error) *Error {
	return &Error{Kind: KindParse, Component: component, Message: message, Retryable: false, Err: cause}
}

// SchemaErr builds a non-retryable schema rejection.
func SchemaErr(component, message string, cause error) *Error {
	return &Error{Kind: KindSchema, Component: component, Message: message, Retryable: false, Err: cause}
}

// ValidationErr builds a non-retryable validation rejection.
func ValidationErr(component, message string, cause error) *Error {
	return &Error{Kind: KindValidation, Component: component, Message: message, Retryable: false, Err: cause}
}

// StorageErr builds a storage failure; writes are retried before the run fails.
func StorageErr(component, message string, retryable bool, cause error) *Error {
	return &Error{Kind: KindStorage, Component: component, Message: message, Retryable: retryable, Err: cause}
}

// DispatchErr builds a per-channel delivery failure.
func DispatchErr(component, message string, cause error) *Error {
	return &Error{Kind: KindDispatch, Component: component, Message: message, Retryable: true, Err: cause}
}

// InternalErr wraps a recovered panic or other programming fault.
func InternalErr(component, message string, cause error) *Error {
	return &Error{Kind: KindInternal, Component: component, Message: message, Retryable: false, Err: cause}
}

// FromHTTPStatus classifies an HTTP response status into the taxonomy.
// 5xx and 429 are retryable transport errors; 401/403 are auth errors;
// every other 4xx is a non-retryable transport error.
func FromHTTPStatus(component string, status int, url string) *Error {
	msg := fmt.Sprintf("unexpected status %d from %s", status, url)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return AuthErr(component, msg, nil)
	case status == http.StatusTooManyRequests || status >= 500:
		return TransportErr(component, msg, nil)
	default:
		return &Error{Kind: KindTransport, Component: component, Message: msg, Retryable: false}
	}
}

// IsRetryable reports whether err (or anything in its chain) is marked
// retryable. Unknown error types default to non-retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf extracts the taxonomy kind from an error chain, or KindInternal
// for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
