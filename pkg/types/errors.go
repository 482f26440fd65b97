package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies failures uniformly across logs, job records, and HTTP
// error payloads.
type ErrorKind string

const (
	KindValidation       ErrorKind = "validation_error"
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindForbidden        ErrorKind = "forbidden"
	KindOutOfMemory      ErrorKind = "out_of_memory"
	KindTransientBackend ErrorKind = "transient_backend"
	KindTimeout          ErrorKind = "timeout"
	KindCircuitOpen      ErrorKind = "circuit_open"
	KindCancelled        ErrorKind = "cancelled"
	KindAbandoned        ErrorKind = "abandoned"
	KindInternal         ErrorKind = "internal"
)

// Retriable reports whether the worker may retry a synthesis attempt that
// failed with this kind.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindOutOfMemory, KindTransientBackend, KindTimeout:
		return true
	}
	return false
}

// HTTPStatus maps the kind to its HTTP response code. Terminal-only kinds
// (cancelled, abandoned) never surface on the request path directly; they map
// to 500 should they ever escape.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error is the typed error carried through the worker and surfaced by the
// gateway. Message is a short user-facing string; Err (optional) preserves the
// underlying cause for logs.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// E constructs an [*Error] with a formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an [*Error] that preserves err as the cause.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the [ErrorKind] from err, walking the unwrap chain. Errors
// without a typed kind classify as internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// MessageOf returns the short user-facing message from err, or a generic one
// for untyped errors so that internals never leak to clients.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return "internal error"
}
