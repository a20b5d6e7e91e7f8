// Package toolerr defines the structured error type surfaced by every tool
// handler. Errors carry a kind (taxonomy bucket), a stable machine code, a
// human message, and an optional hint and details payload.
package toolerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for dispatch and client handling.
type Kind string

const (
	KindInvalidParams Kind = "invalid_params"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindDenied        Kind = "denied"
	KindInternal      Kind = "internal"
)

// Error is the structured tool error.
type Error struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// WithHint attaches a hint and returns the error for chaining.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithDetails attaches a details map and returns the error for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func newError(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams reports a malformed or missing argument.
func InvalidParams(code, format string, args ...any) *Error {
	return newError(KindInvalidParams, code, format, args...)
}

// NotFound reports a missing entity.
func NotFound(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

// Conflict reports a state conflict (type mismatch, lock held).
func Conflict(code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

// Denied reports a policy or safety refusal.
func Denied(code, format string, args ...any) *Error {
	return newError(KindDenied, code, format, args...)
}

// Internal reports an unexpected failure.
func Internal(code, format string, args ...any) *Error {
	return newError(KindInternal, code, format, args...)
}

// From coerces any error into a structured Error. Already-structured errors
// pass through unchanged; everything else becomes an internal error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: KindInternal, Code: "INTERNAL", Message: err.Error()}
}

// JSON-RPC error codes, matching the 2.0 spec for parameter errors and the
// implementation-defined range for the rest.
const (
	rpcInvalidParams = -32602
	rpcServerError   = -32000
)

// RPCCode maps the error kind to a JSON-RPC error code.
func (e *Error) RPCCode() int {
	if e.Kind == KindInvalidParams {
		return rpcInvalidParams
	}
	return rpcServerError
}
