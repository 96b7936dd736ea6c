// Package mcperr defines the error kinds the gateway distinguishes at its
// boundaries, so the transport can build a correctly coded
// JSON-RPC error envelope regardless of which component produced the
// failure.
package mcperr

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway-internal error for translation into a JSON-RPC
// error code and HTTP status at the transport boundary.
type Kind int

const (
	// KindParse is malformed JSON-RPC framing (-32700).
	KindParse Kind = iota
	// KindInvalidRequest is a structurally invalid request (-32600/-32000).
	KindInvalidRequest
	// KindMethodNotFound is an unknown method or tool name (-32601).
	KindMethodNotFound
	// KindInvalidParams is a schema mismatch in a tool call (-32602).
	KindInvalidParams
	// KindSessionNotFound is a missing or expired session (-32001).
	KindSessionNotFound
	// KindTimeout is a per-call or queue timeout (-32000).
	KindTimeout
	// KindCircuitOpen is rejection by an open circuit breaker.
	KindCircuitOpen
	// KindUpstream is an error returned by an upstream server, code preserved.
	KindUpstream
	// KindTransport is a network, broken-pipe, or spawn failure.
	KindTransport
	// KindInternal is an unclassified internal failure (-32603).
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindInvalidRequest:
		return "invalid_request"
	case KindMethodNotFound:
		return "method_not_found"
	case KindInvalidParams:
		return "invalid_params"
	case KindSessionNotFound:
		return "session_not_found"
	case KindTimeout:
		return "timeout"
	case KindCircuitOpen:
		return "circuit_open"
	case KindUpstream:
		return "upstream"
	case KindTransport:
		return "transport"
	default:
		return "internal"
	}
}

// Error is a typed gateway error carrying the kind, an optional preserved
// upstream JSON-RPC code, and the wrapped cause.
type Error struct {
	Kind       Kind
	Code       int64 // preserved upstream code, only meaningful for KindUpstream
	Message    string
	RetryAfter int // seconds; only meaningful for KindCircuitOpen
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a gateway error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a gateway error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Upstream wraps an error returned by an upstream server, preserving its
// original JSON-RPC code.
func Upstream(upstreamID string, code int64, message string) *Error {
	return &Error{
		Kind:    KindUpstream,
		Code:    code,
		Message: fmt.Sprintf("upstream %s: %s", upstreamID, message),
	}
}

// CircuitOpen builds the error a tripped circuit breaker returns, with the
// retry-after hint rounded up to the nearest whole second (ceil(cooldownMs/1000)).
func CircuitOpen(upstreamID string, retryAfterSeconds int) *Error {
	return &Error{
		Kind:       KindCircuitOpen,
		Message:    fmt.Sprintf("circuit open for upstream %s", upstreamID),
		RetryAfter: retryAfterSeconds,
	}
}

// As is a convenience wrapper over errors.As for *Error.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
