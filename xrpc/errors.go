package xrpc

import (
	"fmt"
)

// ErrorKind classifies how an XRPC call failed: the call never reached the
// server, the server replied but its body didn't parse, the server replied
// with a non-2xx status carrying no typed error body, the server replied
// with a typed XRPC error, or the response Content-Type didn't match what
// the method descriptor expected.
type ErrorKind int

const (
	HttpFailure ErrorKind = iota
	Decode
	Status
	XrpcErrorKind
	UnexpectedResponseType
)

func (k ErrorKind) String() string {
	switch k {
	case HttpFailure:
		return "http_failure"
	case Decode:
		return "decode"
	case Status:
		return "status"
	case XrpcErrorKind:
		return "xrpc_error"
	case UnexpectedResponseType:
		return "unexpected_response_type"
	default:
		return "unknown"
	}
}

// XrpcError is the typed {"error","message"} body an atproto server returns
// alongside a non-2xx status, per the XRPC error-response convention.
type XrpcError struct {
	ErrorName string `json:"error"`
	Message   string `json:"message"`
}

// Error is the error type every failed Client call returns. It always
// carries a Kind so callers can switch on failure mode without string
// matching.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Xrpc       *XrpcError
	Wrapped    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case HttpFailure:
		return fmt.Sprintf("xrpc: request failed: %v", e.Wrapped)
	case Decode:
		return fmt.Sprintf("xrpc: failed to decode response: %v", e.Wrapped)
	case Status:
		return fmt.Sprintf("xrpc: unexpected status %d", e.StatusCode)
	case XrpcErrorKind:
		if e.Xrpc != nil {
			return fmt.Sprintf("xrpc: %s (%d): %s", e.Xrpc.ErrorName, e.StatusCode, e.Xrpc.Message)
		}
		return fmt.Sprintf("xrpc: error response (%d)", e.StatusCode)
	case UnexpectedResponseType:
		return fmt.Sprintf("xrpc: unexpected response content-type: %v", e.Wrapped)
	default:
		return "xrpc: unknown error"
	}
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is reports whether target names the same XRPC error by name, letting
// callers do errors.Is-style matching against well-known server errors such
// as ExpiredToken or InvalidToken without reaching into the Xrpc field.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e.Xrpc == nil || t.Xrpc == nil {
		return false
	}
	return e.Xrpc.ErrorName == t.Xrpc.ErrorName
}

// Named constructs a sentinel *Error carrying only an XRPC error name, for
// use with errors.Is.
func Named(name string) *Error {
	return &Error{Kind: XrpcErrorKind, Xrpc: &XrpcError{ErrorName: name}}
}

var (
	ErrExpiredToken = Named("ExpiredToken")
	ErrInvalidToken = Named("InvalidToken")
)
