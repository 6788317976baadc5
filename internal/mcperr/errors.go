// Package mcperr defines the local error taxonomy used throughout the
// aggregator and its mapping onto JSON-RPC error objects.
package mcperr

import "fmt"

// Code identifies one of the aggregator's local error classes. These are
// distinct from JSON-RPC errors forwarded verbatim from backends.
type Code string

const (
	ProtocolViolation  Code = "protocol_violation"
	BackendUnavailable Code = "backend_unavailable"
	ToolNotFound       Code = "tool_not_found"
	InvalidParams      Code = "invalid_params"
	TimedOut           Code = "timed_out"
	TransportFailed    Code = "transport_failed"
	ConfigError        Code = "config_error"
	SessionUnknown     Code = "session_unknown"
)

// jsonrpcCode maps each local Code onto a JSON-RPC error code in the
// implementation-defined range (-32000 to -32099), except InvalidParams
// which reuses the JSON-RPC-reserved -32602 since it means the same thing.
var jsonrpcCode = map[Code]int{
	ProtocolViolation:  -32000,
	BackendUnavailable: -32001,
	ToolNotFound:       -32002,
	InvalidParams:      -32602,
	TimedOut:           -32003,
	TransportFailed:    -32004,
	ConfigError:        -32005,
	SessionUnknown:     -32006,
}

// Error is a structured local error. It always carries a Code and a
// human-readable Message, and may wrap an underlying cause.
type Error struct {
	Code    Code
	Message string
	Backend string
	Cause   error
}

func (e *Error) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s (backend=%s)", e.Code, e.Message, e.Backend)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparisons against a bare Code-carrying *Error
// (e.g. errors.Is(err, mcperr.New(mcperr.TimedOut, ""))) by comparing codes.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

// New constructs an *Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that wraps cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WithBackend returns a copy of e annotated with the backend id that
// produced it.
func (e *Error) WithBackend(backendID string) *Error {
	clone := *e
	clone.Backend = backendID
	return &clone
}

// JSONRPCError is the wire shape of a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// JSONRPC converts e into the JSON-RPC error object the dispatcher writes
// onto the wire. The local Code is carried in Data so callers can branch on
// it programmatically without string-parsing Message.
func (e *Error) JSONRPC() JSONRPCError {
	code, ok := jsonrpcCode[e.Code]
	if !ok {
		code = -32099
	}
	data := map[string]string{"code": string(e.Code)}
	if e.Backend != "" {
		data["backend"] = e.Backend
	}
	return JSONRPCError{Code: code, Message: e.Message, Data: data}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and
// reports whether one was found.
func CodeOf(err error) (Code, bool) {
	var target *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			target = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if target == nil {
		return "", false
	}
	return target.Code, true
}
