// Package errs defines the error kinds shared across the hub. Callers branch
// on Kind rather than on error strings; HTTP and CLI layers map kinds to
// status codes and exit codes.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for routing and presentation.
type Kind string

const (
	// KindPreconditionFailed means the caller asked for something the current
	// state forbids. Surfaced, never retried.
	KindPreconditionFailed Kind = "precondition_failed"

	// KindNotFound means the entity is missing on disk or in memory.
	KindNotFound Kind = "not_found"

	// KindFileCorrupt means an authoritative JSON/YAML file cannot be parsed.
	KindFileCorrupt Kind = "file_corrupt"

	// KindAdapterFailed means a single delivery adapter returned an error.
	// Captured per target; never aborts the turn.
	KindAdapterFailed Kind = "adapter_failed"

	// KindDestinationUnavailable means a destination preflight failed.
	KindDestinationUnavailable Kind = "destination_unavailable"

	// KindAgentProtocolError means unexpected framing from an agent process.
	KindAgentProtocolError Kind = "agent_protocol_error"

	// KindCancelled means a caller stop or client disconnect. Internal only,
	// never user-facing as an error.
	KindCancelled Kind = "cancelled"

	// KindInternal means a programmer error or violated invariant.
	KindInternal Kind = "internal"
)

// Error carries a kind, a message, an optional offending path, and a wrapped
// cause.
type Error struct {
	Kind Kind
	Msg  string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (%s): %v", e.Kind, e.Msg, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind wrapping a cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithPath attaches the offending path.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// PreconditionFailed creates a precondition_failed error.
func PreconditionFailed(format string, args ...any) *Error {
	return Newf(KindPreconditionFailed, format, args...)
}

// NotFound creates a not_found error.
func NotFound(format string, args ...any) *Error {
	return Newf(KindNotFound, format, args...)
}

// FileCorrupt creates a file_corrupt error for the given path.
func FileCorrupt(path string, err error) *Error {
	return &Error{Kind: KindFileCorrupt, Msg: "cannot parse file", Path: path, Err: err}
}

// AdapterFailed creates an adapter_failed error.
func AdapterFailed(msg string, err error) *Error {
	return Wrap(KindAdapterFailed, msg, err)
}

// DestinationUnavailable creates a destination_unavailable error.
func DestinationUnavailable(msg string, err error) *Error {
	return Wrap(KindDestinationUnavailable, msg, err)
}

// AgentProtocol creates an agent_protocol_error.
func AgentProtocol(msg string, err error) *Error {
	return Wrap(KindAgentProtocolError, msg, err)
}

// Cancelled creates a cancelled error.
func Cancelled(msg string) *Error {
	return New(KindCancelled, msg)
}

// Internal creates an internal error.
func Internal(msg string, err error) *Error {
	return Wrap(KindInternal, msg, err)
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
