// Package errkind defines the structured error kinds surfaced to
// clients (§7) and the helpers used to raise and translate them,
// mirroring the way the teacher's cli package wraps failures with
// github.com/pkg/errors while keeping a classification the wire
// protocol can carry as a numeric status.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error the way the response payload of §4.F, §7
// requires: a class plus a numeric code plus a message.
type Kind int

const (
	// Platform is an OS/syscall failure; the numeric code is the
	// platform error number.
	Platform Kind = iota
	// Network is a Channel-level failure, including malformed RPC
	// messages.
	Network
	// NotImplemented marks a code path that is recognized but not
	// built.
	NotImplemented
	// NotSupported marks an unsupported option combination.
	NotSupported
	// NotFound marks a missing object id.
	NotFound
	// InvalidOperation marks a state-machine violation.
	InvalidOperation
	// OperationInProgress marks a non-blocking call on a blocked
	// resource.
	OperationInProgress
	// Timeout marks a configured deadline exceeded.
	Timeout
	// Argument marks general input validation failure.
	Argument
	// ArgumentNull marks a required argument that was nil/empty.
	ArgumentNull
	// ArgumentOutOfBounds marks an argument outside its valid range.
	ArgumentOutOfBounds
	// Option marks a rejected startup-time setting.
	Option
	// Configuration marks a rejected configuration change.
	Configuration
	// UserCallback wraps an error returned from a dynamic-stream
	// generator callback.
	UserCallback
)

//nolint:gochecknoglobals
var names = map[Kind]string{
	Platform:            "Platform",
	Network:             "Network",
	NotImplemented:      "NotImplemented",
	NotSupported:        "NotSupported",
	NotFound:            "NotFound",
	InvalidOperation:    "InvalidOperation",
	OperationInProgress: "OperationInProgress",
	Timeout:             "Timeout",
	Argument:            "Argument",
	ArgumentNull:        "ArgumentNull",
	ArgumentOutOfBounds: "ArgumentOutOfBounds",
	Option:              "Option",
	Configuration:       "Configuration",
	UserCallback:        "UserCallback",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}

	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the structured error every handler-facing API returns
// instead of a bare error, so the §4.F response path can carry class +
// code + message without type-switching on arbitrary errors.
type Error struct {
	Kind    Kind
	Code    uint32
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}

	return e.Kind.String()
}

// Unwrap lets errors.Is/errors.As and github.com/pkg/errors.Cause see
// through to whatever lower-level failure produced this Error.
func (e *Error) Unwrap() error {
	return e.cause
}

// New creates an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind and message to a lower-level error, the way the
// teacher's cli package calls errors.Wrap on I/O failures.
func Wrap(cause error, kind Kind, message string) *Error {
	if cause == nil {
		return nil
	}

	return &Error{Kind: kind, Message: message, cause: errors.Wrap(cause, message)}
}

// WithCode attaches a numeric code, returning the same *Error for
// chaining at the call site.
func (e *Error) WithCode(code uint32) *Error {
	e.Code = code
	return e
}

// As reports whether err is (or wraps) an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}

	return nil, false
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}
