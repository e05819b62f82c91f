// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies the errors returned by drivers and by the lifecycle tracker.
type ErrorKind int

const (
	// SetupError is returned when no matching device is found, a queue can't be created or the kernel
	// can't be built.
	SetupError ErrorKind = iota

	// CompilationError is a SetupError caused by an invalid kernel source.
	CompilationError

	// BindError is returned when binding a buffer to an argument slot that doesn't exist on the kernel.
	BindError

	// SubmitError is returned when a command is submitted with unbound arguments, or rejected by the queue.
	SubmitError

	// WaitError is returned when waiting on a handle never associated with a command, or when the device
	// reports an execution fault for the command.
	WaitError

	// QueryError is returned when the reference count of a buffer can't be retrieved.
	QueryError
)

var errorKindNames = map[ErrorKind]string{
	SetupError:       "SetupError",
	CompilationError: "CompilationError",
	BindError:        "BindError",
	SubmitError:      "SubmitError",
	WaitError:        "WaitError",
	QueryError:       "QueryError",
}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if name, found := errorKindNames[k]; found {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the error type returned by the backends: it carries the kind of failure, the operation
// that failed and the underlying cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError creates an *Error of the given kind for the operation op.
// The cause err is expected to be created with github.com/pkg/errors, so it carries a stack trace.
func NewError(kind ErrorKind, op string, err error) *Error {
	if err == nil {
		err = errors.New("unknown error")
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates an *Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, op string, format string, args ...any) *Error {
	return NewError(kind, op, errors.Errorf(format, args...))
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s in %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Format implements fmt.Formatter, so "%+v" prints the stack trace of the cause.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s in %s: %+v", e.Kind, e.Op, e.Err)
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// KindOf returns the ErrorKind of err, if it is (or wraps) an *Error.
func KindOf(err error) (kind ErrorKind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsKind returns whether err is (or wraps) an *Error of the given kind.
// A CompilationError is also considered a SetupError.
func IsKind(err error, kind ErrorKind) bool {
	got, ok := KindOf(err)
	if !ok {
		return false
	}
	if got == kind {
		return true
	}
	return kind == SetupError && got == CompilationError
}
