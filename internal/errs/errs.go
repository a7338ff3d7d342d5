// Package errs defines the error codes shared between the kernel, the TCU,
// and the communication runtime, plus a typed error that carries a code
// through Go error chains.
package errs

import (
	"errors"
	"fmt"
)

// Code identifies the outcome of a kernel or TCU operation.
type Code int32

// Error codes. The numeric values are part of the kernel ABI and travel in
// syscall replies and TCU command registers.
const (
	None Code = iota
	InvArgs
	OutOfMem
	NoSpace
	NoPerm
	NoCredits
	NoMsgs
	RecvGone
	EPInvalid
	Abort
	Timeout
	Exists
	NotSup
	Unspecified
)

var codeNames = map[Code]string{
	None:        "None",
	InvArgs:     "InvArgs",
	OutOfMem:    "OutOfMem",
	NoSpace:     "NoSpace",
	NoPerm:      "NoPerm",
	NoCredits:   "NoCredits",
	NoMsgs:      "NoMsgs",
	RecvGone:    "RecvGone",
	EPInvalid:   "EPInvalid",
	Abort:       "Abort",
	Timeout:     "Timeout",
	Exists:      "Exists",
	NotSup:      "NotSup",
	Unspecified: "Unspecified",
}

var codeDescriptions = map[Code]string{
	None:        "no error",
	InvArgs:     "invalid arguments",
	OutOfMem:    "out of memory",
	NoSpace:     "no space left",
	NoPerm:      "permission denied",
	NoCredits:   "no credits left",
	NoMsgs:      "no messages available",
	RecvGone:    "receive gate is gone",
	EPInvalid:   "invalid endpoint",
	Abort:       "operation aborted",
	Timeout:     "operation timed out",
	Exists:      "object already exists",
	NotSup:      "operation not supported",
	Unspecified: "unspecified error",
}

func (c Code) String() string {
	name, ok := codeNames[c]
	if ok {
		return name
	}
	return fmt.Sprintf("{Code %d}", int32(c))
}

// Description returns a short human-readable description of the code.
func (c Code) Description() string {
	desc, ok := codeDescriptions[c]
	if ok {
		return desc
	}
	return fmt.Sprintf("{Code %d}", int32(c))
}

// Error is an error with an attached Code and the operation that failed.
type Error struct {
	Code Code
	Op   string
	Err  error
}

// New creates an error with the given code and operation name.
func New(code Code, op string) *Error {
	return &Error{Code: code, Op: op}
}

// Wrap attaches a code and operation to an underlying error.
func Wrap(code Code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Op, e.Code, e.Code.Description(), e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Op, e.Code, e.Code.Description())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code, which makes
// errors.Is(err, errs.New(errs.NoCredits, "")) work regardless of Op.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// CodeOf extracts the Code from an error chain. A nil error maps to None and
// an error without a code maps to Unspecified.
func CodeOf(err error) Code {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unspecified
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
