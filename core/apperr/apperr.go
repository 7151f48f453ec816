// Package apperr defines the error taxonomy shared by every core component.
//
// Components never return bare errors across their public boundary; they
// wrap them in an *Error carrying one of the Code values below, so callers
// (chiefly internal/httpapi) can map failures to a response without string
// matching.
package apperr

import "fmt"

type Code string

const (
	ValidationError    Code = "VALIDATION_ERROR"
	NotFound           Code = "NOT_FOUND"
	Forbidden          Code = "FORBIDDEN"
	Conflict           Code = "CONFLICT"
	UnsupportedRuntime Code = "UNSUPPORTED_RUNTIME"
	SandboxCreate      Code = "SANDBOX_CREATE"
	SandboxMissing     Code = "SANDBOX_MISSING"
	SandboxOp          Code = "SANDBOX_OP"
	Internal           Code = "INTERNAL"
)

// Error is the typed error every core component returns.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func Validation(format string, args ...any) *Error { return newf(ValidationError, format, args...) }

func NewNotFound(format string, args ...any) *Error { return newf(NotFound, format, args...) }

func NewForbidden(format string, args ...any) *Error { return newf(Forbidden, format, args...) }

func NewConflict(format string, args ...any) *Error { return newf(Conflict, format, args...) }

func UnsupportedRuntimeErr(tag string) *Error {
	return newf(UnsupportedRuntime, "unsupported runtime: %s", tag)
}

func WrapSandboxCreate(err error, format string, args ...any) *Error {
	return wrapf(SandboxCreate, err, format, args...)
}

func NewSandboxMissing(format string, args ...any) *Error {
	return newf(SandboxMissing, format, args...)
}

func WrapSandboxOp(err error, format string, args ...any) *Error {
	return wrapf(SandboxOp, err, format, args...)
}

func WrapInternal(err error, format string, args ...any) *Error {
	return wrapf(Internal, err, format, args...)
}

// As reports whether err (or something it wraps) is an *Error, returning it.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	if ok {
		return e, true
	}
	type unwrapper interface{ Unwrap() error }
	for u, ok := err.(unwrapper); ok; u, ok = err.(unwrapper) {
		err = u.Unwrap()
		if e, ok := err.(*Error); ok {
			return e, true
		}
	}
	return nil, false
}

// CodeOf returns the Code of err if it is (or wraps) an *Error, else Internal.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}
