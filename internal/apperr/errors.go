// Package apperr defines the error taxonomy shared by the engine, the jobs and
// the HTTP edge.
package apperr

import (
	"errors"
	"fmt"
)

// Error is the domain error type. Reason is a stable snake_case string such as
// campaign_full that clients can branch on.
type Error struct {
	Code    Code
	Reason  string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code, and by reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code != t.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates an error with a code, reason and message.
func New(code Code, reason, message string) *Error {
	return &Error{Code: code, Reason: reason, Message: message}
}

// Newf is New with a formatted message.
func Newf(code Code, reason, format string, args ...any) *Error {
	return &Error{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and reason to an underlying cause.
func Wrap(code Code, reason, message string, cause error) *Error {
	return &Error{Code: code, Reason: reason, Message: message, Cause: cause}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

func NotFound(reason, message string) *Error {
	return New(CodeNotFound, reason, message)
}

func PermissionDenied(reason, message string) *Error {
	return New(CodePermissionDenied, reason, message)
}

func FailedPrecondition(reason, message string) *Error {
	return New(CodeFailedPrecondition, reason, message)
}

func InvalidArgument(reason, message string) *Error {
	return New(CodeInvalidArgument, reason, message)
}

func AlreadyExists(reason, message string) *Error {
	return New(CodeAlreadyExists, reason, message)
}

func Internal(reason, message string, cause error) *Error {
	return Wrap(CodeInternal, reason, message, cause)
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf returns the reason carried by err, empty for foreign errors.
func ReasonOf(err error) string {
	if e, ok := As(err); ok {
		return e.Reason
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// HasReason reports whether err carries the given code and reason.
func HasReason(err error, code Code, reason string) bool {
	return errors.Is(err, &Error{Code: code, Reason: reason})
}
