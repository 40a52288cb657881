// Package gatewayerr defines the error taxonomy shared across promptgate's
// components, so that internal/boundary can map any error returned by the
// pipeline, rule store, or evaluator to a stable HTTP status without each
// caller needing to know the originating package.
package gatewayerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for status-code mapping and logging.
type Kind string

const (
	KindInvalidInput          Kind = "invalid_input"
	KindConflict              Kind = "conflict"
	KindNotFound              Kind = "not_found"
	KindDeadlineExceeded      Kind = "deadline_exceeded"
	KindDependencyUnavailable Kind = "dependency_unavailable"
	KindInternal              Kind = "internal"
)

// Error wraps an underlying cause with a Kind used for HTTP mapping.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(format string, args ...interface{}) *Error {
	return newf(KindInvalidInput, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newf(KindConflict, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newf(KindNotFound, format, args...)
}

func DeadlineExceeded(format string, args ...interface{}) *Error {
	return newf(KindDeadlineExceeded, format, args...)
}

func DependencyUnavailable(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindDependencyUnavailable, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Internal(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for errors that
// were never classified (e.g. a bare error from a third-party library).
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}
