// Package apperr is the error taxonomy shared by the engines and the transport.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindUnauthenticated Kind = "unauthenticated"
	KindAuthorization   Kind = "authorization"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindStorageTimeout  Kind = "storage_timeout"
	KindInternal        Kind = "internal"
)

// Error carries a kind, an optional field tag and a caller-facing message.
// Cause is kept for logs and is never shown to callers.
type Error struct {
	Kind    Kind   `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"error"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind and message, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message && e.Field == t.Field
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Validation(field, message string) *Error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

func Auth(message string) *Error {
	return New(KindAuth, message)
}

func Unauthenticated(message string) *Error {
	return New(KindUnauthenticated, message)
}

func Forbidden(message string) *Error {
	return New(KindAuthorization, message)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func NotFound(message string) *Error {
	return New(KindNotFound, message)
}

// Timeout marks a storage call that ran past its deadline. Callers may retry the whole operation.
func Timeout(cause error) *Error {
	return &Error{Kind: KindStorageTimeout, Message: "storage timeout, retry later", Cause: cause}
}

func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: message, Cause: cause}
}

// KindOf returns the kind of err, or KindInternal for anything untyped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStorageTimeout
	}
	return KindInternal
}

// As returns err as *Error when it is one.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
