package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for API mapping and operator display.
type Kind string

const (
	KindUnauthenticated   Kind = "Unauthenticated"
	KindForbidden         Kind = "Forbidden"
	KindBadRequest        Kind = "BadRequest"
	KindKindMismatch      Kind = "KindMismatch"
	KindAlreadyRegistered Kind = "AlreadyRegistered"
	KindUnknownCommand    Kind = "UnknownCommand"
	KindConflict          Kind = "Conflict"
	KindNotFound          Kind = "NotFound"
	KindTryAgainLater     Kind = "TryAgainLater"
	KindInternal          Kind = "Internal"
)

// Error carries a classification kind and an operator-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Ef builds a classified error with a formatted message.
func Ef(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the classification of err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
