// Package errs defines the tagged errors returned by connection commands and
// carried by read-loop error events.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The string value is what crosses the external
// interface as an error code.
type Kind string

const (
	InvalidArgument Kind = "InvalidArgument"
	ConnectFailed   Kind = "ConnectFailed"
	UnknownHandle   Kind = "UnknownHandle"
	WriteFailed     Kind = "WriteFailed"
	ReadFailed      Kind = "ReadFailed"
	DuplicateHandle Kind = "DuplicateHandle"
	Internal        Kind = "Internal"
)

// Error is a failure tagged with its Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error // underlying I/O error, if any
}

// New returns an *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags err with kind. The message defaults to err's text.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind, so callers can write
// errors.Is(err, errs.New(errs.UnknownHandle, "")) or use KindOf.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf reports the Kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf returns the message of the first *Error in err's chain, falling
// back to err.Error().
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
