// Package hvperrors defines the closed error taxonomy surfaced at the
// boundary of the store: every failure the engine raises is tagged with one
// of a fixed set of Kinds so callers can branch on recoverability without
// type-switching on concrete error types.
package hvperrors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The set is closed and mirrors the taxonomy
// callers are expected to handle.
type Kind int

const (
	// Unknown is never returned by the engine; it is the zero value used to
	// detect a missing classification in tests.
	Unknown Kind = iota
	AuthRequired
	BadPassword
	Corrupt
	Locked
	NotFound
	Duplicate
	InvalidArgument
	Io
	Unsupported
)

func (k Kind) String() string {
	switch k {
	case AuthRequired:
		return "AuthRequired"
	case BadPassword:
		return "BadPassword"
	case Corrupt:
		return "Corrupt"
	case Locked:
		return "Locked"
	case NotFound:
		return "NotFound"
	case Duplicate:
		return "Duplicate"
	case InvalidArgument:
		return "InvalidArgument"
	case Io:
		return "Io"
	case Unsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Error is the single error type the engine raises at its public surface.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func AuthRequiredf(format string, args ...any) *Error {
	return newf(AuthRequired, format, args...)
}

func BadPasswordf(format string, args ...any) *Error {
	return newf(BadPassword, format, args...)
}

func Corruptf(format string, args ...any) *Error {
	return newf(Corrupt, format, args...)
}

func WrapCorrupt(err error, format string, args ...any) *Error {
	return wrapf(Corrupt, err, format, args...)
}

func Lockedf(format string, args ...any) *Error {
	return newf(Locked, format, args...)
}

func NotFoundf(format string, args ...any) *Error {
	return newf(NotFound, format, args...)
}

func Duplicatef(format string, args ...any) *Error {
	return newf(Duplicate, format, args...)
}

func InvalidArgumentf(format string, args ...any) *Error {
	return newf(InvalidArgument, format, args...)
}

func WrapIo(err error, format string, args ...any) *Error {
	return wrapf(Io, err, format, args...)
}

func Unsupportedf(format string, args ...any) *Error {
	return newf(Unsupported, format, args...)
}
