// Package errs defines the broker's structured error kinds (§7), an
// explicit improvement over isNotFound/isValidationError string-sniffing:
// every transport (internal/rpc, internal/admin) maps a closed, enumerable
// Kind to its own status representation instead of pattern-matching error
// strings.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the semantic error categories named in §7. It is a
// defined string type rather than per-package sentinel errors.New vars,
// so callers can switch on it without comparing against package-specific
// variables.
type Kind string

const (
	KindNotFound        Kind = "NotFound"
	KindStateConflict   Kind = "StateConflict"
	KindBlocked         Kind = "Blocked"
	KindMissingDiff     Kind = "MissingDiff"
	KindNotAcked        Kind = "NotAcked"
	KindValidationError Kind = "ValidationError"
	KindUnauthorized    Kind = "Unauthorized"
	KindInternal        Kind = "Internal"
)

// Error wraps a Kind with a human-readable message and, for Internal
// errors, the underlying cause.
type Error struct {
	kind    Kind
	message string
	cause   error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{kind: kind, message: message}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Internal Error carrying the given cause.
func Wrap(cause error) *Error {
	return &Error{kind: KindInternal, message: cause.Error(), cause: cause}
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Kind returns the error's semantic category.
func (e *Error) Kind() Kind {
	return e.kind
}

// KindOf extracts the Kind from err, defaulting to KindInternal for any
// error not constructed by this package.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindInternal
}
