package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the client-visible classification of a failed operation.
type ErrorKind string

const (
	KindAuthentication    ErrorKind = "authentication"
	KindAuthorization     ErrorKind = "authorization"
	KindValidation        ErrorKind = "validation"
	KindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	KindConflict          ErrorKind = "conflict"
	KindInternal          ErrorKind = "internal"
)

// Error carries a kind that is reported to the originating connection.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Is matches another *Error of the same kind and message so sentinel values
// survive wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Message == e.Message
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(format string, args ...any) *Error {
	return newError(KindAuthentication, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(KindAuthorization, format, args...)
}

func Invalid(format string, args ...any) *Error {
	return newError(KindValidation, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return newError(KindRateLimitExceeded, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(KindConflict, format, args...)
}

// KindOfError extracts the kind of err. Errors outside the taxonomy are
// internal.
func KindOfError(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Validation errors shared across packages.
var (
	ErrInvalidIdentity    = Invalid("identity must be 1-64 characters, alphanumeric, underscore, hyphen or dot")
	ErrInvalidRoomID      = Invalid("room id is malformed")
	ErrInvalidRoomKind    = Invalid("unknown room kind")
	ErrRoomKindMismatch   = Invalid("room id does not match room kind")
	ErrEmptyPayload       = Invalid("payload cannot be empty")
	ErrPayloadTooLarge    = Invalid("payload exceeds 16KB limit")
	ErrInvalidMessageKind = Invalid("invalid message kind")
	ErrUnknownEvent       = Invalid("unknown event")
	ErrMalformedEvent     = Invalid("malformed event payload")
)
