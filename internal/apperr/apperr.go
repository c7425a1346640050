// Package apperr defines the error taxonomy shared by every command path.
//
// Callers get a *Error carrying a machine-readable Kind and a human message;
// transports map the kind to a status code and never inspect messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable error category.
type Kind string

const (
	KindUnknown                 Kind = "UNKNOWN"
	KindInvalidTransition       Kind = "INVALID_TRANSITION"
	KindPollClosed              Kind = "POLL_CLOSED"
	KindNotFound                Kind = "NOT_FOUND"
	KindInvalidArgument         Kind = "INVALID_ARGUMENT"
	KindNoAttendees             Kind = "NO_ATTENDEES"
	KindNoSuitableGames         Kind = "NO_SUITABLE_GAMES"
	KindCollaboratorUnavailable Kind = "COLLABORATOR_UNAVAILABLE"
)

// Error is a domain error with optional metadata for the caller.
type Error struct {
	Kind    Kind
	Message string
	Meta    map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind, so errors.Is(err, apperr.New(KindNotFound, ""))
// works without comparing messages.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithMeta returns e with key set in its metadata.
func (e *Error) WithMeta(key, value string) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]string)
	}
	e.Meta[key] = value
	return e
}

func InvalidTransition(expected, actual string) *Error {
	return New(KindInvalidTransition, "expected state %s, got %s", expected, actual).
		WithMeta("expected", expected).
		WithMeta("actual", actual)
}

func NotFound(what, id string) *Error {
	return New(KindNotFound, "%s %s not found", what, id).WithMeta("id", id)
}

func PollClosed(state string) *Error {
	return New(KindPollClosed, "availability poll is not open (state %s)", state).WithMeta("state", state)
}

func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, format, args...)
}

func Unavailable(err error, what string) *Error {
	return Wrap(KindCollaboratorUnavailable, err, "%s unavailable", what)
}

// KindOf extracts the kind from any error; non-domain errors are KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may retry the same command later.
func Retryable(err error) bool {
	return IsKind(err, KindCollaboratorUnavailable)
}

// Informational kinds end a pipeline early without being failures.
func Informational(err error) bool {
	switch KindOf(err) {
	case KindNoAttendees, KindNoSuitableGames:
		return true
	}
	return false
}

// HTTPStatus maps kinds to transport status codes.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidTransition, KindPollClosed:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNoAttendees, KindNoSuitableGames:
		return http.StatusOK
	case KindCollaboratorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
