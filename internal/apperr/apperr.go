// Package apperr defines the classified errors shared by the sandbox, file
// operations and auth layers. Only the HTTP layer turns a Kind into a status.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	Internal Kind = iota
	Forbidden
	BadRequest
	Unauthorized
	PermissionDenied
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Forbidden:
		return "forbidden"
	case BadRequest:
		return "bad_request"
	case Unauthorized:
		return "unauthorized"
	case PermissionDenied:
		return "permission_denied"
	case NotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is a classified error. Message is safe to show to clients; Err is the
// underlying cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns a classified error around err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Common errors.
var (
	ErrForbiddenPath  = New(Forbidden, "forbidden path")
	ErrNotADirectory  = New(BadRequest, "not a directory")
	ErrIsADirectory   = New(BadRequest, "is a directory")
	ErrNotFound       = New(NotFound, "not found")
	ErrUnauthorized   = New(Unauthorized, "unauthorized")
	ErrAdminRequired  = New(PermissionDenied, "forbidden")
	ErrMissingFields  = New(BadRequest, "missing fields")
	ErrMissingPath    = New(BadRequest, "missing path")
	ErrInvalidRequest = New(BadRequest, "invalid request body")
)

// KindOf reports the classification of err. Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// PublicMessage returns the client-safe message for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a Kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Forbidden, PermissionDenied:
		return http.StatusForbidden
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
