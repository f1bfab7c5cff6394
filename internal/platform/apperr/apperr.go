// Package apperr defines the typed failures surfaced by the LIMS core. Every
// failure carries a stable machine-readable Kind plus a human-readable message
// so that callers can tell "try again later" (Conflict) apart from "fix your
// data first" (PreconditionFailed).
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Kind is the machine-readable failure code.
type Kind string

const (
	KindInvalidTransition  Kind = "INVALID_TRANSITION"
	KindPreconditionFailed Kind = "PRECONDITION_FAILED"
	KindForbidden          Kind = "FORBIDDEN"
	KindConflict           Kind = "CONFLICT"
	KindAlreadyFinalized   Kind = "ALREADY_FINALIZED"
	KindRenderFailed       Kind = "RENDER_FAILED"
	KindStorageFailed      Kind = "STORAGE_FAILED"
	KindNotFound           Kind = "NOT_FOUND"
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindInternal           Kind = "INTERNAL"
)

// Error is a typed failure.
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

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func InvalidTransition(format string, args ...interface{}) *Error {
	return New(KindInvalidTransition, format, args...)
}

func PreconditionFailed(format string, args ...interface{}) *Error {
	return New(KindPreconditionFailed, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return New(KindForbidden, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidArgument(format string, args ...interface{}) *Error {
	return New(KindInvalidArgument, format, args...)
}

// KindOf returns the Kind of the first *Error in err's chain, or
// KindInternal for untyped errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidTransition:
		return http.StatusUnprocessableEntity
	case KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case KindForbidden:
		return http.StatusForbidden
	case KindConflict, KindAlreadyFinalized:
		return http.StatusConflict
	case KindRenderFailed, KindStorageFailed:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error payload returned to API clients.
type Body struct {
	Code    Kind   `json:"code"`
	Message string `json:"message"`
}

// ToHTTP converts err into an echo.HTTPError carrying a Body. Internal
// errors are not echoed back verbatim.
func ToHTTP(err error) *echo.HTTPError {
	var ae *Error
	if !errors.As(err, &ae) {
		return echo.NewHTTPError(http.StatusInternalServerError, Body{Code: KindInternal, Message: "internal error"})
	}
	return echo.NewHTTPError(HTTPStatus(ae.Kind), Body{Code: ae.Kind, Message: ae.Message})
}
