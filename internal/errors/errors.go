package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidInput  = errors.New("invalid input")
	ErrRateLimited   = errors.New("rate limited")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrProvider      = errors.New("provider failure")
	ErrInternalError = errors.New("internal error")
)

// Kind represents the category of error
type Kind string

const (
	KindAuth        Kind = "auth"
	KindForbidden   Kind = "forbidden"
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate_limited"
	KindNotFound    Kind = "not_found"
	KindQuota       Kind = "quota"
	KindProvider    Kind = "provider"
	KindInternal    Kind = "internal"
)

// Error is a structured error carrying a category, the failing operation, and
// a message that is safe to return to API callers.
type Error struct {
	Kind    Kind
	Op      string // Operation that failed (e.g., "reconcile.cancel", "quota.save")
	Code    string // Optional machine-readable code (e.g., "FREE_LIMIT_REACHED")
	Message string // Client-safe message
	Err     error  // Underlying error, never shown to clients
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Message != "":
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrForbidden:
		return e.Kind == KindForbidden || e.Kind == KindQuota
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrQuotaExceeded:
		return e.Kind == KindQuota
	case ErrProvider:
		return e.Kind == KindProvider
	case ErrInternalError:
		return e.Kind == KindInternal
	}

	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind && e.Code != "" && e.Code == t.Code
	}
	return false
}

// WithCode attaches a machine-readable code to the error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap creates an Error around an underlying cause.
func Wrap(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// Helper functions

// Validation reports malformed or disallowed input.
func Validation(op, message string) *Error {
	return New(KindValidation, op, message)
}

// NotFound reports an unknown resource or one the caller does not own.
func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message)
}

// Forbidden reports an insufficient tier.
func Forbidden(op, message string) *Error {
	return New(KindForbidden, op, message)
}

// Provider wraps an identity or billing provider failure.
func Provider(op, message string, err error) *Error {
	return Wrap(KindProvider, op, message, err)
}

// Internal wraps a local failure (store, encoding).
func Internal(op, message string, err error) *Error {
	return Wrap(KindInternal, op, message, err)
}

// statusCoder is implemented by errors that know their own HTTP status
// (identity.AuthError).
type statusCoder interface {
	HTTPStatus() int
}

// HTTPStatus maps an error to the response status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}

	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindAuth:
			return http.StatusUnauthorized
		case KindForbidden, KindQuota:
			return http.StatusForbidden
		case KindValidation:
			return http.StatusBadRequest
		case KindRateLimited:
			return http.StatusTooManyRequests
		case KindNotFound:
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

// PublicMessage returns the message shown to API callers. Errors without a
// client-safe message collapse to a generic one so internals never leak.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}

	type publicMessager interface {
		PublicMessage() string
	}
	var pm publicMessager
	if errors.As(err, &pm) {
		return pm.PublicMessage()
	}

	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "Internal server error"
}

// CodeOf returns the machine-readable code attached to err, if any.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
