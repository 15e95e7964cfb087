package identity

import (
	"fmt"
	"net/http"

	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
)

// AuthKind classifies why authentication failed.
type AuthKind string

const (
	AuthMissing  AuthKind = "missing"
	AuthExpired  AuthKind = "expired"
	AuthInvalid  AuthKind = "invalid"
	AuthNoUser   AuthKind = "no_user"
	AuthProvider AuthKind = "provider"
)

// AuthError is returned by Gate.Authenticate. Credential problems carry 401;
// a provider outage carries 500.
type AuthError struct {
	Kind    AuthKind
	Status  int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authenticate (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("authenticate (%s): %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the response status for this failure.
func (e *AuthError) HTTPStatus() int {
	return e.Status
}

// PublicMessage returns the client-safe message.
func (e *AuthError) PublicMessage() string {
	return e.Message
}

// Is matches the shared unauthorized and provider sentinels.
func (e *AuthError) Is(target error) bool {
	switch target {
	case gkerrors.ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case gkerrors.ErrProvider:
		return e.Kind == AuthProvider
	}
	return false
}

const refreshMessage = "Your session has expired or is invalid. Please sign in again."

func newAuthError(kind AuthKind, err error) *AuthError {
	e := &AuthError{Kind: kind, Status: http.StatusUnauthorized, Err: err}
	switch kind {
	case AuthMissing:
		e.Message = "Missing authorization header"
	case AuthExpired, AuthInvalid:
		e.Message = refreshMessage
	case AuthNoUser:
		e.Message = "User not found"
	default:
		e.Status = http.StatusInternalServerError
		e.Message = "Authentication service unavailable"
	}
	return e
}
