// Package identity authenticates bearer credentials against the configured
// identity provider and classifies every failure for the caller.
package identity

import (
	"context"
	"errors"

	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

// Provider failures that are the caller's fault. Any other error from a
// Provider is treated as the provider being unavailable.
var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrUserNotFound = errors.New("user not found")
)

// User is the subject a provider vouches for.
type User struct {
	ID    string
	Email string
}

// Provider is the external identity system of record.
type Provider interface {
	// VerifyToken returns the user behind a bearer token.
	VerifyToken(ctx context.Context, token string) (*User, error)
	// DeleteIdentity removes the user. Deleting an unknown user succeeds.
	DeleteIdentity(ctx context.Context, id string) error
}

// Deleter removes users at the identity provider.
type Deleter interface {
	DeleteIdentity(ctx context.Context, id string) error
}

// Identity is a verified caller with its local tier and billing references.
type Identity struct {
	ID                   string                         `json:"id"`
	Email                string                         `json:"email"`
	Tier                 entitlement.Tier               `json:"tier"`
	Status               entitlement.SubscriptionStatus `json:"subscription_status"`
	StripeCustomerID     string                         `json:"-"`
	StripeSubscriptionID string                         `json:"-"`
}

type contextKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, or nil.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
