// Package billing wraps the Stripe API behind the narrow provider contract the
// reconciler needs, and receives Stripe webhooks.
package billing

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the provider no longer knows the referenced
// subscription or customer.
var ErrNotFound = errors.New("resource not found at billing provider")

// Subscription is the provider's view of a subscription.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	PriceID           string
	CancelAtPeriodEnd bool
	Metadata          map[string]string
}

// CheckoutRequest describes a subscription checkout session.
type CheckoutRequest struct {
	CustomerID string
	PriceID    string
	IdentityID string
	SuccessURL string
	CancelURL  string
}

// Provider is the external billing system of record. Calls are synchronous
// and are not retried.
type Provider interface {
	CreateCustomer(ctx context.Context, email, identityID string) (string, error)
	// CreateCheckoutSession returns the hosted checkout URL.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	RetrieveSubscription(ctx context.Context, id string) (*Subscription, error)
	CancelSubscription(ctx context.Context, id string) (*Subscription, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)
	// CreatePortalSession returns the billing portal URL.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}
