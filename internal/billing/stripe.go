package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
	"golang.org/x/time/rate"

	"github.com/tallyworks/gatekeeper/internal/metrics"
)

// StripeConfig configures a StripeProvider.
type StripeConfig struct {
	APIKey string
	// MaxRPS caps outbound API calls per second; zero disables the cap.
	MaxRPS     float64
	HTTPClient *http.Client
}

// StripeProvider implements Provider with the stripe-go package-level API.
// The API functions are fields so tests can replace them.
type StripeProvider struct {
	limiter *rate.Limiter

	newCustomer        func(*stripe.CustomerParams) (*stripe.Customer, error)
	newCheckoutSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSubscription    func(string, *stripe.SubscriptionParams) (*stripe.Subscription, error)
	cancelSubscription func(string, *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
	listSubscriptions  func(*stripe.SubscriptionListParams) ([]*stripe.Subscription, error)
	newPortalSession   func(*stripe.BillingPortalSessionParams) (*stripe.BillingPortalSession, error)
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider sets the process-wide Stripe key and backend and returns a
// provider. Network retries are disabled; callers decide what to retry.
func NewStripeProvider(cfg StripeConfig) *StripeProvider {
	stripe.Key = strings.TrimSpace(cfg.APIKey)
	stripe.SetBackend(stripe.APIBackend, stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
	}))

	p := &StripeProvider{
		newCustomer:        customer.New,
		newCheckoutSession: checkoutsession.New,
		getSubscription:    subscription.Get,
		cancelSubscription: subscription.Cancel,
		listSubscriptions:  listAllSubscriptions,
		newPortalSession:   portalsession.New,
	}
	if cfg.MaxRPS > 0 {
		burst := int(cfg.MaxRPS)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}
	return p
}

func listAllSubscriptions(params *stripe.SubscriptionListParams) ([]*stripe.Subscription, error) {
	it := subscription.List(params)
	var subs []*stripe.Subscription
	for it.Next() {
		subs = append(subs, it.Subscription())
	}
	return subs, it.Err()
}

func (p *StripeProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("stripe rate limit wait: %w", err)
	}
	return nil
}

// CreateCustomer creates a customer tagged with the identity ID. The
// idempotency key collapses repeated creates for one identity.
func (p *StripeProvider) CreateCustomer(ctx context.Context, email, identityID string) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("identity_id", identityID)
	params.SetIdempotencyKey("gatekeeper-customer-" + identityID)

	c, err := p.newCustomer(params)
	if err != nil {
		return "", p.fail("create_customer", err)
	}
	metrics.ProviderCalls.WithLabelValues("create_customer", "ok").Inc()
	return c.ID, nil
}

// CreateCheckoutSession creates a subscription-mode checkout session.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.IdentityID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"identity_id": req.IdentityID},
		},
	}
	params.Context = ctx
	params.AddMetadata("identity_id", req.IdentityID)

	s, err := p.newCheckoutSession(params)
	if err != nil {
		return "", p.fail("create_checkout_session", err)
	}
	if strings.TrimSpace(s.URL) == "" {
		return "", p.fail("create_checkout_session", errors.New("checkout session has no url"))
	}
	metrics.ProviderCalls.WithLabelValues("create_checkout_session", "ok").Inc()
	return s.URL, nil
}

// RetrieveSubscription fetches a subscription by ID.
func (p *StripeProvider) RetrieveSubscription(ctx context.Context, id string) (*Subscription, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx

	s, err := p.getSubscription(id, params)
	if err != nil {
		return nil, p.fail("retrieve_subscription", err)
	}
	metrics.ProviderCalls.WithLabelValues("retrieve_subscription", "ok").Inc()
	return fromStripeSubscription(s), nil
}

// CancelSubscription cancels a subscription immediately.
func (p *StripeProvider) CancelSubscription(ctx context.Context, id string) (*Subscription, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	s, err := p.cancelSubscription(id, params)
	if err != nil {
		return nil, p.fail("cancel_subscription", err)
	}
	metrics.ProviderCalls.WithLabelValues("cancel_subscription", "ok").Inc()
	return fromStripeSubscription(s), nil
}

// ListActiveSubscriptions returns the customer's active subscriptions.
func (p *StripeProvider) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx

	subs, err := p.listSubscriptions(params)
	if err != nil {
		return nil, p.fail("list_subscriptions", err)
	}
	metrics.ProviderCalls.WithLabelValues("list_subscriptions", "ok").Inc()
	out := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, fromStripeSubscription(s))
	}
	return out, nil
}

// CreatePortalSession creates a billing portal session for the customer.
func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	s, err := p.newPortalSession(params)
	if err != nil {
		return "", p.fail("create_portal_session", err)
	}
	metrics.ProviderCalls.WithLabelValues("create_portal_session", "ok").Inc()
	return s.URL, nil
}

// fail records the call and maps Stripe's missing-resource error to
// ErrNotFound.
func (p *StripeProvider) fail(method string, err error) error {
	if isResourceMissing(err) {
		metrics.ProviderCalls.WithLabelValues(method, "not_found").Inc()
		return fmt.Errorf("stripe %s: %w", method, ErrNotFound)
	}
	metrics.ProviderCalls.WithLabelValues(method, "error").Inc()
	return fmt.Errorf("stripe %s: %w", method, err)
}

func isResourceMissing(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound
}

func fromStripeSubscription(s *stripe.Subscription) *Subscription {
	if s == nil {
		return nil
	}
	out := &Subscription{
		ID:                s.ID,
		Status:            string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item != nil && item.Price != nil && strings.TrimSpace(item.Price.ID) != "" {
				out.PriceID = item.Price.ID
				break
			}
		}
	}
	return out
}
