// Package api serves the gatekeeper HTTP surface: billing lifecycle
// endpoints, quota-governed scenarios, entitlements, and the Stripe webhook.
package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tallyworks/gatekeeper/internal/billing"
	"github.com/tallyworks/gatekeeper/internal/identity"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/internal/quota"
	"github.com/tallyworks/gatekeeper/internal/ratelimit"
	"github.com/tallyworks/gatekeeper/internal/reconcile"
)

// BillingOps is the reconciler surface the handlers use.
type BillingOps interface {
	billing.EventSink
	CreateCheckout(ctx context.Context, id *identity.Identity, priceID string) (string, error)
	CreatePortal(ctx context.Context, id *identity.Identity) (string, error)
	CancelSubscription(ctx context.Context, id *identity.Identity) (*reconcile.CancelResult, error)
	DeleteAccount(ctx context.Context, id *identity.Identity) error
}

// Pinger reports store readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Gate      Authenticator
	Billing   BillingOps
	Scenarios profile.ScenarioRepository
	Quota     *quota.Enforcer
	RateStore ratelimit.Store
	Store     Pinger

	// TrustedProxies may report the client address in X-Forwarded-For.
	TrustedProxies *ratelimit.TrustedProxies

	WebhookSecret string
	PublicMetrics bool
	AdminKey      string
	Version       string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	byIP := ratelimit.ByClientIP(deps.TrustedProxies)
	auth := func(next http.Handler) http.Handler {
		return requireIdentity(deps.Gate, next)
	}
	limit := func(class string, key ratelimit.KeyFunc, next http.Handler) http.Handler {
		return ratelimit.NewLimiter(deps.RateStore, class, ratelimit.ForClass(class), key).
			WithTrustedProxies(deps.TrustedProxies).
			Middleware(next)
	}
	// Identity-keyed limits run after authentication so the key is known.
	authLimited := func(class string, h http.HandlerFunc) http.Handler {
		return auth(limit(class, byIdentity, h))
	}

	// Health / readiness are unauthenticated.
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", handleReadyz(deps.Store))
	mux.HandleFunc("/version", handleVersion(deps.Version))

	metricsHandler := promhttp.Handler()
	if deps.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", AdminKeyMiddleware(deps.AdminKey, metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhookHandler := billing.NewWebhookHandler(deps.WebhookSecret, deps.Billing)
	mux.Handle("/stripe/webhook", limit(ratelimit.ClassWebhook, byIP, webhookHandler))

	// Checkout is throttled by client IP ahead of authentication.
	mux.Handle("/create-checkout-session", limit(ratelimit.ClassCheckout, byIP,
		auth(http.HandlerFunc(handleCreateCheckout(deps.Billing)))))
	mux.Handle("/create-portal-session", authLimited(ratelimit.ClassPortal, handleCreatePortal(deps.Billing)))
	mux.Handle("/cancel-subscription", authLimited(ratelimit.ClassAccount, handleCancelSubscription(deps.Billing)))
	mux.Handle("/delete-account", authLimited(ratelimit.ClassAccount, handleDeleteAccount(deps.Billing)))

	mux.Handle("/entitlements", authLimited(ratelimit.ClassRead, handleEntitlements))
	mux.Handle("/scenarios", authLimited(ratelimit.ClassScenarios, handleScenarios(deps.Scenarios, deps.Quota)))
}

// NewHandler builds the full middleware chain around a fresh mux.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return SecurityHeaders(RequestLogger(mux))
}
