package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/tallyworks/gatekeeper/internal/billing"
	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/internal/identity"
	"github.com/tallyworks/gatekeeper/internal/metrics"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

// Checkout rejection codes.
const (
	// CodeAlreadyEntitled marks a checkout for a tier the caller already has.
	CodeAlreadyEntitled = "ALREADY_ENTITLED"
	// CodeSubscriptionActive marks a checkout while a paid subscription is
	// still running. Plan changes go through the billing portal.
	CodeSubscriptionActive = "SUBSCRIPTION_ACTIVE"
)

// CreateCheckout validates priceID and returns a hosted checkout URL for the
// caller. The price is checked against the allow-list before any provider
// call. A billing customer is created and persisted on first checkout and
// reused afterwards.
func (r *Reconciler) CreateCheckout(ctx context.Context, id *identity.Identity, priceID string) (string, error) {
	const op = "reconcile.checkout"

	priceID = strings.TrimSpace(priceID)
	target, err := r.prices.Validate(priceID)
	switch {
	case errors.Is(err, billing.ErrMalformedPrice):
		return "", gkerrors.Validation(op, "Invalid price ID")
	case err != nil:
		return "", gkerrors.Validation(op, "Price is not available")
	}

	ctx = context.WithoutCancel(ctx)
	p, err := r.loadOrCreateProfile(ctx, id)
	if err != nil {
		return "", gkerrors.Internal(op, "Unable to start checkout", err)
	}
	if !entitlement.CanUpgradeTo(p.Tier, target) {
		return "", gkerrors.Validation(op, "Your plan already includes "+entitlement.GetTierDisplayName(target)).
			WithCode(CodeAlreadyEntitled)
	}
	if p.StripeSubscriptionID != "" && p.Status.GrantsPaidTier() {
		// A second subscription would bill alongside the first.
		return "", gkerrors.Validation(op, "You already have an active subscription. Change plans from the billing portal.").
			WithCode(CodeSubscriptionActive)
	}

	customerID := p.StripeCustomerID
	if customerID == "" {
		customerID, err = r.billing.CreateCustomer(ctx, p.Email, p.ID)
		if err != nil {
			return "", gkerrors.Provider(op, "Unable to start checkout. Please try again.", err)
		}
		// Persist before checkout so retries reuse this customer.
		if err := r.profiles.UpdateBilling(ctx, p.ID, profile.BillingUpdate{CustomerID: profile.Ref(customerID)}); err != nil {
			log.Error().Err(err).
				Str("identity_id", p.ID).
				Str("customer_id", customerID).
				Msg("Failed to persist billing customer")
			return "", gkerrors.Internal(op, "Unable to start checkout", err)
		}
		log.Info().Str("identity_id", p.ID).Str("customer_id", customerID).Msg("Billing customer created")
	}

	url, err := r.billing.CreateCheckoutSession(ctx, billing.CheckoutRequest{
		CustomerID: customerID,
		PriceID:    priceID,
		IdentityID: p.ID,
		SuccessURL: r.baseURL + "/account?checkout=success&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  r.baseURL + "/pricing?checkout=canceled",
	})
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("checkout", "failed").Inc()
		return "", gkerrors.Provider(op, "Unable to start checkout. Please try again.", err)
	}
	metrics.ReconcileOutcomes.WithLabelValues("checkout", "created").Inc()
	return url, nil
}

// CreatePortal returns a billing portal URL for the caller's customer.
func (r *Reconciler) CreatePortal(ctx context.Context, id *identity.Identity) (string, error) {
	const op = "reconcile.portal"

	p, err := r.profiles.GetProfile(ctx, id.ID)
	if err != nil {
		return "", gkerrors.Internal(op, "Unable to open billing portal", err)
	}
	if p == nil || p.StripeCustomerID == "" {
		return "", gkerrors.NotFound(op, "No billing account found")
	}

	url, err := r.billing.CreatePortalSession(context.WithoutCancel(ctx), p.StripeCustomerID, r.baseURL+"/account")
	if errors.Is(err, billing.ErrNotFound) {
		return "", gkerrors.NotFound(op, "No billing account found")
	}
	if err != nil {
		return "", gkerrors.Provider(op, "Unable to open billing portal. Please try again.", err)
	}
	return url, nil
}

func (r *Reconciler) loadOrCreateProfile(ctx context.Context, id *identity.Identity) (*profile.Profile, error) {
	p, err := r.profiles.GetProfile(ctx, id.ID)
	if err != nil || p != nil {
		return p, err
	}
	return r.profiles.CreateProfileIfAbsent(ctx, &profile.Profile{
		ID:     id.ID,
		Email:  id.Email,
		Tier:   entitlement.TierFree,
		Status: entitlement.StatusNone,
	})
}
