package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tallyworks/gatekeeper/internal/billing"
	"github.com/tallyworks/gatekeeper/internal/metrics"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

// SyncSubscription re-reads a subscription from the provider and applies its
// state to the owning profile. It is idempotent and safe to call from the
// webhook handler, the CLI, or after any partial failure.
func (r *Reconciler) SyncSubscription(ctx context.Context, subscriptionID string) error {
	if !billing.IsSafeStripeID(subscriptionID) {
		return fmt.Errorf("sync subscription: invalid id %q", subscriptionID)
	}

	sub, err := r.billing.RetrieveSubscription(ctx, subscriptionID)
	if errors.Is(err, billing.ErrNotFound) {
		return r.clearMissingSubscription(ctx, subscriptionID)
	}
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("sync", "failed").Inc()
		return fmt.Errorf("retrieve subscription %s: %w", subscriptionID, err)
	}

	p, err := r.findSubscriptionOwner(ctx, sub)
	if err != nil {
		return err
	}
	if p == nil {
		metrics.ReconcileOutcomes.WithLabelValues("sync", "unowned").Inc()
		log.Warn().
			Str("subscription_id", sub.ID).
			Str("customer_id", sub.CustomerID).
			Msg("No profile owns subscription; skipping sync")
		return nil
	}

	status := entitlement.MapStripeStatus(sub.Status)
	if p.StripeSubscriptionID != "" && p.StripeSubscriptionID != sub.ID {
		current, err := r.currentSubscriptionHolds(ctx, p.StripeSubscriptionID, status)
		if err != nil {
			return err
		}
		if current {
			metrics.ReconcileOutcomes.WithLabelValues("sync", "superseded").Inc()
			if status.GrantsPaidTier() {
				log.Warn().
					Str("identity_id", p.ID).
					Str("subscription_id", sub.ID).
					Str("current_subscription_id", p.StripeSubscriptionID).
					Msg("Ignoring paid subscription that is not the profile's current one")
			}
			return nil
		}
	}

	tier := entitlement.TierFree
	if status.GrantsPaidTier() {
		if t, ok := r.prices.Tier(sub.PriceID); ok {
			tier = t
		} else {
			log.Warn().
				Str("subscription_id", sub.ID).
				Str("price_id", sub.PriceID).
				Msg("Subscription price is not in the catalog; granting free tier")
		}
	}

	u := profile.BillingUpdate{
		Tier:           profile.Ref(tier),
		Status:         profile.Ref(status),
		SubscriptionID: profile.Ref(sub.ID),
		PriceID:        profile.Ref(sub.PriceID),
	}
	if sub.CustomerID != "" {
		u.CustomerID = profile.Ref(sub.CustomerID)
	}
	if err := r.profiles.UpdateBilling(ctx, p.ID, u); err != nil {
		return fmt.Errorf("apply subscription %s to profile %s: %w", sub.ID, p.ID, err)
	}

	metrics.ReconcileOutcomes.WithLabelValues("sync", "applied").Inc()
	log.Info().
		Str("identity_id", p.ID).
		Str("subscription_id", sub.ID).
		Str("tier", string(tier)).
		Str("status", string(status)).
		Msg("Subscription synced")
	return nil
}

// currentSubscriptionHolds reports whether the profile's stored subscription
// keeps precedence over another subscription in state other. An ended
// subscription never displaces the stored one. A paid one does only when the
// stored subscription no longer grants paid access at the provider.
func (r *Reconciler) currentSubscriptionHolds(ctx context.Context, storedID string, other entitlement.SubscriptionStatus) (bool, error) {
	if !other.GrantsPaidTier() {
		return true, nil
	}
	stored, err := r.billing.RetrieveSubscription(ctx, storedID)
	if errors.Is(err, billing.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("sync", "failed").Inc()
		return false, fmt.Errorf("retrieve current subscription %s: %w", storedID, err)
	}
	return entitlement.MapStripeStatus(stored.Status).GrantsPaidTier(), nil
}

func (r *Reconciler) clearMissingSubscription(ctx context.Context, subscriptionID string) error {
	p, err := r.profiles.GetProfileBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("lookup profile by subscription: %w", err)
	}
	if p == nil {
		return nil
	}
	if err := r.profiles.UpdateBilling(ctx, p.ID, profile.BillingUpdate{
		Tier:           profile.Ref(entitlement.TierFree),
		Status:         profile.Ref(entitlement.StatusCanceled),
		SubscriptionID: profile.Ref(""),
		PriceID:        profile.Ref(""),
	}); err != nil {
		return fmt.Errorf("clear stale subscription on profile %s: %w", p.ID, err)
	}
	metrics.ReconcileOutcomes.WithLabelValues("sync", OutcomeStaleCleared).Inc()
	log.Warn().
		Str("identity_id", p.ID).
		Str("subscription_id", subscriptionID).
		Msg("Subscription missing at billing provider; cleared stale reference")
	return nil
}

// findSubscriptionOwner resolves the profile for sub by subscription, then
// customer, then the identity_id metadata set at checkout.
func (r *Reconciler) findSubscriptionOwner(ctx context.Context, sub *billing.Subscription) (*profile.Profile, error) {
	p, err := r.profiles.GetProfileBySubscriptionID(ctx, sub.ID)
	if err != nil || p != nil {
		return p, wrapLookup(err)
	}
	if sub.CustomerID != "" {
		p, err = r.profiles.GetProfileByCustomerID(ctx, sub.CustomerID)
		if err != nil || p != nil {
			return p, wrapLookup(err)
		}
	}
	if identityID := sub.Metadata["identity_id"]; identityID != "" {
		p, err = r.profiles.GetProfile(ctx, identityID)
		return p, wrapLookup(err)
	}
	return nil, nil
}

func wrapLookup(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("lookup subscription owner: %w", err)
}

// AttachCheckout records the customer and subscription of a completed
// checkout on the purchasing profile, then syncs the subscription.
func (r *Reconciler) AttachCheckout(ctx context.Context, c billing.CheckoutCompleted) error {
	var (
		p   *profile.Profile
		err error
	)
	if c.IdentityID != "" {
		p, err = r.profiles.GetProfile(ctx, c.IdentityID)
	} else if c.CustomerID != "" {
		p, err = r.profiles.GetProfileByCustomerID(ctx, c.CustomerID)
	}
	if err != nil {
		return fmt.Errorf("lookup checkout owner: %w", err)
	}

	if p == nil {
		if c.IdentityID == "" {
			log.Warn().
				Str("session_id", c.SessionID).
				Str("customer_id", c.CustomerID).
				Msg("Checkout completed for unknown customer; skipping")
			return nil
		}
		p, err = r.profiles.CreateProfileIfAbsent(ctx, &profile.Profile{
			ID:     c.IdentityID,
			Email:  c.Email,
			Tier:   entitlement.TierFree,
			Status: entitlement.StatusNone,
		})
		if err != nil {
			return fmt.Errorf("create profile for checkout: %w", err)
		}
	}

	var (
		u        profile.BillingUpdate
		replaced string
	)
	if c.CustomerID != "" && c.CustomerID != p.StripeCustomerID {
		u.CustomerID = profile.Ref(c.CustomerID)
	}
	if c.SubscriptionID != "" && c.SubscriptionID != p.StripeSubscriptionID {
		u.SubscriptionID = profile.Ref(c.SubscriptionID)
		if p.StripeSubscriptionID != "" && p.Status.GrantsPaidTier() {
			replaced = p.StripeSubscriptionID
		}
	}
	if !u.Empty() {
		if err := r.profiles.UpdateBilling(ctx, p.ID, u); err != nil {
			return fmt.Errorf("attach checkout to profile %s: %w", p.ID, err)
		}
	}

	log.Info().
		Str("identity_id", p.ID).
		Str("session_id", c.SessionID).
		Str("subscription_id", c.SubscriptionID).
		Msg("Checkout attached")

	if c.SubscriptionID == "" {
		return nil
	}
	if err := r.SyncSubscription(ctx, c.SubscriptionID); err != nil {
		return err
	}
	if replaced != "" {
		r.cancelReplaced(ctx, p.ID, replaced)
	}
	return nil
}

// cancelReplaced ends a paid subscription that a completed checkout took
// over, so only one subscription bills per profile. Failures are logged; the
// next sync of the old subscription leaves the profile alone either way.
func (r *Reconciler) cancelReplaced(ctx context.Context, identityID, subscriptionID string) {
	_, err := r.billing.CancelSubscription(ctx, subscriptionID)
	switch {
	case err == nil, errors.Is(err, billing.ErrNotFound):
		log.Info().
			Str("identity_id", identityID).
			Str("subscription_id", subscriptionID).
			Msg("Canceled subscription replaced by checkout")
	default:
		metrics.ReconcileStepFailures.WithLabelValues("attach_checkout", "cancel_replaced").Inc()
		log.Error().Err(err).
			Str("identity_id", identityID).
			Str("subscription_id", subscriptionID).
			Msg("Failed to cancel subscription replaced by checkout")
	}
}
