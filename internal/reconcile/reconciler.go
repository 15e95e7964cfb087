// Package reconcile keeps local subscription state consistent with the
// billing provider across multi-step operations that can partially fail.
//
// Steps within one operation run strictly in order. Provider calls run on a
// context detached from the inbound request, so a client disconnect never
// aborts a billing side effect halfway.
package reconcile

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/tallyworks/gatekeeper/internal/billing"
	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/internal/identity"
	"github.com/tallyworks/gatekeeper/internal/metrics"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

// Config wires the reconciler to its collaborators.
type Config struct {
	Billing    billing.Provider
	Identities identity.Deleter
	Profiles   profile.IdentityRepository
	Prices     *billing.PriceCatalog
	// BaseURL is the public site root used for checkout and portal return
	// links.
	BaseURL string
}

// Reconciler runs the billing lifecycle operations for one identity at a time.
type Reconciler struct {
	billing    billing.Provider
	identities identity.Deleter
	profiles   profile.IdentityRepository
	prices     *billing.PriceCatalog
	baseURL    string

	cancels singleflight.Group
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		billing:    cfg.Billing,
		identities: cfg.Identities,
		profiles:   cfg.Profiles,
		prices:     cfg.Prices,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
	}
}

// Cancel outcomes.
const (
	OutcomeCanceled        = "canceled"
	OutcomeAlreadyCanceled = "already_canceled"
	OutcomeStaleCleared    = "stale_reference_cleared"
)

// CancelResult describes the local state after a successful cancel.
type CancelResult struct {
	Outcome string                         `json:"outcome"`
	Tier    entitlement.Tier               `json:"tier"`
	Status  entitlement.SubscriptionStatus `json:"subscription_status"`
}

// CancelSubscription cancels the caller's own subscription. The target is
// always derived from the authenticated identity. Concurrent cancels for the
// same identity in this process share one provider call.
func (r *Reconciler) CancelSubscription(ctx context.Context, id *identity.Identity) (*CancelResult, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, _ := r.cancels.Do(id.ID, func() (any, error) {
		return r.cancel(ctx, id)
	})
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("cancel", "failed").Inc()
		return nil, err
	}
	res := v.(*CancelResult)
	metrics.ReconcileOutcomes.WithLabelValues("cancel", res.Outcome).Inc()
	return res, nil
}

func (r *Reconciler) cancel(ctx context.Context, id *identity.Identity) (*CancelResult, error) {
	const op = "reconcile.cancel"

	p, err := r.profiles.GetProfile(ctx, id.ID)
	if err != nil {
		return nil, gkerrors.Internal(op, "Unable to load subscription", err)
	}
	subID := ""
	if p != nil {
		subID = p.StripeSubscriptionID
	}

	downgraded := &CancelResult{Tier: entitlement.TierFree, Status: entitlement.StatusCanceled}

	if subID == "" {
		downgraded.Outcome = OutcomeAlreadyCanceled
		if p != nil {
			if err := r.profiles.UpdateBilling(ctx, id.ID, profile.BillingUpdate{
				Tier:   profile.Ref(entitlement.TierFree),
				Status: profile.Ref(entitlement.StatusCanceled),
			}); err != nil {
				return nil, gkerrors.Internal(op, "Unable to update subscription", err)
			}
		}
		return downgraded, nil
	}

	sub, err := r.billing.CancelSubscription(ctx, subID)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		log.Warn().
			Str("identity_id", id.ID).
			Str("subscription_id", subID).
			Msg("Subscription missing at billing provider; clearing stale reference")
		if err := r.profiles.UpdateBilling(ctx, id.ID, profile.BillingUpdate{
			Tier:           profile.Ref(entitlement.TierFree),
			Status:         profile.Ref(entitlement.StatusCanceled),
			SubscriptionID: profile.Ref(""),
			PriceID:        profile.Ref(""),
		}); err != nil {
			return nil, gkerrors.Internal(op, "Unable to update subscription", err)
		}
		downgraded.Outcome = OutcomeStaleCleared
		return downgraded, nil

	case err != nil:
		log.Error().Err(err).
			Str("identity_id", id.ID).
			Str("subscription_id", subID).
			Msg("Billing provider cancel failed")
		return nil, gkerrors.Provider(op, "Unable to cancel subscription. Please try again.", err)
	}

	status := entitlement.StatusCanceled
	if sub != nil && sub.Status != "" {
		status = entitlement.MapStripeStatus(sub.Status)
	}
	downgraded.Outcome = OutcomeCanceled
	downgraded.Status = status

	if err := r.profiles.UpdateBilling(ctx, id.ID, profile.BillingUpdate{
		Tier:   profile.Ref(entitlement.TierFree),
		Status: profile.Ref(status),
	}); err != nil {
		// The provider is the source of truth; the webhook sync repairs this.
		metrics.ReconcileStepFailures.WithLabelValues("cancel", "local_update").Inc()
		log.Error().Err(err).
			Str("identity_id", id.ID).
			Str("subscription_id", subID).
			Msg("Subscription canceled but local update failed")
	}
	return downgraded, nil
}

// DeleteAccount removes the caller's billing, data, and identity, in that
// order. Only the final identity deletion is fatal.
func (r *Reconciler) DeleteAccount(ctx context.Context, id *identity.Identity) error {
	const op = "reconcile.delete_account"
	ctx = context.WithoutCancel(ctx)
	logger := log.With().Str("identity_id", id.ID).Logger()

	customerID, subID := id.StripeCustomerID, id.StripeSubscriptionID
	p, err := r.profiles.GetProfile(ctx, id.ID)
	switch {
	case err != nil:
		r.stepFailed("lookup")
		logger.Warn().Err(err).Msg("Billing lookup failed during account deletion; using refs from sign-in")
	case p != nil:
		customerID, subID = p.StripeCustomerID, p.StripeSubscriptionID
	}

	r.cancelAllBilling(ctx, logger, customerID, subID)

	if err := r.profiles.DeleteProfile(ctx, id.ID); err != nil {
		r.stepFailed("delete_profile")
		logger.Error().Err(err).Msg("Failed to delete profile during account deletion")
	}

	if err := r.identities.DeleteIdentity(ctx, id.ID); err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("delete_account", "failed").Inc()
		logger.Error().Err(err).Msg("Failed to delete identity")
		return gkerrors.Provider(op, "Unable to delete account. Please contact support.", err)
	}

	metrics.ReconcileOutcomes.WithLabelValues("delete_account", "deleted").Inc()
	logger.Info().Msg("Account deleted")
	return nil
}

// cancelAllBilling cancels the stored subscription and any other active
// subscription under the customer. Failures are logged only.
func (r *Reconciler) cancelAllBilling(ctx context.Context, logger zerolog.Logger, customerID, subID string) {
	canceled := map[string]bool{}
	if subID != "" {
		if _, err := r.billing.CancelSubscription(ctx, subID); err != nil && !errors.Is(err, billing.ErrNotFound) {
			r.stepFailed("cancel")
			logger.Warn().Err(err).Str("subscription_id", subID).Msg("Failed to cancel subscription during account deletion")
		}
		canceled[subID] = true
	}
	if customerID == "" {
		return
	}

	subs, err := r.billing.ListActiveSubscriptions(ctx, customerID)
	if err != nil {
		if !errors.Is(err, billing.ErrNotFound) {
			r.stepFailed("list")
			logger.Warn().Err(err).Str("customer_id", customerID).Msg("Failed to list subscriptions during account deletion")
		}
		return
	}
	for _, sub := range subs {
		if sub == nil || canceled[sub.ID] {
			continue
		}
		if _, err := r.billing.CancelSubscription(ctx, sub.ID); err != nil && !errors.Is(err, billing.ErrNotFound) {
			r.stepFailed("cancel")
			logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Failed to cancel subscription during account deletion")
		}
		canceled[sub.ID] = true
	}
}

func (r *Reconciler) stepFailed(step string) {
	metrics.ReconcileStepFailures.WithLabelValues("delete_account", step).Inc()
}
