package entitlement

import "strings"

// SubscriptionStatus is the normalized billing state stored on a profile.
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusActive   SubscriptionStatus = "active"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusPaused   SubscriptionStatus = "paused"
	StatusExpired  SubscriptionStatus = "expired"
)

// MapStripeStatus normalizes a raw Stripe subscription status.
func MapStripeStatus(status string) SubscriptionStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrialing
	case "past_due", "unpaid":
		return StatusPastDue
	case "canceled":
		return StatusCanceled
	case "paused":
		return StatusPaused
	case "":
		return StatusNone
	default:
		// Unknown and incomplete states never grant paid tiers.
		return StatusExpired
	}
}

// GrantsPaidTier reports whether a subscription in this state keeps its tier.
func (s SubscriptionStatus) GrantsPaidTier() bool {
	switch s {
	case StatusActive, StatusTrialing, StatusPastDue:
		return true
	default:
		return false
	}
}
