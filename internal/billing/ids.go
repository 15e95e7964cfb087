package billing

import "strings"

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_..., price_...) is
// safe to pass to the API or use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// ValidPriceIDFormat reports whether id looks like a Stripe price ID.
func ValidPriceIDFormat(id string) bool {
	return strings.HasPrefix(id, "price_") && len(id) > len("price_") && IsSafeStripeID(id)
}
