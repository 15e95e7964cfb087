package billing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

var (
	ErrMalformedPrice = errors.New("malformed price id")
	ErrUnknownPrice   = errors.New("price id is not offered")
)

// PriceCatalog is the allow-list of price IDs and the tier each one grants.
type PriceCatalog struct {
	tiers map[string]entitlement.Tier
}

// NewPriceCatalog builds a catalog from a price ID to tier map.
func NewPriceCatalog(prices map[string]entitlement.Tier) (*PriceCatalog, error) {
	c := &PriceCatalog{tiers: make(map[string]entitlement.Tier, len(prices))}
	for id, tier := range prices {
		if !ValidPriceIDFormat(id) {
			return nil, fmt.Errorf("price %q: %w", id, ErrMalformedPrice)
		}
		if !tier.IsPaid() {
			return nil, fmt.Errorf("price %q maps to non-paid tier %q", id, tier)
		}
		c.tiers[id] = tier
	}
	return c, nil
}

// ParsePriceCatalog parses "price_a=finance_pro,price_b=elite".
func ParsePriceCatalog(raw string) (*PriceCatalog, error) {
	prices := make(map[string]entitlement.Tier)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, rawTier, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("price entry %q: expected price_id=tier", part)
		}
		tier, err := entitlement.ParseTier(rawTier)
		if err != nil {
			return nil, fmt.Errorf("price entry %q: %w", part, err)
		}
		prices[strings.TrimSpace(id)] = tier
	}
	return NewPriceCatalog(prices)
}

// Validate checks the format first, then the allow-list.
func (c *PriceCatalog) Validate(priceID string) (entitlement.Tier, error) {
	if !ValidPriceIDFormat(priceID) {
		return "", ErrMalformedPrice
	}
	tier, ok := c.Tier(priceID)
	if !ok {
		return "", ErrUnknownPrice
	}
	return tier, nil
}

// Tier returns the tier granted by priceID.
func (c *PriceCatalog) Tier(priceID string) (entitlement.Tier, bool) {
	if c == nil {
		return "", false
	}
	t, ok := c.tiers[priceID]
	return t, ok
}

// IDs returns the configured price IDs in stable order.
func (c *PriceCatalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.tiers))
	for id := range c.tiers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of configured prices.
func (c *PriceCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.tiers)
}
