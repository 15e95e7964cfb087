// Package entitlement defines the canonical tier, sector, and capability
// contracts used to gate calculator features.
//
// Every function here is pure and total: unknown tiers or sectors resolve to
// "not allowed" rather than an error, so callers can use the results directly
// in request paths.
package entitlement

import (
	"fmt"
	"sort"
	"strings"
)

// Tier represents a subscription tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierFinancePro Tier = "finance_pro"
	TierElite      Tier = "elite"
)

// Sector is a namespace grouping related pro-gated capabilities.
type Sector string

const (
	SectorFinance Sector = "finance"
)

// Tier ranks. All sector pro tiers share rank 1, which makes them incomparable
// with each other.
const (
	rankFree  = 0
	rankPro   = 1
	rankElite = 2
)

// sectorProTiers maps each sector to the pro tier unlocking it. Adding a
// sector is a change to this table and tierRanks only.
var sectorProTiers = map[Sector]Tier{
	SectorFinance: TierFinancePro,
}

// tierRanks is the closed set of valid tiers.
var tierRanks = map[Tier]int{
	TierFree:       rankFree,
	TierFinancePro: rankPro,
	TierElite:      rankElite,
}

// ParseTier normalizes s and returns the matching tier. Any value outside the
// closed tier set is rejected.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tierRanks[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is a member of the closed tier set.
func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// Rank returns the numeric rank of t, or -1 for unknown tiers.
func (t Tier) Rank() int {
	r, ok := tierRanks[t]
	if !ok {
		return -1
	}
	return r
}

// Sector returns the sector a pro tier unlocks. Free and elite tiers are not
// bound to a single sector.
func (t Tier) Sector() (Sector, bool) {
	for sector, pro := range sectorProTiers {
		if pro == t {
			return sector, true
		}
	}
	return "", false
}

// IsPaid reports whether t is above the free tier.
func (t Tier) IsPaid() bool {
	return t.Rank() > rankFree
}

// ProTier returns the pro tier for a sector.
func ProTier(sector Sector) (Tier, bool) {
	t, ok := sectorProTiers[sector]
	return t, ok
}

// Sectors returns all known sectors in stable order.
func Sectors() []Sector {
	sectors := make([]Sector, 0, len(sectorProTiers))
	for s := range sectorProTiers {
		sectors = append(sectors, s)
	}
	sort.Slice(sectors, func(i, j int) bool { return sectors[i] < sectors[j] })
	return sectors
}

// GetTierDisplayName returns a human-readable name for the tier.
func GetTierDisplayName(tier Tier) string {
	switch tier {
	case TierFree:
		return "Free"
	case TierFinancePro:
		return "Finance Pro"
	case TierElite:
		return "Elite"
	default:
		return "Unknown"
	}
}
