package entitlement

import "sort"

// RequiredTier is the minimum tier class a capability needs.
type RequiredTier string

const (
	RequiresFree RequiredTier = "free"
	RequiresPro  RequiredTier = "pro"
)

// Capability describes a gated feature. Pro capabilities declare exactly one
// sector.
type Capability struct {
	Key      string       `json:"key"`
	Required RequiredTier `json:"required_tier"`
	Sector   Sector       `json:"sector"`
}

// Capability keys for the finance calculators.
const (
	CapabilityCalculators        = "calculators"         // All calculators, one saved scenario per tool
	CapabilityUnlimitedScenarios = "unlimited_scenarios" // No cap on saved scenarios
	CapabilityScenarioCompare    = "scenario_compare"    // Side-by-side scenario comparison
	CapabilityScheduleExport     = "schedule_export"     // CSV/PDF amortization and payoff schedules
	CapabilityAdvancedInputs     = "advanced_inputs"     // Inflation, tax drag, variable rates
)

var catalog = map[string]Capability{
	CapabilityCalculators:        {Key: CapabilityCalculators, Required: RequiresFree, Sector: SectorFinance},
	CapabilityUnlimitedScenarios: {Key: CapabilityUnlimitedScenarios, Required: RequiresPro, Sector: SectorFinance},
	CapabilityScenarioCompare:    {Key: CapabilityScenarioCompare, Required: RequiresPro, Sector: SectorFinance},
	CapabilityScheduleExport:     {Key: CapabilityScheduleExport, Required: RequiresPro, Sector: SectorFinance},
	CapabilityAdvancedInputs:     {Key: CapabilityAdvancedInputs, Required: RequiresPro, Sector: SectorFinance},
}

// LookupCapability returns the catalog entry for key.
func LookupCapability(key string) (Capability, bool) {
	c, ok := catalog[key]
	return c, ok
}

// HasCapability reports whether userTier may use c. Free capabilities are
// always allowed, elite allows everything, and a pro capability needs the
// matching sector's pro tier.
func HasCapability(c Capability, userTier Tier) bool {
	if c.Required == RequiresFree {
		return true
	}
	return HasProAccess(c.Sector, userTier)
}

// HasProAccess reports whether userTier unlocks the pro features of sector.
func HasProAccess(sector Sector, userTier Tier) bool {
	if userTier == TierElite {
		return true
	}
	pro, ok := sectorProTiers[sector]
	return ok && userTier == pro
}

// CapabilitiesForTier returns the sorted keys of every catalog capability the
// tier grants.
func CapabilitiesForTier(tier Tier) []string {
	keys := make([]string, 0, len(catalog))
	for key, c := range catalog {
		if HasCapability(c, tier) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
