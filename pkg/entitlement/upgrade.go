package entitlement

// DefaultUpgradeURL is used when no sector-specific pricing page exists.
const DefaultUpgradeURL = "/pricing"

// CanUpgradeTo reports whether target ranks strictly above current. Sector pro
// tiers share a rank, so moving between two of them is not an upgrade; that
// path goes through elite.
func CanUpgradeTo(current, target Tier) bool {
	if !current.Valid() || !target.Valid() {
		return false
	}
	return target.Rank() > current.Rank()
}

// RecommendUpgrade returns the tier to offer a user who needs the pro features
// of requiredSector. Free users get that sector's pro tier; everyone else,
// including holders of another sector's pro tier, gets elite.
func RecommendUpgrade(current Tier, requiredSector Sector) Tier {
	if current == TierFree {
		if pro, ok := sectorProTiers[requiredSector]; ok {
			return pro
		}
	}
	return TierElite
}

// UpgradeURLForSector returns the pricing page for a sector upgrade prompt.
func UpgradeURLForSector(sector Sector) string {
	if _, ok := sectorProTiers[sector]; !ok {
		return DefaultUpgradeURL
	}
	return DefaultUpgradeURL + "?sector=" + string(sector)
}
