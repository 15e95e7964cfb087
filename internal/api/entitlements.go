package api

import (
	"net/http"

	"github.com/tallyworks/gatekeeper/internal/identity"
	"github.com/tallyworks/gatekeeper/internal/quota"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

type sectorAccess struct {
	ProAccess          bool             `json:"pro_access"`
	RecommendedUpgrade entitlement.Tier `json:"recommended_upgrade,omitempty"`
	UpgradeURL         string           `json:"upgrade_url,omitempty"`
	// ScenarioLimit is the per-tool cap on saved scenarios; zero means none.
	ScenarioLimit int `json:"scenario_limit"`
}

type entitlementsResponse struct {
	Tier         entitlement.Tier                    `json:"tier"`
	TierName     string                              `json:"tier_name"`
	Status       entitlement.SubscriptionStatus      `json:"subscription_status"`
	Capabilities []string                            `json:"capabilities"`
	Sectors      map[entitlement.Sector]sectorAccess `json:"sectors"`
}

func handleEntitlements(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id := identity.FromContext(r.Context())

	resp := entitlementsResponse{
		Tier:         id.Tier,
		TierName:     entitlement.GetTierDisplayName(id.Tier),
		Status:       id.Status,
		Capabilities: entitlement.CapabilitiesForTier(id.Tier),
		Sectors:      make(map[entitlement.Sector]sectorAccess),
	}
	for _, sector := range entitlement.Sectors() {
		access := sectorAccess{ProAccess: entitlement.HasProAccess(sector, id.Tier)}
		if !access.ProAccess {
			access.RecommendedUpgrade = entitlement.RecommendUpgrade(id.Tier, sector)
			access.UpgradeURL = entitlement.UpgradeURLForSector(sector)
			access.ScenarioLimit = quota.FreeScenarioLimit
		}
		resp.Sectors[sector] = access
	}
	writeJSON(w, http.StatusOK, resp)
}
