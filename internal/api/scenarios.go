package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/internal/identity"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/internal/quota"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

type scenarioRequest struct {
	ToolID string          `json:"tool_id"`
	Name   string          `json:"name"`
	Inputs json.RawMessage `json:"inputs"`
}

type scenarioListResponse struct {
	Scenarios []*profile.Scenario `json:"scenarios"`
	Count     int                 `json:"count"`
}

// handleScenarios serves GET (list), POST (quota-enforced save), and DELETE
// (?id=) for the caller's own scenarios.
func handleScenarios(repo profile.ScenarioRepository, enforcer *quota.Enforcer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := identity.FromContext(r.Context())
		switch r.Method {
		case http.MethodGet:
			listScenarios(w, r, repo, id)
		case http.MethodPost:
			saveScenario(w, r, enforcer, id)
		case http.MethodDelete:
			deleteScenario(w, r, repo, id)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost, http.MethodDelete)
		}
	}
}

func listScenarios(w http.ResponseWriter, r *http.Request, repo profile.ScenarioRepository, id *identity.Identity) {
	const op = "api.scenarios.list"

	toolID := strings.TrimSpace(r.URL.Query().Get("tool_id"))
	if toolID != "" {
		if _, ok := entitlement.ToolSector(toolID); !ok {
			writeError(w, r, gkerrors.Validation(op, "Unknown tool"))
			return
		}
	}

	scenarios, err := repo.ListScenarios(r.Context(), id.ID, toolID)
	if err != nil {
		writeError(w, r, gkerrors.Internal(op, "Unable to load scenarios", err))
		return
	}
	if scenarios == nil {
		scenarios = []*profile.Scenario{}
	}
	writeJSON(w, http.StatusOK, scenarioListResponse{Scenarios: scenarios, Count: len(scenarios)})
}

func saveScenario(w http.ResponseWriter, r *http.Request, enforcer *quota.Enforcer, id *identity.Identity) {
	var req scenarioRequest
	if err := decodeJSON(w, r, "api.scenarios.save", &req); err != nil {
		writeError(w, r, err)
		return
	}

	s := &profile.Scenario{
		ToolID: strings.TrimSpace(req.ToolID),
		Name:   req.Name,
		Inputs: req.Inputs,
	}
	owner := &profile.Profile{ID: id.ID, Email: id.Email, Tier: id.Tier, Status: id.Status}
	if err := enforcer.Save(r.Context(), owner, s); err != nil {
		var resp errorResponse
		if errors.Is(err, quota.ErrFreeLimitReached) {
			sector, _ := entitlement.ToolSector(s.ToolID)
			resp.UpgradeURL = entitlement.UpgradeURLForSector(sector)
		}
		writeErrorResponse(w, r, err, resp)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func deleteScenario(w http.ResponseWriter, r *http.Request, repo profile.ScenarioRepository, id *identity.Identity) {
	const op = "api.scenarios.delete"

	scenarioID := strings.TrimSpace(r.URL.Query().Get("id"))
	if scenarioID == "" {
		writeError(w, r, gkerrors.Validation(op, "id is required"))
		return
	}

	deleted, err := repo.DeleteScenario(r.Context(), id.ID, scenarioID)
	if err != nil {
		writeError(w, r, gkerrors.Internal(op, "Unable to delete scenario", err))
		return
	}
	if !deleted {
		// Unknown and not-owned look the same to the caller.
		writeError(w, r, gkerrors.NotFound(op, "Scenario not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
