// Package quota enforces the free-tier cap on saved scenarios.
package quota

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/internal/metrics"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

// FreeScenarioLimit is the number of scenarios a free identity may keep per
// tool.
const FreeScenarioLimit = 1

// CodeFreeLimitReached is the machine-readable code for a rejected save.
const CodeFreeLimitReached = "FREE_LIMIT_REACHED"

const maxScenarioName = 120

// ErrFreeLimitReached matches (via errors.Is) every rejection from Save.
var ErrFreeLimitReached = gkerrors.New(gkerrors.KindQuota, "quota.save",
	"Free plan includes one saved scenario per calculator. Upgrade to save more.").
	WithCode(CodeFreeLimitReached)

// CanSave reports whether an owner on ownerTier with existingCount scenarios
// for a tool in sector may save another one.
func CanSave(sector entitlement.Sector, ownerTier entitlement.Tier, existingCount int) bool {
	if entitlement.HasProAccess(sector, ownerTier) {
		return true
	}
	return existingCount < FreeScenarioLimit
}

// Enforcer saves scenarios subject to the owner's quota.
type Enforcer struct {
	scenarios profile.ScenarioRepository
}

// NewEnforcer creates an enforcer over the scenario repository.
func NewEnforcer(scenarios profile.ScenarioRepository) *Enforcer {
	return &Enforcer{scenarios: scenarios}
}

// Save stores s for owner if the quota allows it. The owner is always taken
// from the verified identity, never from s.
func (e *Enforcer) Save(ctx context.Context, owner *profile.Profile, s *profile.Scenario) error {
	const op = "quota.save"

	sector, ok := entitlement.ToolSector(s.ToolID)
	if !ok {
		return gkerrors.Validation(op, fmt.Sprintf("unknown tool %q", s.ToolID))
	}
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return gkerrors.Validation(op, "name is required")
	}
	if utf8.RuneCountInString(s.Name) > maxScenarioName {
		return gkerrors.Validation(op, fmt.Sprintf("name must be at most %d characters", maxScenarioName))
	}
	s.OwnerID = owner.ID

	limit := 0
	if !entitlement.HasProAccess(sector, owner.Tier) {
		count, err := e.scenarios.CountScenarios(ctx, owner.ID, s.ToolID)
		if err != nil {
			return gkerrors.Internal(op, "Unable to save scenario", err)
		}
		if !CanSave(sector, owner.Tier, count) {
			return e.reject(owner, s)
		}
		limit = FreeScenarioLimit
	}

	inserted, err := e.scenarios.InsertWithinLimit(ctx, s, limit)
	if err != nil {
		return gkerrors.Internal(op, "Unable to save scenario", err)
	}
	if !inserted {
		// A concurrent save won the race for the last free slot.
		return e.reject(owner, s)
	}
	return nil
}

func (e *Enforcer) reject(owner *profile.Profile, s *profile.Scenario) error {
	metrics.QuotaRejections.WithLabelValues(s.ToolID).Inc()
	log.Debug().
		Str("identity_id", owner.ID).
		Str("tool_id", s.ToolID).
		Msg("Scenario save rejected by free-tier quota")
	return ErrFreeLimitReached
}
