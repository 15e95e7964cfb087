// Package profile stores identity profiles (tier and billing references) and
// the quota-governed scenarios they own.
package profile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

// Profile is the local record of an identity's tier and billing references.
// Empty Stripe IDs mean no reference is stored.
type Profile struct {
	ID                   string                         `json:"id"`
	Email                string                         `json:"email"`
	Tier                 entitlement.Tier               `json:"tier"`
	Status               entitlement.SubscriptionStatus `json:"subscription_status"`
	StripeCustomerID     string                         `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string                         `json:"stripe_subscription_id,omitempty"`
	StripePriceID        string                         `json:"stripe_price_id,omitempty"`
	CreatedAt            time.Time                      `json:"created_at"`
	UpdatedAt            time.Time                      `json:"updated_at"`
}

// Scenario is a saved calculator configuration.
type Scenario struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	ToolID    string          `json:"tool_id"`
	Name      string          `json:"name"`
	Inputs    json.RawMessage `json:"inputs"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewScenarioID returns a time-ordered scenario ID.
func NewScenarioID() string {
	return "sc_" + ulid.Make().String()
}

// BillingUpdate is a partial update of a profile's billing fields. Nil fields
// are left unchanged; a pointer to "" clears a reference.
type BillingUpdate struct {
	Tier           *entitlement.Tier
	Status         *entitlement.SubscriptionStatus
	CustomerID     *string
	SubscriptionID *string
	PriceID        *string
}

// Empty reports whether the update changes nothing.
func (u BillingUpdate) Empty() bool {
	return u.Tier == nil && u.Status == nil && u.CustomerID == nil && u.SubscriptionID == nil && u.PriceID == nil
}

// Ref returns a pointer to v, for building BillingUpdate values.
func Ref[T any](v T) *T {
	return &v
}

// IdentityRepository is keyed access to profiles. Lookups return nil, nil when
// no row matches.
type IdentityRepository interface {
	GetProfile(ctx context.Context, id string) (*Profile, error)
	GetProfileByCustomerID(ctx context.Context, customerID string) (*Profile, error)
	GetProfileBySubscriptionID(ctx context.Context, subscriptionID string) (*Profile, error)
	UpsertProfile(ctx context.Context, p *Profile) error
	// CreateProfileIfAbsent inserts p only when no row has its ID and returns
	// the stored row. Existing billing references are never overwritten.
	CreateProfileIfAbsent(ctx context.Context, p *Profile) (*Profile, error)
	// UpdateBilling returns an error matching errors.ErrNotFound when no
	// profile has the given id.
	UpdateBilling(ctx context.Context, id string, u BillingUpdate) error
	// DeleteProfile removes the profile and every scenario it owns.
	DeleteProfile(ctx context.Context, id string) error
}

// ScenarioRepository is owner-scoped access to scenarios.
type ScenarioRepository interface {
	CountScenarios(ctx context.Context, ownerID, toolID string) (int, error)
	// ListScenarios returns the owner's scenarios, newest first. An empty
	// toolID lists every tool.
	ListScenarios(ctx context.Context, ownerID, toolID string) ([]*Scenario, error)
	InsertScenario(ctx context.Context, s *Scenario) error
	// InsertWithinLimit inserts s only if the owner has fewer than limit
	// scenarios for s.ToolID, atomically. A limit of zero means no cap.
	InsertWithinLimit(ctx context.Context, s *Scenario, limit int) (bool, error)
	// DeleteScenario deletes one scenario if ownerID owns it.
	DeleteScenario(ctx context.Context, ownerID, id string) (bool, error)
}
