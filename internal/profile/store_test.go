package profile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestProfileLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.GetProfile(ctx, "u-missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	p := &Profile{ID: "u-1", Email: "a@example.com"}
	require.NoError(t, s.UpsertProfile(ctx, p))
	assert.Equal(t, entitlement.TierFree, p.Tier)
	assert.Equal(t, entitlement.StatusNone, p.Status)

	got, err = s.GetProfile(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a@example.com", got.Email)
	assert.Equal(t, entitlement.TierFree, got.Tier)
	assert.Empty(t, got.StripeCustomerID)

	require.NoError(t, s.UpdateBilling(ctx, "u-1", BillingUpdate{
		Tier:           Ref(entitlement.TierFinancePro),
		Status:         Ref(entitlement.StatusActive),
		CustomerID:     Ref("cus_123"),
		SubscriptionID: Ref("sub_456"),
	}))

	byCustomer, err := s.GetProfileByCustomerID(ctx, "cus_123")
	require.NoError(t, err)
	require.NotNil(t, byCustomer)
	assert.Equal(t, "u-1", byCustomer.ID)

	bySub, err := s.GetProfileBySubscriptionID(ctx, "sub_456")
	require.NoError(t, err)
	require.NotNil(t, bySub)
	assert.Equal(t, entitlement.TierFinancePro, bySub.Tier)
	assert.Equal(t, entitlement.StatusActive, bySub.Status)

	// Clearing a reference leaves the other fields alone.
	require.NoError(t, s.UpdateBilling(ctx, "u-1", BillingUpdate{SubscriptionID: Ref("")}))
	got, err = s.GetProfile(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, got.StripeSubscriptionID)
	assert.Equal(t, "cus_123", got.StripeCustomerID)
	assert.Equal(t, entitlement.TierFinancePro, got.Tier)
}

func TestGetProfileByEmptyReferenceReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertProfile(ctx, &Profile{ID: "u-1"}))

	p, err := s.GetProfileByCustomerID(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = s.GetProfileBySubscriptionID(ctx, " ")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestUpdateBillingMissingProfile(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateBilling(context.Background(), "ghost", BillingUpdate{Tier: Ref(entitlement.TierFree)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gkerrors.ErrNotFound))
}

func TestUpdateBillingRejectsInvalidTier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertProfile(ctx, &Profile{ID: "u-1"}))

	err := s.UpdateBilling(ctx, "u-1", BillingUpdate{Tier: Ref(entitlement.Tier("platinum"))})
	assert.Error(t, err)
	assert.Error(t, s.UpsertProfile(ctx, &Profile{ID: "u-2", Tier: "gold"}))
}

func TestScenarioCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sc := &Scenario{OwnerID: "u-1", ToolID: entitlement.ToolDebtPaydown, Name: "Snowball", Inputs: json.RawMessage(`{"debts":[1200,400]}`)}
	require.NoError(t, s.InsertScenario(ctx, sc))
	assert.NotEmpty(t, sc.ID)
	require.NoError(t, s.InsertScenario(ctx, &Scenario{OwnerID: "u-1", ToolID: entitlement.ToolNetWorth}))
	require.NoError(t, s.InsertScenario(ctx, &Scenario{OwnerID: "u-2", ToolID: entitlement.ToolDebtPaydown}))

	n, err := s.CountScenarios(ctx, "u-1", entitlement.ToolDebtPaydown)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.ListScenarios(ctx, "u-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	debt, err := s.ListScenarios(ctx, "u-1", entitlement.ToolDebtPaydown)
	require.NoError(t, err)
	require.Len(t, debt, 1)
	assert.JSONEq(t, `{"debts":[1200,400]}`, string(debt[0].Inputs))
	assert.Equal(t, "Snowball", debt[0].Name)

	// Another owner cannot delete it.
	deleted, err := s.DeleteScenario(ctx, "u-2", sc.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = s.DeleteScenario(ctx, "u-1", sc.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestInsertWithinLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.InsertWithinLimit(ctx, &Scenario{OwnerID: "u-1", ToolID: entitlement.ToolDebtPaydown}, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.InsertWithinLimit(ctx, &Scenario{OwnerID: "u-1", ToolID: entitlement.ToolDebtPaydown}, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.InsertWithinLimit(ctx, &Scenario{OwnerID: "u-1", ToolID: entitlement.ToolNetWorth}, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Zero means no cap.
	for i := 0; i < 3; i++ {
		ok, err = s.InsertWithinLimit(ctx, &Scenario{OwnerID: "u-1", ToolID: entitlement.ToolDebtPaydown}, 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	n, err := s.CountScenarios(ctx, "u-1", entitlement.ToolDebtPaydown)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestInsertWithinLimitConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	inserted := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.InsertWithinLimit(ctx, &Scenario{OwnerID: "u-1", ToolID: entitlement.ToolBudget}, 1)
			if err == nil && ok {
				mu.Lock()
				inserted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserted)
	n, err := s.CountScenarios(ctx, "u-1", entitlement.ToolBudget)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeleteProfileRemovesScenarios(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertProfile(ctx, &Profile{ID: "u-1"}))
	require.NoError(t, s.InsertScenario(ctx, &Scenario{OwnerID: "u-1", ToolID: entitlement.ToolFIRE}))

	require.NoError(t, s.DeleteProfile(ctx, "u-1"))

	p, err := s.GetProfile(ctx, "u-1")
	require.NoError(t, err)
	assert.Nil(t, p)
	list, err := s.ListScenarios(ctx, "u-1", "")
	require.NoError(t, err)
	assert.Empty(t, list)

	// Deleting again is not an error.
	require.NoError(t, s.DeleteProfile(ctx, "u-1"))
}

func TestUpsertProfilePreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.UpsertProfile(ctx, &Profile{ID: "u-1", CreatedAt: created}))
	require.NoError(t, s.UpsertProfile(ctx, &Profile{ID: "u-1", Email: "new@example.com", CreatedAt: time.Now()}))

	p, err := s.GetProfile(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, created, p.CreatedAt)
	assert.Equal(t, "new@example.com", p.Email)
}

func TestCreateProfileIfAbsentKeepsExistingBillingRefs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertProfile(ctx, &Profile{
		ID: "u-1", Email: "paid@example.com", Tier: entitlement.TierFinancePro, Status: entitlement.StatusActive,
		StripeCustomerID: "cus_1", StripeSubscriptionID: "sub_1", StripePriceID: "price_1",
	}))

	got, err := s.CreateProfileIfAbsent(ctx, &Profile{ID: "u-1", Email: "late@example.com"})
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFinancePro, got.Tier)
	assert.Equal(t, "cus_1", got.StripeCustomerID)
	assert.Equal(t, "sub_1", got.StripeSubscriptionID)
	assert.Equal(t, "paid@example.com", got.Email)

	created, err := s.CreateProfileIfAbsent(ctx, &Profile{ID: "u-2", Email: "new@example.com"})
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, created.Tier)
	assert.Equal(t, entitlement.StatusNone, created.Status)
	assert.Empty(t, created.StripeCustomerID)
}

func TestCreateProfileIfAbsentConcurrentWithBillingUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateProfileIfAbsent(ctx, &Profile{ID: "u-race"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.NoError(t, s.UpdateBilling(ctx, "u-race", BillingUpdate{CustomerID: Ref("cus_race")}))
	_, err := s.CreateProfileIfAbsent(ctx, &Profile{ID: "u-race"})
	require.NoError(t, err)

	p, err := s.GetProfile(ctx, "u-race")
	require.NoError(t, err)
	assert.Equal(t, "cus_race", p.StripeCustomerID)
}
