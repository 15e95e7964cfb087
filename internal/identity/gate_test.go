package identity

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

type fakeProvider struct {
	user  *User
	err   error
	calls int
}

func (f *fakeProvider) VerifyToken(_ context.Context, _ string) (*User, error) {
	f.calls++
	return f.user, f.err
}

func (f *fakeProvider) DeleteIdentity(context.Context, string) error { return nil }

type fakeProfiles struct {
	byID    map[string]*profile.Profile
	err     error
	created []*profile.Profile
	// racing is returned by CreateProfileIfAbsent as if another writer
	// inserted the row first.
	racing *profile.Profile
}

func (f *fakeProfiles) GetProfile(_ context.Context, id string) (*profile.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byID[id], nil
}

func (f *fakeProfiles) CreateProfileIfAbsent(_ context.Context, p *profile.Profile) (*profile.Profile, error) {
	if f.racing != nil {
		return f.racing, nil
	}
	if existing, ok := f.byID[p.ID]; ok {
		return existing, nil
	}
	f.created = append(f.created, p)
	return p, nil
}

func TestGateAuthenticateClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		user       *User
		err        error
		wantKind   AuthKind
		wantStatus int
	}{
		{name: "missing header", header: "", wantKind: AuthMissing, wantStatus: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic dXNlcjpwYXNz", wantKind: AuthMissing, wantStatus: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer   ", wantKind: AuthMissing, wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer tok", err: ErrTokenExpired, wantKind: AuthExpired, wantStatus: http.StatusUnauthorized},
		{name: "invalid", header: "Bearer tok", err: ErrTokenInvalid, wantKind: AuthInvalid, wantStatus: http.StatusUnauthorized},
		{name: "no user", header: "Bearer tok", wantKind: AuthNoUser, wantStatus: http.StatusUnauthorized},
		{name: "user not found", header: "Bearer tok", err: ErrUserNotFound, wantKind: AuthNoUser, wantStatus: http.StatusUnauthorized},
		{name: "provider down", header: "Bearer tok", err: errors.New("dial tcp: connection refused"), wantKind: AuthProvider, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := NewGate(&fakeProvider{user: tt.user, err: tt.err}, &fakeProfiles{})

			id, err := gate.Authenticate(context.Background(), tt.header)
			require.Nil(t, id)
			var authErr *AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.wantKind, authErr.Kind)
			assert.Equal(t, tt.wantStatus, gkerrors.HTTPStatus(err))
			assert.NotEmpty(t, gkerrors.PublicMessage(err))
		})
	}
}

func TestGateAuthenticateRefreshMessage(t *testing.T) {
	gate := NewGate(&fakeProvider{err: ErrTokenExpired}, &fakeProfiles{})
	_, err := gate.Authenticate(context.Background(), "Bearer tok")
	assert.Contains(t, gkerrors.PublicMessage(err), "sign in again")
	assert.True(t, errors.Is(err, gkerrors.ErrUnauthorized))
	assert.False(t, errors.Is(err, gkerrors.ErrProvider))
}

func TestGateAuthenticateProviderFailureIsNotUnauthorized(t *testing.T) {
	gate := NewGate(&fakeProvider{err: errors.New("503")}, &fakeProfiles{})
	_, err := gate.Authenticate(context.Background(), "Bearer tok")
	assert.True(t, errors.Is(err, gkerrors.ErrProvider))
	assert.False(t, errors.Is(err, gkerrors.ErrUnauthorized))
}

func TestGateAuthenticateSkipsProviderWithoutToken(t *testing.T) {
	p := &fakeProvider{user: &User{ID: "u-1"}}
	_, err := NewGate(p, &fakeProfiles{}).Authenticate(context.Background(), "")
	require.Error(t, err)
	assert.Zero(t, p.calls)
}

func TestGateAuthenticateAttachesProfile(t *testing.T) {
	profiles := &fakeProfiles{byID: map[string]*profile.Profile{
		"u-1": {
			ID: "u-1", Email: "stored@example.com",
			Tier: entitlement.TierFinancePro, Status: entitlement.StatusActive,
			StripeCustomerID: "cus_1", StripeSubscriptionID: "sub_1",
		},
	}}
	gate := NewGate(&fakeProvider{user: &User{ID: "u-1", Email: "a@example.com"}}, profiles)

	id, err := gate.Authenticate(context.Background(), "bearer tok")
	require.NoError(t, err)
	assert.Equal(t, "u-1", id.ID)
	assert.Equal(t, "a@example.com", id.Email)
	assert.Equal(t, entitlement.TierFinancePro, id.Tier)
	assert.Equal(t, "cus_1", id.StripeCustomerID)
	assert.Equal(t, "sub_1", id.StripeSubscriptionID)
	assert.Empty(t, profiles.created)
}

func TestGateAuthenticateCreatesFreeProfileOnFirstSignIn(t *testing.T) {
	profiles := &fakeProfiles{byID: map[string]*profile.Profile{}}
	gate := NewGate(&fakeProvider{user: &User{ID: "u-new", Email: "new@example.com"}}, profiles)

	id, err := gate.Authenticate(context.Background(), "Bearer tok")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFree, id.Tier)
	require.Len(t, profiles.created, 1)
	assert.Equal(t, "u-new", profiles.created[0].ID)
}

func TestGateAuthenticateProfileStoreFailure(t *testing.T) {
	gate := NewGate(&fakeProvider{user: &User{ID: "u-1"}}, &fakeProfiles{err: errors.New("disk I/O error")})

	_, err := gate.Authenticate(context.Background(), "Bearer tok")
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, gkerrors.HTTPStatus(err))
	assert.NotContains(t, gkerrors.PublicMessage(err), "disk")
}

func TestContextRoundTrip(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	id := &Identity{ID: "u-1"}
	assert.Same(t, id, FromContext(WithIdentity(context.Background(), id)))
}

func TestGateAuthenticateKeepsRowCreatedConcurrently(t *testing.T) {
	profiles := &fakeProfiles{
		byID: map[string]*profile.Profile{},
		racing: &profile.Profile{
			ID: "u-new", Tier: entitlement.TierFinancePro, Status: entitlement.StatusActive,
			StripeCustomerID: "cus_9", StripeSubscriptionID: "sub_9",
		},
	}
	gate := NewGate(&fakeProvider{user: &User{ID: "u-new", Email: "new@example.com"}}, profiles)

	id, err := gate.Authenticate(context.Background(), "Bearer tok")
	require.NoError(t, err)
	assert.Equal(t, entitlement.TierFinancePro, id.Tier)
	assert.Equal(t, "cus_9", id.StripeCustomerID)
	assert.Equal(t, "sub_9", id.StripeSubscriptionID)
	assert.Equal(t, "new@example.com", id.Email)
	assert.Empty(t, profiles.created)
}
