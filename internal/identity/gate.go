package identity

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	gkerrors "github.com/tallyworks/gatekeeper/internal/errors"
	"github.com/tallyworks/gatekeeper/internal/metrics"
	"github.com/tallyworks/gatekeeper/internal/profile"
	"github.com/tallyworks/gatekeeper/pkg/entitlement"
)

// ProfileStore is the slice of the profile repository the gate needs.
type ProfileStore interface {
	GetProfile(ctx context.Context, id string) (*profile.Profile, error)
	CreateProfileIfAbsent(ctx context.Context, p *profile.Profile) (*profile.Profile, error)
}

// Gate turns an Authorization header into a verified Identity.
type Gate struct {
	provider Provider
	profiles ProfileStore
}

// NewGate creates a gate over provider and the profile store.
func NewGate(provider Provider, profiles ProfileStore) *Gate {
	return &Gate{provider: provider, profiles: profiles}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

// Authenticate verifies the bearer token in header and attaches the caller's
// tier and billing references. Errors are *AuthError, except a profile store
// failure which is an internal error.
func (g *Gate) Authenticate(ctx context.Context, header string) (*Identity, error) {
	token, ok := BearerToken(header)
	if !ok {
		return nil, g.fail(newAuthError(AuthMissing, nil))
	}

	user, err := g.provider.VerifyToken(ctx, token)
	switch {
	case err == nil && (user == nil || user.ID == ""):
		return nil, g.fail(newAuthError(AuthNoUser, nil))
	case errors.Is(err, ErrTokenExpired):
		return nil, g.fail(newAuthError(AuthExpired, err))
	case errors.Is(err, ErrTokenInvalid):
		return nil, g.fail(newAuthError(AuthInvalid, err))
	case errors.Is(err, ErrUserNotFound):
		return nil, g.fail(newAuthError(AuthNoUser, err))
	case err != nil:
		log.Error().Err(err).Msg("Identity provider verification failed")
		return nil, g.fail(newAuthError(AuthProvider, err))
	}

	p, err := g.profiles.GetProfile(ctx, user.ID)
	if err != nil {
		return nil, gkerrors.Internal("identity.authenticate", "Unable to load account", err)
	}
	if p == nil {
		fresh := &profile.Profile{ID: user.ID, Email: user.Email, Tier: entitlement.TierFree, Status: entitlement.StatusNone}
		// First sighting of this identity; the row is needed for billing updates.
		// A row written concurrently (by a checkout webhook) wins.
		p, err = g.profiles.CreateProfileIfAbsent(ctx, fresh)
		if err != nil {
			log.Warn().Err(err).Str("identity_id", user.ID).Msg("Failed to create profile on first sign-in")
			p = fresh
		}
	}

	email := user.Email
	if email == "" {
		email = p.Email
	}
	return &Identity{
		ID:                   user.ID,
		Email:                email,
		Tier:                 p.Tier,
		Status:               p.Status,
		StripeCustomerID:     p.StripeCustomerID,
		StripeSubscriptionID: p.StripeSubscriptionID,
	}, nil
}

func (g *Gate) fail(e *AuthError) *AuthError {
	metrics.AuthFailures.WithLabelValues(string(e.Kind)).Inc()
	return e
}
