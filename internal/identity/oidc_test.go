package identity

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://id.example.com"

type oidcTestClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func newTestOIDCProvider(t *testing.T, now time.Time, adminURL, tokenURL string) (*OIDCProvider, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	verifier := oidc.NewVerifier(testIssuer,
		&oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}},
		&oidc.Config{ClientID: "gatekeeper", Now: func() time.Time { return now }},
	)
	p := newOIDCProvider(verifier, OIDCConfig{
		ClientID:     "gatekeeper",
		ClientSecret: "secret",
		AdminURL:     adminURL,
	}, tokenURL)
	return p, key
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func TestOIDCProviderVerifyToken(t *testing.T) {
	now := time.Now()
	p, key := newTestOIDCProvider(t, now, "", "")

	valid := signRS256(t, key, oidcTestClaims{
		Email: "a@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "u-1",
			Audience:  jwt.ClaimStrings{"gatekeeper"},
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})
	user, err := p.VerifyToken(context.Background(), valid)
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	assert.Equal(t, "a@example.com", user.Email)

	expired := signRS256(t, key, oidcTestClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "u-1",
		Audience:  jwt.ClaimStrings{"gatekeeper"},
		IssuedAt:  jwt.NewNumericDate(now.Add(-2 * time.Hour)),
		ExpiresAt: jwt.NewNumericDate(now.Add(-time.Hour)),
	}})
	_, err = p.VerifyToken(context.Background(), expired)
	assert.True(t, errors.Is(err, ErrTokenExpired), "err=%v", err)

	wrongAudience := signRS256(t, key, oidcTestClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "u-1",
		Audience:  jwt.ClaimStrings{"someone-else"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
	_, err = p.VerifyToken(context.Background(), wrongAudience)
	assert.True(t, errors.Is(err, ErrTokenInvalid), "err=%v", err)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	forged := signRS256(t, otherKey, oidcTestClaims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    testIssuer,
		Subject:   "u-1",
		Audience:  jwt.ClaimStrings{"gatekeeper"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
	_, err = p.VerifyToken(context.Background(), forged)
	assert.True(t, errors.Is(err, ErrTokenInvalid), "err=%v", err)
}

func TestOIDCProviderDeleteIdentityUsesClientCredentials(t *testing.T) {
	var gotAuth, gotPath string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"admin-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/admin/users/", func(w http.ResponseWriter, r *http.Request) {
		gotAuth, gotPath = r.Header.Get("Authorization"), r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, _ := newTestOIDCProvider(t, time.Now(), srv.URL+"/admin/", srv.URL+"/token")
	require.NoError(t, p.DeleteIdentity(context.Background(), "u-1"))
	assert.Equal(t, "Bearer admin-token", gotAuth)
	assert.Equal(t, "/admin/users/u-1", gotPath)
}

func TestOIDCProviderDeleteIdentityNotConfigured(t *testing.T) {
	p, _ := newTestOIDCProvider(t, time.Now(), "", "")
	assert.Error(t, p.DeleteIdentity(context.Background(), "u-1"))
}
