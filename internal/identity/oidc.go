package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OIDCConfig configures an OIDCProvider.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	// AdminURL is the base of the user admin API; users are removed with
	// DELETE {AdminURL}/users/{id}.
	AdminURL   string
	HTTPClient *http.Client
}

// OIDCProvider verifies ID tokens issued by an OpenID Connect provider and
// removes users through its admin API using client credentials.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
	adminURL string
	admin    *http.Client
}

// NewOIDCProvider discovers the issuer. ctx must outlive the provider because
// signing keys are fetched with it.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.HTTPClient != nil {
		ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	return newOIDCProvider(verifier, cfg, provider.Endpoint().TokenURL), nil
}

func newOIDCProvider(verifier *oidc.IDTokenVerifier, cfg OIDCConfig, tokenURL string) *OIDCProvider {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
	}
	base := context.Background()
	if cfg.HTTPClient != nil {
		base = context.WithValue(base, oauth2.HTTPClient, cfg.HTTPClient)
	}
	return &OIDCProvider{
		verifier: verifier,
		adminURL: strings.TrimRight(cfg.AdminURL, "/"),
		admin:    cc.Client(base),
	}
}

type oidcClaims struct {
	Email string `json:"email"`
}

// VerifyToken verifies an ID token.
func (p *OIDCProvider) VerifyToken(ctx context.Context, raw string) (*User, error) {
	tok, err := p.verifier.Verify(ctx, raw)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, ErrTokenExpired
		}
		// go-oidc flattens key fetch failures into the signature error text.
		if strings.Contains(err.Error(), "fetching keys") {
			return nil, fmt.Errorf("oidc key fetch: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if tok.Subject == "" {
		return nil, ErrUserNotFound
	}

	var claims oidcClaims
	if err := tok.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return &User{ID: tok.Subject, Email: claims.Email}, nil
}

// DeleteIdentity removes a user through the admin API.
func (p *OIDCProvider) DeleteIdentity(ctx context.Context, id string) error {
	if p.adminURL == "" {
		return fmt.Errorf("identity deletion is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.adminURL+"/users/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	resp, err := p.admin.Do(req)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("delete identity: provider returned status %d", resp.StatusCode)
	}
}
