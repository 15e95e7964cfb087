package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// GoTrueProvider talks to a hosted GoTrue-compatible auth REST API.
type GoTrueProvider struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

// NewGoTrueProvider creates a provider rooted at baseURL (without /auth/v1).
func NewGoTrueProvider(baseURL, serviceKey string, client *http.Client) *GoTrueProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &GoTrueProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		serviceKey: serviceKey,
		client:     client,
	}
}

type goTrueUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// VerifyToken resolves the user for an access token.
func (p *GoTrueProvider) VerifyToken(ctx context.Context, token string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", p.serviceKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if strings.Contains(strings.ToLower(string(body)), "expired") {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUserNotFound
	default:
		return nil, fmt.Errorf("identity provider returned status %d", resp.StatusCode)
	}

	var u goTrueUser
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if u.ID == "" {
		return nil, ErrUserNotFound
	}
	return &User{ID: u.ID, Email: u.Email}, nil
}

// DeleteIdentity removes a user through the admin API.
func (p *GoTrueProvider) DeleteIdentity(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/auth/v1/admin/users/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("build delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.serviceKey)
	req.Header.Set("apikey", p.serviceKey)

	resp, err := p.client.Do(req)
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
