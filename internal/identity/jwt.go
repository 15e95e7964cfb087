package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type tokenClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTProvider verifies HS256 access tokens locally with a shared secret.
// Deletion is delegated because a signing secret cannot remove users.
type JWTProvider struct {
	secret  []byte
	issuer  string
	deleter Deleter
	now     func() time.Time
}

// NewJWTProvider creates a provider. An empty issuer skips the iss check.
func NewJWTProvider(secret, issuer string, deleter Deleter) *JWTProvider {
	return &JWTProvider{
		secret:  []byte(secret),
		issuer:  issuer,
		deleter: deleter,
		now:     time.Now,
	}
}

// VerifyToken validates signature, expiry, and issuer.
func (p *JWTProvider) VerifyToken(_ context.Context, raw string) (*User, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}

	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return p.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Subject == "" {
		return nil, ErrUserNotFound
	}
	return &User{ID: claims.Subject, Email: claims.Email}, nil
}

// DeleteIdentity forwards to the configured deleter.
func (p *JWTProvider) DeleteIdentity(ctx context.Context, id string) error {
	if p.deleter == nil {
		return fmt.Errorf("identity deletion is not configured")
	}
	return p.deleter.DeleteIdentity(ctx, id)
}
