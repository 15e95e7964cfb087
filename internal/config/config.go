// Package config loads gatekeeper settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/tallyworks/gatekeeper/internal/billing"
	"github.com/tallyworks/gatekeeper/internal/ratelimit"
)

// Identity provider modes.
const (
	IdentityGoTrue = "gotrue"
	IdentityJWT    = "jwt"
	IdentityOIDC   = "oidc"
)

// Config holds all configuration for the service.
type Config struct {
	BindAddress string
	Port        int
	BaseURL     string
	LogLevel    string
	LogFormat   string

	DataDir     string
	DatabaseURL string // postgres DSN; sqlite under DataDir when empty
	RedisURL    string // shared rate store when set

	// TrustedProxies may set X-Forwarded-For; empty trusts only RemoteAddr.
	TrustedProxies *ratelimit.TrustedProxies

	RateCleanupInterval time.Duration
	DNSCacheTTL         time.Duration

	IdentityMode       string
	IdentityURL        string
	IdentityServiceKey string
	JWTSecret          string
	JWTIssuer          string
	OIDCIssuer         string
	OIDCClientID       string
	OIDCClientSecret   string
	OIDCAdminURL       string

	StripeAPIKey        string
	StripeWebhookSecret string
	StripeMaxRPS        float64
	Prices              *billing.PriceCatalog

	PublicMetrics bool
	AdminKey      string
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Load loads configuration from environment variables. A .env file is loaded
// if present but not required.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("GK_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cleanup, err := envOrDefaultDuration("GK_RATE_CLEANUP_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	dnsTTL, err := envOrDefaultDuration("GK_DNS_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	maxRPS, err := envOrDefaultFloat("STRIPE_MAX_RPS", 20)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("GK_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		BindAddress:         envOrDefault("GK_BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		BaseURL:             strings.TrimSpace(os.Getenv("GK_BASE_URL")),
		LogLevel:            envOrDefault("GK_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("GK_LOG_FORMAT", "auto"),
		DataDir:             envOrDefault("GK_DATA_DIR", "/data"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("GK_DATABASE_URL")),
		RedisURL:            strings.TrimSpace(os.Getenv("GK_REDIS_URL")),
		RateCleanupInterval: cleanup,
		DNSCacheTTL:         dnsTTL,
		IdentityMode:        strings.ToLower(envOrDefault("GK_IDENTITY_MODE", IdentityGoTrue)),
		IdentityURL:         strings.TrimSpace(os.Getenv("GK_IDENTITY_URL")),
		IdentityServiceKey:  strings.TrimSpace(os.Getenv("GK_IDENTITY_SERVICE_KEY")),
		JWTSecret:           strings.TrimSpace(os.Getenv("GK_IDENTITY_JWT_SECRET")),
		JWTIssuer:           strings.TrimSpace(os.Getenv("GK_IDENTITY_JWT_ISSUER")),
		OIDCIssuer:          strings.TrimSpace(os.Getenv("GK_OIDC_ISSUER")),
		OIDCClientID:        strings.TrimSpace(os.Getenv("GK_OIDC_CLIENT_ID")),
		OIDCClientSecret:    strings.TrimSpace(os.Getenv("GK_OIDC_CLIENT_SECRET")),
		OIDCAdminURL:        strings.TrimSpace(os.Getenv("GK_OIDC_ADMIN_URL")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeMaxRPS:        maxRPS,
		PublicMetrics:       publicMetrics,
		AdminKey:            strings.TrimSpace(os.Getenv("GK_ADMIN_KEY")),
	}

	if err := cfg.validate(strings.TrimSpace(os.Getenv("STRIPE_PRICE_IDS"))); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	proxies, err := ratelimit.ParseTrustedProxies(os.Getenv("GK_TRUSTED_PROXY_CIDRS"))
	if err != nil {
		return nil, fmt.Errorf("GK_TRUSTED_PROXY_CIDRS: %w", err)
	}
	cfg.TrustedProxies = proxies
	return cfg, nil
}

func (c *Config) validate(priceIDs string) error {
	var missing []string
	require := func(key, value string) {
		if value == "" {
			missing = append(missing, key)
		}
	}
	require("GK_BASE_URL", c.BaseURL)
	require("STRIPE_API_KEY", c.StripeAPIKey)
	require("STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)
	require("STRIPE_PRICE_IDS", priceIDs)

	switch c.IdentityMode {
	case IdentityGoTrue:
		require("GK_IDENTITY_URL", c.IdentityURL)
		require("GK_IDENTITY_SERVICE_KEY", c.IdentityServiceKey)
	case IdentityJWT:
		require("GK_IDENTITY_JWT_SECRET", c.JWTSecret)
		// Account deletion still goes through the hosted admin API.
		require("GK_IDENTITY_URL", c.IdentityURL)
		require("GK_IDENTITY_SERVICE_KEY", c.IdentityServiceKey)
	case IdentityOIDC:
		require("GK_OIDC_ISSUER", c.OIDCIssuer)
		require("GK_OIDC_CLIENT_ID", c.OIDCClientID)
		require("GK_OIDC_CLIENT_SECRET", c.OIDCClientSecret)
		require("GK_OIDC_ADMIN_URL", c.OIDCAdminURL)
	default:
		return fmt.Errorf("GK_IDENTITY_MODE must be one of %s, %s, %s; got %q", IdentityGoTrue, IdentityJWT, IdentityOIDC, c.IdentityMode)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("GK_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.RateCleanupInterval <= 0 {
		return fmt.Errorf("GK_RATE_CLEANUP_INTERVAL must be greater than 0, got %s", c.RateCleanupInterval)
	}
	if c.DNSCacheTTL <= 0 {
		return fmt.Errorf("GK_DNS_CACHE_TTL must be greater than 0, got %s", c.DNSCacheTTL)
	}
	if c.StripeMaxRPS <= 0 {
		return fmt.Errorf("STRIPE_MAX_RPS must be greater than 0, got %g", c.StripeMaxRPS)
	}

	if err := validateHTTPURL("GK_BASE_URL", c.BaseURL); err != nil {
		return err
	}
	for key, value := range map[string]string{
		"GK_IDENTITY_URL":   c.IdentityURL,
		"GK_OIDC_ISSUER":    c.OIDCIssuer,
		"GK_OIDC_ADMIN_URL": c.OIDCAdminURL,
	} {
		if value == "" {
			continue
		}
		if err := validateHTTPURL(key, value); err != nil {
			return err
		}
	}

	prices, err := billing.ParsePriceCatalog(priceIDs)
	if err != nil {
		return fmt.Errorf("STRIPE_PRICE_IDS: %w", err)
	}
	c.Prices = prices
	return nil
}

func validateHTTPURL(key, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", key, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%s must use http or https scheme", key)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration such as 30s or 5m: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
