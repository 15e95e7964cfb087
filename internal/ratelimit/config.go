// Package ratelimit implements fixed-window call counters keyed by arbitrary
// identifiers, plus the HTTP middleware that applies them per endpoint class.
//
// The in-memory store is correct for a single process only. Deployments with
// more than one instance must configure the Redis store so all instances share
// counters.
package ratelimit

import "time"

const (
	defaultLimit  = 120
	defaultWindow = time.Minute

	// DefaultCleanupInterval bounds how often the memory store sweeps expired
	// entries.
	DefaultCleanupInterval = time.Minute
)

// Config is the static limit for one endpoint class.
type Config struct {
	Limit  int
	Window time.Duration
}

// normalized fills zero or negative values with the package defaults.
func (c Config) normalized() Config {
	if c.Limit <= 0 {
		c.Limit = defaultLimit
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	return c
}

// Endpoint classes.
const (
	ClassCheckout  = "checkout"
	ClassPortal    = "portal"
	ClassAccount   = "account"
	ClassScenarios = "scenarios"
	ClassWebhook   = "webhook"
	ClassRead      = "read"
)

// Classes maps each endpoint class to its limit.
var Classes = map[string]Config{
	ClassCheckout:  {Limit: 10, Window: time.Minute},
	ClassPortal:    {Limit: 10, Window: time.Minute},
	ClassAccount:   {Limit: 5, Window: 15 * time.Minute},
	ClassScenarios: {Limit: 60, Window: time.Minute},
	ClassWebhook:   {Limit: 300, Window: time.Minute},
	ClassRead:      {Limit: defaultLimit, Window: defaultWindow},
}

// ForClass returns the limit for class, or the package default when the class
// is unknown.
func ForClass(class string) Config {
	if cfg, ok := Classes[class]; ok {
		return cfg
	}
	return Config{}.normalized()
}
