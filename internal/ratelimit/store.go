package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one Check call.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Store counts calls per identifier in fixed windows. Check never fails; stores
// backed by a network service allow the call when the service is unavailable.
type Store interface {
	Check(ctx context.Context, identifier string, cfg Config) Result
}
