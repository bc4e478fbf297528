// Package ratelimit provides fixed-window admission control for authentication endpoints.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before the window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	return max(d.ResetAt.Sub(now), 0)
}

// Limiter admits or rejects a request keyed by an arbitrary string.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config is a fixed window policy.
type Config struct {
	Limit  int
	Window time.Duration
}

// AuthDefaults is the policy applied to authentication endpoints.
var AuthDefaults = Config{Limit: 5, Window: 15 * time.Minute}
