package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter and starts its expiry on the first hit.
// Returns the count and the remaining ttl in milliseconds.
var fixedWindow = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares fixed windows between instances through Redis.
type RedisLimiter struct {
	client redis.Scripter
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedisLimiter creates a limiter storing windows under the "ratelimit:" prefix.
func NewRedisLimiter(client redis.Scripter, cfg Config) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		cfg:    cfg,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

// Allow counts a request against key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := fixedWindow.Run(ctx, l.client, []string{l.prefix + key}, l.cfg.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit: unexpected script result %v", res)
	}

	count := int(res[0])
	return Decision{
		Allowed:   count <= l.cfg.Limit,
		Limit:     l.cfg.Limit,
		Remaining: max(l.cfg.Limit-count, 0),
		ResetAt:   l.now().Add(time.Duration(res[1]) * time.Millisecond),
	}, nil
}
