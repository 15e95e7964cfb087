package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/tallyworks/gatekeeper/internal/metrics"
)

const redisKeyPrefix = "gatekeeper:rl:"

// fixedWindowScript increments the counter and starts the window on the first
// call. A key left without a TTL is given one so it cannot live forever.
var fixedWindowScript = redis.NewScript(`
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

// RedisStore is a Store shared by every instance pointing at the same Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: redisKeyPrefix,
		now:    time.Now,
	}
}

// OpenRedis builds a client from a redis:// URL and checks connectivity.
func OpenRedis(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Check records one call for identifier. Redis failures allow the call.
func (s *RedisStore) Check(ctx context.Context, identifier string, cfg Config) Result {
	cfg = cfg.normalized()
	now := s.now()

	vals, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + identifier}, cfg.Window.Milliseconds()).Slice()
	if err == nil && len(vals) != 2 {
		err = fmt.Errorf("unexpected script reply length %d", len(vals))
	}
	if err != nil {
		metrics.RateStoreErrors.Inc()
		log.Warn().Err(err).Str("identifier", identifier).Msg("Rate store unavailable, allowing request")
		return Result{Allowed: true, Limit: cfg.Limit, Remaining: cfg.Limit - 1, ResetAt: now.Add(cfg.Window)}
	}

	count, _ := vals[0].(int64)
	ttl, _ := vals[1].(int64)
	res := Result{
		Limit:   cfg.Limit,
		ResetAt: now.Add(time.Duration(ttl) * time.Millisecond),
	}
	if int(count) > cfg.Limit {
		return res
	}
	res.Allowed = true
	res.Remaining = cfg.Limit - int(count)
	return res
}
