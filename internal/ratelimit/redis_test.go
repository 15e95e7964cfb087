package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreCheck_FixedWindow(t *testing.T) {
	s, mr := newTestRedisStore(t)
	cfg := Config{Limit: 2, Window: 30 * time.Second}
	ctx := context.Background()

	first := s.Check(ctx, "checkout:203.0.113.1", cfg)
	require.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)

	second := s.Check(ctx, "checkout:203.0.113.1", cfg)
	require.True(t, second.Allowed)
	assert.Equal(t, 0, second.Remaining)

	third := s.Check(ctx, "checkout:203.0.113.1", cfg)
	assert.False(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), third.ResetAt, 2*time.Second)

	ttl := mr.TTL(redisKeyPrefix + "checkout:203.0.113.1")
	assert.Equal(t, 30*time.Second, ttl)
}

func TestRedisStoreCheck_WindowResetAfterExpiry(t *testing.T) {
	s, mr := newTestRedisStore(t)
	cfg := Config{Limit: 1, Window: 10 * time.Second}
	ctx := context.Background()

	require.True(t, s.Check(ctx, "k", cfg).Allowed)
	require.False(t, s.Check(ctx, "k", cfg).Allowed)

	mr.FastForward(11 * time.Second)

	res := s.Check(ctx, "k", cfg)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestRedisStoreCheck_RepairsKeyWithoutTTL(t *testing.T) {
	s, mr := newTestRedisStore(t)
	require.NoError(t, mr.Set(redisKeyPrefix+"stuck", "4"))

	res := s.Check(context.Background(), "stuck", Config{Limit: 10, Window: time.Minute})
	assert.True(t, res.Allowed)
	assert.Equal(t, 5, res.Remaining)
	assert.Equal(t, time.Minute, mr.TTL(redisKeyPrefix+"stuck"))
}

func TestRedisStoreCheck_FailsOpenWhenRedisIsDown(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close()

	res := s.Check(context.Background(), "k", Config{Limit: 1, Window: time.Minute})
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Limit)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = OpenRedis(context.Background(), "://bad")
	assert.Error(t, err)
}
