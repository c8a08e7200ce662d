package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockerSingleHolder(t *testing.T) {
	mr, client := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lease)

	other, err := locker.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, other)

	stale := &Lease{Key: "sweep", token: "someone-else", owner: locker}
	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("sweep"))

	require.NoError(t, lease.Release(ctx))
	assert.False(t, mr.Exists("sweep"))
}

func TestLockerExpires(t *testing.T) {
	mr, client := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lease, err := locker.Acquire(ctx, "sweep", time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)

	mr.FastForward(2 * time.Second)

	lease, err = locker.Acquire(ctx, "sweep", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, lease)
}

func TestLockerRejectsBadLease(t *testing.T) {
	_, client := newClient(t)
	locker := NewLocker(client)

	_, err := locker.Acquire(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidLease)
	_, err = locker.Acquire(context.Background(), "sweep", 0)
	assert.ErrorIs(t, err, ErrInvalidLease)
}

func TestNilLockerReportsUnconfigured(t *testing.T) {
	var locker *Locker
	_, err := locker.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)

	var lease *Lease
	assert.NoError(t, lease.Release(context.Background()))
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	_, client := newClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket", 0.001, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
	}
	res, err := bucket.Allow(ctx, "bucket", 0.001, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)
}

func TestActionLimiter(t *testing.T) {
	_, client := newClient(t)
	cfg := config.Config{RateLimit: config.RateLimitConfig{
		Enabled:              true,
		InvitePerMinute:      0.01,
		InviteBurst:          1,
		JoinRequestPerMinute: 0.01,
		JoinRequestBurst:     1,
	}}
	limiter := NewActionLimiter(cfg, client, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, limiter.AllowInvite(ctx, "actor-1"))
	assert.ErrorIs(t, limiter.AllowInvite(ctx, "actor-1"), ErrRateLimited)
	require.NoError(t, limiter.AllowInvite(ctx, "actor-2"))
	require.NoError(t, limiter.AllowJoinRequest(ctx, "actor-1"))
}

func TestActionLimiterFallsBackInProcess(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{
		Enabled:         true,
		InvitePerMinute: 0.01,
		InviteBurst:     2,
	}}
	limiter := NewActionLimiter(cfg, nil, zaptest.NewLogger(t))
	require.NotNil(t, limiter)
	ctx := context.Background()

	require.NoError(t, limiter.AllowInvite(ctx, "actor-1"))
	require.NoError(t, limiter.AllowInvite(ctx, "actor-1"))
	assert.ErrorIs(t, limiter.AllowInvite(ctx, "actor-1"), ErrRateLimited)
	require.NoError(t, limiter.AllowInvite(ctx, "actor-2"))
	// join requests have no configured budget here
	require.NoError(t, limiter.AllowJoinRequest(ctx, "actor-1"))
}

func TestLocalBucketsSweepIdle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	buckets := newLocalBuckets(func() time.Time { return now })

	assert.True(t, buckets.allow("a", 1, 1))
	assert.False(t, buckets.allow("a", 1, 1))

	now = now.Add(localSweepEvery)
	assert.True(t, buckets.allow("b", 1, 1))

	_, kept := buckets.limiters.Load("a")
	assert.False(t, kept)
}

func TestActionLimiterDisabled(t *testing.T) {
	limiter := NewActionLimiter(config.Config{}, nil, zaptest.NewLogger(t))
	assert.Nil(t, limiter)
	assert.NoError(t, limiter.AllowInvite(context.Background(), "actor-1"))
}
