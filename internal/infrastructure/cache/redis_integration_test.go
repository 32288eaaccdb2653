//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/config"
	"github.com/davidleathers/fraud-alert-engine/internal/testutil"
	"github.com/davidleathers/fraud-alert-engine/internal/testutil/containers"
)

func setupRealRedis(t *testing.T) *redis.Client {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := testutil.TestContext(t)
	rc, err := containers.NewRedisContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(rc) })

	client, err := NewRedisClient(&config.RedisConfig{URL: rc.Addr}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestVelocityTracker_Integration(t *testing.T) {
	client := setupRealRedis(t)
	ctx := context.Background()
	tracker := NewVelocityTracker(client, 500*time.Millisecond, "it:", zaptest.NewLogger(t))

	for want := int64(1); want <= 3; want++ {
		got, err := tracker.Increment(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	ttl, err := client.PTTL(ctx, velocityKey("it:", "u1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 500*time.Millisecond)

	// The window is fixed from the first increment, so it lapses on schedule.
	testutil.AssertEventually(t, func() bool {
		n, err := client.Exists(ctx, velocityKey("it:", "u1")).Result()
		return err == nil && n == 0
	}, 3*time.Second, 50*time.Millisecond)

	got, err := tracker.Increment(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestDeviceUsageStore_Integration(t *testing.T) {
	client := setupRealRedis(t)
	ctx := context.Background()
	store := NewDeviceUsageStore(client, time.Hour, zaptest.NewLogger(t), WithDevicePrefix("it:"))

	require.NoError(t, store.RecordUsage(ctx, "dX", "u2"))
	require.NoError(t, store.RecordUsage(ctx, "dX", "u1"))
	require.NoError(t, store.RecordUsage(ctx, "dX", "u1"))

	users, err := store.UsersOf(ctx, "dX")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)
}

func TestRateLimiter_Integration(t *testing.T) {
	client := setupRealRedis(t)
	ctx := context.Background()
	limiter := NewRateLimiter(client, "it:", zaptest.NewLogger(t))

	for i := 0; i < 3; i++ {
		allowed, err := limiter.Allow(ctx, "ip:10.0.0.9", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, err := limiter.Allow(ctx, "ip:10.0.0.9", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	count, err := limiter.Count(ctx, "ip:10.0.0.9", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
