package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimiter implements a sliding window limit per key using Redis sorted
// sets. It guards transaction ingestion per client and is shared by every
// engine replica.
type RateLimiter struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
	seq    atomic.Uint64
}

// NewRateLimiter creates a Redis-based rate limiter
func NewRateLimiter(client *redis.Client, prefix string, logger *zap.Logger) *RateLimiter {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RateLimiter{
		client: client,
		prefix: prefix,
		logger: logger,
		now:    time.Now,
	}
}

// Allow records a request for key and reports whether it is within limit
// requests per window. Rejected requests are not counted.
func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := r.now()
	windowStart := now.Add(-window)
	rateLimitKey := rateLimitKey(r.prefix, key)

	// Unique member per request even within the same nanosecond.
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(r.seq.Add(1), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, rateLimitKey)
	pipe.ZAdd(ctx, rateLimitKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.PExpire(ctx, rateLimitKey, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("rate limiter pipeline failed",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return false, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	// Count before this request was added.
	currentCount := countCmd.Val()
	if currentCount < int64(limit) {
		return true, nil
	}

	if err := r.client.ZRem(ctx, rateLimitKey, member).Err(); err != nil {
		r.logger.Warn("failed to remove rejected request", zap.String("key", key), zap.Error(err))
	}

	r.logger.Debug("rate limit exceeded",
		zap.String("key", key),
		zap.Int64("current_count", currentCount),
		zap.Int("limit", limit),
		zap.Duration("window", window))
	return false, nil
}

// Count returns the number of requests recorded for key in the current window.
func (r *RateLimiter) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	rateLimitKey := rateLimitKey(r.prefix, key)
	windowStart := r.now().Add(-window)

	if err := r.client.ZRemRangeByScore(ctx, rateLimitKey, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("rate limiter cleanup failed: %w", err)
	}

	count, err := r.client.ZCard(ctx, rateLimitKey).Result()
	if err != nil {
		return 0, fmt.Errorf("rate limiter count failed: %w", err)
	}
	return int(count), nil
}

// Reset clears the counter for key.
func (r *RateLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, rateLimitKey(r.prefix, key)).Err(); err != nil {
		return fmt.Errorf("rate limiter reset failed: %w", err)
	}
	return nil
}
