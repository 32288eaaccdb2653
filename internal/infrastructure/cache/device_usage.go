package cache

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
)

const deviceStoreName = "identity_graph"

// DeviceUsageStore keeps, per device, the users that transacted from it.
// Each device is a sorted set whose scores are last-seen unix milliseconds,
// so membership expires per user while the key itself expires once the
// device has been idle for the whole TTL.
type DeviceUsageStore struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// DeviceUsageOption customises a DeviceUsageStore.
type DeviceUsageOption func(*DeviceUsageStore)

// WithDeviceClock replaces the wall clock, mainly for expiry tests.
func WithDeviceClock(now func() time.Time) DeviceUsageOption {
	return func(s *DeviceUsageStore) {
		s.now = now
	}
}

// WithDevicePrefix sets the key prefix.
func WithDevicePrefix(prefix string) DeviceUsageOption {
	return func(s *DeviceUsageStore) {
		s.prefix = prefix
	}
}

// NewDeviceUsageStore creates a store whose entries live for ttl after their
// last update.
func NewDeviceUsageStore(client *redis.Client, ttl time.Duration, logger *zap.Logger, opts ...DeviceUsageOption) *DeviceUsageStore {
	if ttl <= 0 {
		ttl = DefaultDeviceTTL
	}
	s := &DeviceUsageStore{
		client: client,
		logger: logger,
		prefix: DefaultKeyPrefix,
		ttl:    ttl,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordUsage adds userID to the device's set and refreshes its last-seen
// time. Stale members are trimmed in the same transaction.
func (s *DeviceUsageStore) RecordUsage(ctx context.Context, deviceID, userID string) error {
	key := deviceUsersKey(s.prefix, deviceID)
	now := s.now()
	cutoff := now.Add(-s.ttl).UnixMilli()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.PExpire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		s.logger.Error("record device usage failed",
			zap.String("key", key),
			zap.String("user_id", userID),
			zap.Error(err))
		return errors.NewStoreUnavailableError(deviceStoreName, "record_usage", key).WithCause(err)
	}

	return nil
}

// UsersOf returns the users seen on deviceID within the TTL, sorted.
func (s *DeviceUsageStore) UsersOf(ctx context.Context, deviceID string) ([]string, error) {
	key := deviceUsersKey(s.prefix, deviceID)
	cutoff := s.now().Add(-s.ttl).UnixMilli()

	users, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		s.logger.Error("load device users failed", zap.String("key", key), zap.Error(err))
		return nil, errors.NewStoreUnavailableError(deviceStoreName, "users_of", key).WithCause(err)
	}

	sort.Strings(users)
	return users, nil
}
