package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
)

const velocityStoreName = "velocity"

// incrementScript arms the window on the first increment only, so the window
// is fixed from the first transaction rather than sliding with each one.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// VelocityTracker counts transactions per user inside a fixed window.
type VelocityTracker struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
	window time.Duration
}

// NewVelocityTracker creates a tracker whose counters reset window after the
// first increment.
func NewVelocityTracker(client *redis.Client, window time.Duration, prefix string, logger *zap.Logger) *VelocityTracker {
	if window <= 0 {
		window = DefaultVelocityWindow
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &VelocityTracker{
		client: client,
		logger: logger,
		prefix: prefix,
		window: window,
	}
}

// Increment bumps the user's counter and returns the post-increment value.
func (v *VelocityTracker) Increment(ctx context.Context, userID string) (int64, error) {
	key := velocityKey(v.prefix, userID)

	count, err := incrementScript.Run(ctx, v.client, []string{key}, v.window.Milliseconds()).Int64()
	if err != nil {
		v.logger.Error("velocity increment failed", zap.String("key", key), zap.Error(err))
		return 0, errors.NewStoreUnavailableError(velocityStoreName, "increment", key).WithCause(err)
	}

	return count, nil
}

// Window reports the configured counting window.
func (v *VelocityTracker) Window() time.Duration {
	return v.window
}
