package cache

import "time"

// Key segments appended to the configured prefix.
const (
	deviceUsersSegment = "device:"
	velocitySegment    = "velocity:"
	rateLimitSegment   = "ratelimit:"
)

// Default windows used when a store is built with a zero duration.
const (
	DefaultDeviceTTL      = time.Hour
	DefaultVelocityWindow = 60 * time.Second
	DefaultKeyPrefix      = "fraud:"
)

func deviceUsersKey(prefix, deviceID string) string {
	return prefix + deviceUsersSegment + deviceID + ":users"
}

func velocityKey(prefix, userID string) string {
	return prefix + velocitySegment + userID + ":tx_count"
}

func rateLimitKey(prefix, key string) string {
	return prefix + rateLimitSegment + key
}
