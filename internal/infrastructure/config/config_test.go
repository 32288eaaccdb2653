package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, IdentityBackendRedis, cfg.Detection.IdentityBackend)
	assert.Equal(t, time.Hour, cfg.Detection.DeviceTTL)
	assert.Equal(t, 60*time.Second, cfg.Detection.VelocityWindow)
	assert.Equal(t, int64(10), cfg.Detection.VelocityThreshold)
	assert.Equal(t, "fraud_alerts", cfg.Alerts.Channel)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Telemetry.MetricInterval)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
detection:
  velocity_threshold: 25
  device_ttl: 30m
alerts:
  grace_period: 1s
`), 0o600))

	t.Setenv("FRAUD_DETECTION_VELOCITY_WINDOW", "2m")
	t.Setenv("FRAUD_REDIS_URL", "redis.internal:6380")
	t.Setenv("FRAUD_LOG_LEVEL", "warn")
	t.Setenv("FRAUD_TELEMETRY_METRIC_INTERVAL", "30s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(25), cfg.Detection.VelocityThreshold)
	assert.Equal(t, 30*time.Minute, cfg.Detection.DeviceTTL)
	assert.Equal(t, 2*time.Minute, cfg.Detection.VelocityWindow)
	assert.Equal(t, time.Second, cfg.Alerts.GracePeriod)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.URL)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Telemetry.MetricInterval)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:   "postgres without url",
			mutate: func(c *Config) { c.Detection.IdentityBackend = IdentityBackendPostgres },
			errMsg: "requires database.url",
		},
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Detection.IdentityBackend = "neo4j" },
			errMsg: "unknown detection.identity_backend",
		},
		{
			name:   "zero threshold",
			mutate: func(c *Config) { c.Detection.VelocityThreshold = 0 },
			errMsg: "velocity_threshold",
		},
		{
			name:   "zero grace period",
			mutate: func(c *Config) { c.Alerts.GracePeriod = 0 },
			errMsg: "grace_period",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "detection.velocity_threshold", envKey("FRAUD_DETECTION_VELOCITY_THRESHOLD"))
	assert.Equal(t, "log_level", envKey("FRAUD_LOG_LEVEL"))
	assert.Equal(t, "version", envKey("FRAUD_VERSION"))
}
