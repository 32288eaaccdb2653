package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// FRAUD_DETECTION_VELOCITY_THRESHOLD=20.
const EnvPrefix = "FRAUD_"

// DefaultConfigPath is read when no explicit path is given.
const DefaultConfigPath = "configs/config.yaml"

// Identity graph backends
const (
	IdentityBackendRedis    = "redis"
	IdentityBackendPostgres = "postgres"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`

	Server    ServerConfig    `koanf:"server"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Detection DetectionConfig `koanf:"detection"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Intake    IntakeConfig    `koanf:"intake"`
	Dashboard DashboardConfig `koanf:"dashboard"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	// RateLimit caps POST /transactions per client IP and window. Zero disables it.
	RateLimit       int           `koanf:"rate_limit"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	MaxRetries   int           `koanf:"max_retries"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// DatabaseConfig is only needed for the postgres identity backend.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	PruneInterval   time.Duration `koanf:"prune_interval"`
}

type KafkaConfig struct {
	Brokers          []string      `koanf:"brokers"`
	GroupID          string        `koanf:"group_id"`
	TransactionTopic string        `koanf:"transaction_topic"`
	AlertTopic       string        `koanf:"alert_topic"`
	DeadLetterTopic  string        `koanf:"dead_letter_topic"`
	DialTimeout      time.Duration `koanf:"dial_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
}

// DetectionConfig carries the rule parameters passed into the stores and engine.
type DetectionConfig struct {
	IdentityBackend   string        `koanf:"identity_backend"`
	DeviceTTL         time.Duration `koanf:"device_ttl"`
	VelocityWindow    time.Duration `koanf:"velocity_window"`
	VelocityThreshold int64         `koanf:"velocity_threshold"`
	KeyPrefix         string        `koanf:"key_prefix"`
}

type AlertsConfig struct {
	Channel      string        `koanf:"channel"`
	GracePeriod  time.Duration `koanf:"grace_period"`
	BufferSize   int           `koanf:"buffer_size"`
	RedisEnabled bool          `koanf:"redis_enabled"`
	KafkaEnabled bool          `koanf:"kafka_enabled"`
}

type IntakeConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Workers      int           `koanf:"workers"`
	MaxRate      float64       `koanf:"max_rate"`
	Burst        int           `koanf:"burst"`
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

type DashboardConfig struct {
	Enabled    bool   `koanf:"enabled"`
	JWTSecret  string `koanf:"jwt_secret"`
	MaxClients int    `koanf:"max_clients"`
	// AllowedOrigins lists browser origins accepted on upgrade. Empty allows
	// same-host requests only.
	AllowedOrigins []string      `koanf:"allowed_origins"`
	PingInterval   time.Duration `koanf:"ping_interval"`
}

type TelemetryConfig struct {
	Enabled       bool          `koanf:"enabled"`
	OTLPEndpoint  string        `koanf:"otlp_endpoint"`
	SamplingRate  float64       `koanf:"sampling_rate"`
	ExportTimeout time.Duration `koanf:"export_timeout"`
	BatchTimeout  time.Duration `koanf:"batch_timeout"`
	// MetricInterval is how often metrics are pushed to the collector.
	MetricInterval time.Duration `koanf:"metric_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		LogFormat:   "json",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			RateLimitWindow: time.Minute,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     20,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			PruneInterval:   5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:          []string{"localhost:9092"},
			GroupID:          "fraud-engine",
			TransactionTopic: "transactions",
			AlertTopic:       "fraud-alerts",
			DeadLetterTopic:  "transactions.dlq",
			DialTimeout:      5 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		Detection: DetectionConfig{
			IdentityBackend:   IdentityBackendRedis,
			DeviceTTL:         time.Hour,
			VelocityWindow:    60 * time.Second,
			VelocityThreshold: 10,
			KeyPrefix:         "fraud:",
		},
		Alerts: AlertsConfig{
			Channel:      "fraud_alerts",
			GracePeriod:  250 * time.Millisecond,
			BufferSize:   64,
			RedisEnabled: true,
		},
		Intake: IntakeConfig{
			Enabled:      true,
			Workers:      8,
			MaxRate:      0,
			Burst:        1,
			MaxRetries:   3,
			RetryBackoff: 200 * time.Millisecond,
		},
		Dashboard: DashboardConfig{
			Enabled:      true,
			MaxClients:   1000,
			PingInterval: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   1.0,
			ExportTimeout:  30 * time.Second,
			BatchTimeout:   5 * time.Second,
			MetricInterval: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional .env file, an
// optional YAML file and FRAUD_ environment variables, in that order.
func Load(path string) (*Config, error) {
	// .env is a convenience for local runs; a missing file is fine.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps FRAUD_DETECTION_VELOCITY_THRESHOLD to detection.velocity_threshold.
// Only the first underscore separates section from field.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, found := strings.Cut(s, "_")
	if !found {
		return section
	}
	if _, nested := sections[section]; !nested {
		return s
	}
	return section + "." + field
}

var sections = map[string]struct{}{
	"server": {}, "redis": {}, "database": {}, "kafka": {}, "detection": {},
	"alerts": {}, "intake": {}, "dashboard": {}, "telemetry": {},
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Detection.IdentityBackend {
	case IdentityBackendRedis:
	case IdentityBackendPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("detection.identity_backend=postgres requires database.url")
		}
	default:
		return fmt.Errorf("unknown detection.identity_backend %q", c.Detection.IdentityBackend)
	}
	if c.Detection.DeviceTTL <= 0 {
		return fmt.Errorf("detection.device_ttl must be positive")
	}
	if c.Detection.VelocityWindow <= 0 {
		return fmt.Errorf("detection.velocity_window must be positive")
	}
	if c.Detection.VelocityThreshold < 1 {
		return fmt.Errorf("detection.velocity_threshold must be at least 1")
	}
	if c.Alerts.GracePeriod <= 0 {
		return fmt.Errorf("alerts.grace_period must be positive")
	}
	if c.Alerts.Channel == "" {
		return fmt.Errorf("alerts.channel is required")
	}
	return nil
}
