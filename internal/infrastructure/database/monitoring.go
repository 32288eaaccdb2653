package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ConnectionStats is a snapshot of the graph pool.
type ConnectionStats struct {
	TotalConnections  int32
	ActiveConnections int32
	IdleConnections   int32
	MaxConnections    int32
	EmptyAcquireCount int64
	CanceledAcquires  int64
	AcquireDuration   time.Duration
}

// Saturation is the share of the pool in use, from 0 to 100.
func (s ConnectionStats) Saturation() float64 {
	if s.MaxConnections <= 0 {
		return 0
	}
	return float64(s.ActiveConnections) / float64(s.MaxConnections) * 100
}

// PoolMetrics receives pool snapshots.
type PoolMetrics interface {
	ObservePool(stats ConnectionStats)
}

// MonitorConfig holds monitoring configuration
type MonitorConfig struct {
	Interval            time.Duration
	ConnectionThreshold float64 // saturation percent that triggers a warning
}

// Monitor periodically samples pool statistics, exports them and warns when
// the pool nears exhaustion, which shows up as identity graph timeouts.
type Monitor struct {
	stat    func() ConnectionStats
	metrics PoolMetrics
	logger  *zap.Logger
	config  MonitorConfig
}

// NewMonitor creates a monitor for pool.
func NewMonitor(pool *pgxpool.Pool, metrics PoolMetrics, logger *zap.Logger, config MonitorConfig) *Monitor {
	return newMonitor(func() ConnectionStats { return statsFromPool(pool.Stat()) }, metrics, logger, config)
}

func newMonitor(stat func() ConnectionStats, metrics PoolMetrics, logger *zap.Logger, config MonitorConfig) *Monitor {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.ConnectionThreshold <= 0 {
		config.ConnectionThreshold = 80
	}
	return &Monitor{
		stat:    stat,
		metrics: metrics,
		logger:  logger,
		config:  config,
	}
}

func statsFromPool(s *pgxpool.Stat) ConnectionStats {
	return ConnectionStats{
		TotalConnections:  s.TotalConns(),
		ActiveConnections: s.AcquiredConns(),
		IdleConnections:   s.IdleConns(),
		MaxConnections:    s.MaxConns(),
		EmptyAcquireCount: s.EmptyAcquireCount(),
		CanceledAcquires:  s.CanceledAcquireCount(),
		AcquireDuration:   s.AcquireDuration(),
	}
}

// Sample takes one snapshot, exports it and returns it.
func (m *Monitor) Sample() ConnectionStats {
	stats := m.stat()
	if m.metrics != nil {
		m.metrics.ObservePool(stats)
	}

	if saturation := stats.Saturation(); saturation >= m.config.ConnectionThreshold {
		m.logger.Warn("database pool near capacity",
			zap.Float64("saturation_percent", saturation),
			zap.Int32("active", stats.ActiveConnections),
			zap.Int32("max", stats.MaxConnections),
			zap.Int64("empty_acquires", stats.EmptyAcquireCount))
	}
	return stats
}

// Run samples every Interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}
