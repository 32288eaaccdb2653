package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/telemetry"
)

// HealthChecker checks the health of a dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheckResult
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status       HealthStatus `json:"status"`
	Error        string       `json:"error,omitempty"`
	ResponseTime string       `json:"response_time"`
}

// HealthStatus represents the health status
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusFail HealthStatus = "fail"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        HealthStatus                 `json:"status"`
	Version       string                       `json:"version"`
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Checks        map[string]HealthCheckResult `json:"checks,omitempty"`
}

// HealthService runs the registered dependency checks.
type HealthService struct {
	checkers  []HealthChecker
	timeout   time.Duration
	version   string
	tracer    trace.Tracer
	startTime time.Time
}

// NewHealthService creates a health service. Each check gets timeout.
func NewHealthService(version string, timeout time.Duration, checkers ...HealthChecker) *HealthService {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthService{
		checkers:  checkers,
		timeout:   timeout,
		version:   version,
		tracer:    telemetry.Tracer("api.rest.health"),
		startTime: time.Now(),
	}
}

// Check runs every checker concurrently.
func (h *HealthService) Check(ctx context.Context) HealthResponse {
	ctx, span := h.tracer.Start(ctx, "health.check")
	defer span.End()

	results := make(map[string]HealthCheckResult, len(h.checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range h.checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			result := c.Check(checkCtx)

			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	status := HealthStatusPass
	failed := make([]string, 0)
	for name, result := range results {
		if result.Status == HealthStatusFail {
			status = HealthStatusFail
			failed = append(failed, name)
		}
	}
	sort.Strings(failed)

	span.SetAttributes(
		attribute.String("health.status", string(status)),
		attribute.StringSlice("health.failed", failed),
	)

	return HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Checks:        results,
	}
}

// Handler serves GET /healthz: 200 when every check passes, 503 otherwise.
func (h *HealthService) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := h.Check(r.Context())

		statusCode := http.StatusOK
		if response.Status != HealthStatusPass {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/health+json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(response)
	}
}

func runCheck(ctx context.Context, ping func(context.Context) error) HealthCheckResult {
	start := time.Now()
	err := ping(ctx)
	result := HealthCheckResult{
		Status:       HealthStatusPass,
		ResponseTime: time.Since(start).String(),
	}
	if err != nil {
		result.Status = HealthStatusFail
		result.Error = err.Error()
	}
	return result
}

// RedisHealthChecker pings the Redis server holding the detection state.
type RedisHealthChecker struct {
	client redis.UniversalClient
}

// NewRedisHealthChecker creates a Redis checker
func NewRedisHealthChecker(client redis.UniversalClient) *RedisHealthChecker {
	return &RedisHealthChecker{client: client}
}

func (c *RedisHealthChecker) Name() string { return "redis" }

func (c *RedisHealthChecker) Check(ctx context.Context) HealthCheckResult {
	return runCheck(ctx, func(ctx context.Context) error {
		return c.client.Ping(ctx).Err()
	})
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PostgresHealthChecker pings the identity graph database.
type PostgresHealthChecker struct {
	pool Pinger
}

// NewPostgresHealthChecker creates a Postgres checker
func NewPostgresHealthChecker(pool Pinger) *PostgresHealthChecker {
	return &PostgresHealthChecker{pool: pool}
}

func (c *PostgresHealthChecker) Name() string { return "postgres" }

func (c *PostgresHealthChecker) Check(ctx context.Context) HealthCheckResult {
	return runCheck(ctx, c.pool.Ping)
}
