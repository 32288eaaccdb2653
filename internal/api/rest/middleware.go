package rest

import (
	"context"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/telemetry"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Metrics records HTTP request outcomes.
type Metrics interface {
	ObserveHTTP(method, route string, status int, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveHTTP(string, string, int, time.Duration) {}

// requestLogger logs every request with its route pattern and status.
func requestLogger(logger *zap.Logger, metrics Metrics) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				// Hijacked or nothing written.
				status = http.StatusOK
			}
			duration := time.Since(start)
			route := routePattern(r)

			metrics.ObserveHTTP(r.Method, route, status, duration)

			level := zap.InfoLevel
			if status >= http.StatusInternalServerError {
				level = zap.WarnLevel
			}
			telemetry.WithTrace(r.Context(), logger).Check(level, "http_request").Write(
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("duration", duration),
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// recoverer turns a panic into a 500 with the standard error body.
func recoverer(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()))
					writeError(w, errors.NewInternalError("an internal error occurred"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter counts requests per key in a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// rateLimit rejects clients exceeding limit requests per window with 429.
// Limiter errors let the request through.
func rateLimit(limiter RateLimiter, limit int, window time.Duration, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := "ip:" + clientIP(r)

			allowed, err := limiter.Allow(r.Context(), key, limit, window)
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			if !allowed {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
				writeError(w, errors.NewRateLimitedError(limit, window))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port from RemoteAddr, which RealIP has already
// replaced with the forwarded address when present.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
