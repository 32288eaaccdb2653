// Package rest exposes the engine's HTTP surface: transaction intake, health,
// Prometheus metrics and the dashboard websocket.
package rest

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/config"
)

// Dependencies are the handlers the router mounts. Nil entries leave their
// route unregistered.
type Dependencies struct {
	Queue          TransactionQueue
	Health         *HealthService
	Metrics        Metrics
	MetricsHandler http.Handler
	Dashboard      http.Handler

	// RateLimiter throttles POST /transactions when RateLimit is positive.
	RateLimiter     RateLimiter
	RateLimit       int
	RateLimitWindow time.Duration
}

// Server represents the API server
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg config.ServerConfig, deps Dependencies, logger *zap.Logger) *Server {
	logger = logger.Named("http")

	return &Server{
		config: cfg,
		logger: logger,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           NewRouter(deps, cfg.WriteTimeout, logger),
			ReadHeaderTimeout: cfg.ReadTimeout,
			ReadTimeout:       cfg.ReadTimeout,
			// WriteTimeout stays zero: it would cut long-lived websocket
			// connections. Request handlers are bounded by chi's Timeout.
			MaxHeaderBytes: 1 << 20,
		},
	}
}

// NewRouter mounts every route on a chi router.
func NewRouter(deps Dependencies, requestTimeout time.Duration, logger *zap.Logger) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP)
	r.Use(requestLogger(logger, deps.Metrics))
	r.Use(recoverer(logger))

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.Handler())
	}
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}
	if deps.Queue != nil {
		h := NewHandler(deps.Queue, logger)
		intake := r.With(chimw.Timeout(requestTimeout))
		if deps.RateLimiter != nil && deps.RateLimit > 0 {
			window := deps.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			intake = intake.With(rateLimit(deps.RateLimiter, deps.RateLimit, window, logger))
		}
		intake.Post("/transactions", h.handleCreateTransaction)
	}
	if deps.Dashboard != nil {
		r.Method(http.MethodGet, "/ws", deps.Dashboard)
	}

	return r
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", zap.String("address", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down API server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
