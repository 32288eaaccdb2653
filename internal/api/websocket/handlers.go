// Package websocket serves the live alert feed used by the fraud dashboard.
package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/config"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/events"
)

// Subscriber is the part of the alert publisher the handler needs.
type Subscriber interface {
	Subscribe(sink events.Sink, opts ...events.SubscribeOption) (string, error)
	Unsubscribe(id string) bool
}

// Metrics tracks connected dashboard clients.
type Metrics interface {
	DashboardConnected(delta int)
}

type noopMetrics struct{}

func (noopMetrics) DashboardConnected(int) {}

// Handler upgrades dashboard requests and attaches each connection to the
// alert publisher for as long as the client stays connected.
type Handler struct {
	publisher Subscriber
	config    config.DashboardConfig
	metrics   Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	sinkCfg   events.WebSocketConfig

	clients atomic.Int64
}

// NewHandler creates a dashboard handler. metrics may be nil.
func NewHandler(publisher Subscriber, cfg config.DashboardConfig, metrics Metrics, logger *zap.Logger) *Handler {
	if metrics == nil {
		metrics = noopMetrics{}
	}

	sinkCfg := events.DefaultWebSocketConfig()
	if cfg.PingInterval > 0 {
		sinkCfg.PingInterval = cfg.PingInterval
		sinkCfg.PongTimeout = 2 * cfg.PingInterval
	}

	h := &Handler{
		publisher: publisher,
		config:    cfg,
		metrics:   metrics,
		logger:    logger.Named("dashboard"),
		sinkCfg:   sinkCfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Clients returns the number of connected dashboard clients.
func (h *Handler) Clients() int {
	return int(h.clients.Load())
}

// ServeHTTP handles GET /ws.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.config.JWTSecret != "" {
		if err := h.authenticate(r); err != nil {
			h.logger.Debug("dashboard authentication failed", zap.Error(err))
			writeError(w, errors.NewUnauthorizedError("invalid or missing dashboard token"))
			return
		}
	}

	if n := h.clients.Add(1); h.config.MaxClients > 0 && n > int64(h.config.MaxClients) {
		h.clients.Add(-1)
		http.Error(w, "too many dashboard clients", http.StatusServiceUnavailable)
		return
	}
	defer h.clients.Add(-1)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sink := events.NewWebSocketSink(conn, h.sinkCfg, h.logger)
	id, err := h.publisher.Subscribe(sink,
		events.WithName("dashboard"),
		events.WithOnDrop(func(string, events.DropReason) { sink.Close() }),
	)
	if err != nil {
		h.logger.Warn("dashboard subscribe failed", zap.Error(err))
		sink.Close()
		return
	}

	h.metrics.DashboardConnected(1)
	defer h.metrics.DashboardConnected(-1)

	h.logger.Info("dashboard client connected",
		zap.String("subscriber", id),
		zap.String("remote_addr", r.RemoteAddr))

	sink.Run(r.Context())
	h.publisher.Unsubscribe(id)

	h.logger.Info("dashboard client disconnected", zap.String("subscriber", id))
}

// authenticate accepts an HS256 token in the Authorization header or the
// token query parameter. Browsers cannot set headers on a websocket handshake.
func (h *Handler) authenticate(r *http.Request) error {
	raw := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fmt.Errorf("invalid authorization header format")
		}
		raw = parts[1]
	}
	if raw == "" {
		return fmt.Errorf("missing token")
	}

	_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(h.config.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return err
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func writeError(w http.ResponseWriter, appErr *errors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.StatusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": appErr})
}
