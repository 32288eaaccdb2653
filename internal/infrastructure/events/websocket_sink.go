package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/alert"
)

// WebSocketConfig configures a dashboard connection
type WebSocketConfig struct {
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultWebSocketConfig returns default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		MaxMessageSize: 4096,
	}
}

// WebSocketSink writes alerts to one dashboard client. Alerts are sent as the
// raw FraudAlert JSON so the dashboard sees the same payload as the Redis
// channel.
type WebSocketSink struct {
	conn   *websocket.Conn
	config WebSocketConfig
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn, config WebSocketConfig, logger *zap.Logger) *WebSocketSink {
	return &WebSocketSink{
		conn:   conn,
		config: config,
		logger: logger,
		closed: make(chan struct{}),
	}
}

// Deliver writes a as a text frame. Any write error means the client is gone.
func (s *WebSocketSink) Deliver(_ context.Context, a *alert.FraudAlert) error {
	data, err := a.Marshal()
	if err != nil {
		return err
	}

	select {
	case <-s.closed:
		return ErrSinkClosed
	default:
	}

	if err := s.write(websocket.TextMessage, data); err != nil {
		s.Close()
		return fmt.Errorf("%w: %v", ErrSinkClosed, err)
	}
	return nil
}

// Run services the connection until the client disconnects or ctx is done:
// it answers pings, keeps the read deadline fresh and handles client "ping"
// messages. Alerts are written by Deliver.
func (s *WebSocketSink) Run(ctx context.Context) {
	go s.pingLoop(ctx)
	defer s.Close()

	s.conn.SetReadLimit(s.config.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.config.PongTimeout))
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		if messageType == websocket.TextMessage {
			s.handleClientMessage(message)
		}
	}
}

// Done is closed once the connection has been shut down.
func (s *WebSocketSink) Done() <-chan struct{} {
	return s.closed
}

// closeFrameTimeout bounds the best-effort close frame. A client that stopped
// reading never gets it and the connection is closed regardless.
const closeFrameTimeout = 100 * time.Millisecond

// Close sends a close frame and releases the connection. Safe to call twice.
// It never waits on an in-flight write: closing the connection unblocks it.
func (s *WebSocketSink) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		// WriteControl may run concurrently with a blocked WriteMessage.
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeFrameTimeout))
		_ = s.conn.Close()
	})
}

func (s *WebSocketSink) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

func (s *WebSocketSink) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *WebSocketSink) handleClientMessage(message []byte) {
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		s.logger.Debug("invalid client message", zap.Error(err))
		return
	}

	if msg.Type == "ping" {
		pong, _ := json.Marshal(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().UTC(),
		})
		if err := s.write(websocket.TextMessage, pong); err != nil {
			s.Close()
		}
	}
}
