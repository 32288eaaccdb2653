package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/alert"
)

// DefaultAlertChannel is the pub/sub channel dashboards listen on.
const DefaultAlertChannel = "fraud_alerts"

// RedisChannelSink broadcasts alerts on a Redis pub/sub channel.
type RedisChannelSink struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisChannelSink creates a sink publishing to channel.
func NewRedisChannelSink(client *redis.Client, channel string, logger *zap.Logger) *RedisChannelSink {
	if channel == "" {
		channel = DefaultAlertChannel
	}
	return &RedisChannelSink{client: client, channel: channel, logger: logger}
}

// Deliver publishes the alert JSON. Redis errors are transient from the
// publisher's point of view, so the subscription is kept.
func (s *RedisChannelSink) Deliver(ctx context.Context, a *alert.FraudAlert) error {
	data, err := a.Marshal()
	if err != nil {
		return err
	}

	receivers, err := s.client.Publish(ctx, s.channel, data).Result()
	if err != nil {
		return fmt.Errorf("redis publish to %s failed: %w", s.channel, err)
	}

	s.logger.Debug("alert broadcast",
		zap.String("channel", s.channel),
		zap.Int64("receivers", receivers))
	return nil
}

// AlertPublisher is the subset of Publisher the relay feeds.
type AlertPublisher interface {
	Publish(ctx context.Context, a *alert.FraudAlert) error
}

// RedisRelay listens on the alert channel and republishes every alert into a
// local publisher, so dashboards attached to any instance see alerts raised
// by every instance.
type RedisRelay struct {
	client  *redis.Client
	channel string
	target  AlertPublisher
	logger  *zap.Logger
}

// NewRedisRelay creates a relay from channel into target.
func NewRedisRelay(client *redis.Client, channel string, target AlertPublisher, logger *zap.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultAlertChannel
	}
	return &RedisRelay{client: client, channel: channel, target: target, logger: logger}
}

// Run blocks until ctx is cancelled. It returns once the subscription is
// confirmed failing; a nil error means a clean shutdown.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s failed: %w", r.channel, err)
	}

	r.logger.Info("alert relay subscribed", zap.String("channel", r.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.relay(ctx, msg)
		}
	}
}

func (r *RedisRelay) relay(ctx context.Context, msg *redis.Message) {
	a, err := alert.Unmarshal([]byte(msg.Payload))
	if err != nil {
		r.logger.Warn("discarding malformed alert", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}

	if err := r.target.Publish(ctx, a); err != nil {
		r.logger.Warn("relayed alert not fully delivered", zap.Error(err))
	}
}
