package events

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/alert"
	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
)

// ErrSinkClosed is returned by a Sink whose underlying connection is gone.
// The publisher drops subscribers whose sink reports it.
var ErrSinkClosed = stderrors.New("sink closed")

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = stderrors.New("publisher closed")

// Sink receives alerts for one subscriber, one at a time and in order.
type Sink interface {
	Deliver(ctx context.Context, a *alert.FraudAlert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a *alert.FraudAlert) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, a *alert.FraudAlert) error {
	return f(ctx, a)
}

// DropReason explains why a subscriber left the active set.
type DropReason string

const (
	DropReasonSlow        DropReason = "grace_period_exceeded"
	DropReasonSinkClosed  DropReason = "sink_closed"
	DropReasonUnsubscribe DropReason = "unsubscribed"
	DropReasonShutdown    DropReason = "shutdown"
)

// PublisherConfig configures the alert publisher
type PublisherConfig struct {
	// GracePeriod bounds how long Publish waits for a full subscriber queue.
	GracePeriod time.Duration
	// BufferSize is the default per-subscriber queue length.
	BufferSize int
	// DeliverTimeout bounds a single Sink.Deliver call.
	DeliverTimeout time.Duration
	// Name distinguishes metrics of several publishers in one process.
	Name string
	// MeterProvider receives the publisher's instruments. Nil uses the
	// global provider.
	MeterProvider metric.MeterProvider
}

// DefaultPublisherConfig returns default configuration
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		GracePeriod:    250 * time.Millisecond,
		BufferSize:     64,
		DeliverTimeout: 10 * time.Second,
		Name:           "alerts",
	}
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscriber)

// WithName labels the subscriber in logs and partial failure reports.
func WithName(name string) SubscribeOption {
	return func(s *subscriber) { s.name = name }
}

// WithBufferSize overrides the queue length for one subscriber.
func WithBufferSize(n int) SubscribeOption {
	return func(s *subscriber) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithOnDrop registers a callback run once, on its own goroutine, when the
// subscriber leaves the active set for any reason. Close waits for it.
func WithOnDrop(fn func(id string, reason DropReason)) SubscribeOption {
	return func(s *subscriber) { s.onDrop = fn }
}

type subscriber struct {
	id         string
	name       string
	sink       Sink
	bufferSize int
	queue      chan *alert.FraudAlert
	done       chan struct{}
	once       sync.Once
	onDrop     func(id string, reason DropReason)
}

func (s *subscriber) label() string {
	if s.name != "" {
		return s.name + "/" + s.id
	}
	return s.id
}

type publisherMetrics struct {
	published  metric.Int64Counter
	delivered  metric.Int64Counter
	failed     metric.Int64Counter
	dropped    metric.Int64Counter
	subscribed metric.Int64UpDownCounter
}

// Publisher fans each alert out to the subscribers attached when Publish is
// called. Every subscriber has its own queue and delivery goroutine, so a
// slow sink only ever delays itself. Nothing is buffered for subscribers that
// attach later.
type Publisher struct {
	config PublisherConfig
	logger *zap.Logger
	attrs  metric.MeasurementOption

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	wg          sync.WaitGroup

	metrics publisherMetrics
}

// NewPublisher creates a publisher with no subscribers.
func NewPublisher(config PublisherConfig, logger *zap.Logger) (*Publisher, error) {
	defaults := DefaultPublisherConfig()
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaults.GracePeriod
	}
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.DeliverTimeout <= 0 {
		config.DeliverTimeout = defaults.DeliverTimeout
	}
	if config.Name == "" {
		config.Name = defaults.Name
	}

	p := &Publisher{
		config:      config,
		logger:      logger.With(zap.String("publisher", config.Name)),
		attrs:       metric.WithAttributes(attribute.String("publisher", config.Name)),
		subscribers: make(map[string]*subscriber),
	}

	meters := config.MeterProvider
	if meters == nil {
		meters = otel.GetMeterProvider()
	}
	if err := p.initMetrics(meters.Meter("fraud.alerts")); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return p, nil
}

func (p *Publisher) initMetrics(meter metric.Meter) error {
	var err error
	if p.metrics.published, err = meter.Int64Counter("fraud.alerts.published",
		metric.WithDescription("Alerts handed to the publisher")); err != nil {
		return err
	}
	if p.metrics.delivered, err = meter.Int64Counter("fraud.alerts.delivered",
		metric.WithDescription("Alerts delivered by a subscriber sink")); err != nil {
		return err
	}
	if p.metrics.failed, err = meter.Int64Counter("fraud.alerts.failed",
		metric.WithDescription("Sink deliveries that returned an error")); err != nil {
		return err
	}
	if p.metrics.dropped, err = meter.Int64Counter("fraud.alerts.subscribers_dropped",
		metric.WithDescription("Subscribers removed from the active set")); err != nil {
		return err
	}
	if p.metrics.subscribed, err = meter.Int64UpDownCounter("fraud.alerts.subscribers",
		metric.WithDescription("Active subscribers")); err != nil {
		return err
	}
	return nil
}

// Subscribe attaches sink and returns its subscription id. Alerts published
// before Subscribe returns are not delivered to it.
func (p *Publisher) Subscribe(sink Sink, opts ...SubscribeOption) (string, error) {
	s := &subscriber{
		id:         uuid.NewString(),
		sink:       sink,
		bufferSize: p.config.BufferSize,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan *alert.FraudAlert, s.bufferSize)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrPublisherClosed
	}
	p.subscribers[s.id] = s
	p.wg.Add(1)
	p.mu.Unlock()

	go p.deliverLoop(s)

	p.metrics.subscribed.Add(context.Background(), 1, p.attrs)
	p.logger.Info("alert subscriber attached",
		zap.String("subscriber", s.label()),
		zap.Int("buffer_size", s.bufferSize))

	return s.id, nil
}

// Unsubscribe detaches a subscriber. It reports whether the id was active.
func (p *Publisher) Unsubscribe(id string) bool {
	return p.drop(id, DropReasonUnsubscribe)
}

// SubscriberCount returns the number of active subscribers.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers)
}

// Publish hands a to every subscriber attached at call time. A subscriber
// whose queue stays full for the grace period is dropped and reported in a
// PublishPartialFailure error; everyone else still receives the alert.
func (p *Publisher) Publish(ctx context.Context, a *alert.FraudAlert) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPublisherClosed
	}
	targets := make([]*subscriber, 0, len(p.subscribers))
	for _, s := range p.subscribers {
		targets = append(targets, s)
	}
	p.mu.RUnlock()

	p.metrics.published.Add(ctx, 1, p.attrs)
	if len(targets) == 0 {
		return nil
	}

	accepted := 0
	var pending []*subscriber
	for _, s := range targets {
		select {
		case s.queue <- a:
			accepted++
		case <-s.done:
		default:
			pending = append(pending, s)
		}
	}

	if len(pending) == 0 {
		return nil
	}

	timer := time.NewTimer(p.config.GracePeriod)
	defer timer.Stop()

	expired := false
	var slow []*subscriber
	for _, s := range pending {
		if expired {
			select {
			case s.queue <- a:
				accepted++
			case <-s.done:
			default:
				slow = append(slow, s)
			}
			continue
		}

		select {
		case s.queue <- a:
			accepted++
		case <-s.done:
		case <-timer.C:
			expired = true
			select {
			case s.queue <- a:
				accepted++
			default:
				slow = append(slow, s)
			}
		}
	}

	if len(slow) == 0 {
		return nil
	}

	dropped := make([]string, 0, len(slow))
	for _, s := range slow {
		if p.drop(s.id, DropReasonSlow) {
			dropped = append(dropped, s.label())
		}
	}
	if len(dropped) == 0 {
		return nil
	}
	sort.Strings(dropped)

	p.logger.Warn("alert subscribers dropped",
		zap.Strings("subscribers", dropped),
		zap.Int("accepted", accepted),
		zap.Duration("grace_period", p.config.GracePeriod))

	return errors.NewPublishPartialFailure(dropped, accepted)
}

// Close detaches every subscriber and waits for their delivery goroutines.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ids := make([]string, 0, len(p.subscribers))
	for id := range p.subscribers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.drop(id, DropReasonShutdown)
	}

	p.wg.Wait()
	p.logger.Info("alert publisher closed")
	return nil
}

func (p *Publisher) drop(id string, reason DropReason) bool {
	p.mu.Lock()
	s, ok := p.subscribers[id]
	if ok {
		delete(p.subscribers, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}

	s.once.Do(func() {
		if s.onDrop != nil {
			// Counted before done closes, so Close also waits for the callback.
			p.wg.Add(1)
		}
		close(s.done)
		p.metrics.subscribed.Add(context.Background(), -1, p.attrs)
		p.metrics.dropped.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("publisher", p.config.Name), attribute.String("reason", string(reason))))
		p.logger.Info("alert subscriber detached",
			zap.String("subscriber", s.label()),
			zap.String("reason", string(reason)))
		if s.onDrop != nil {
			// Off the caller's path: Publish must not wait on a sink teardown.
			go func() {
				defer p.wg.Done()
				s.onDrop(s.id, reason)
			}()
		}
	})
	return true
}

func (p *Publisher) deliverLoop(s *subscriber) {
	defer p.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case a := <-s.queue:
			if !p.deliver(s, a) {
				p.drop(s.id, DropReasonSinkClosed)
				return
			}
		}
	}
}

// deliver reports false when the sink is permanently gone.
func (p *Publisher) deliver(s *subscriber, a *alert.FraudAlert) bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.DeliverTimeout)
	defer cancel()

	err := s.sink.Deliver(ctx, a)
	if err == nil {
		p.metrics.delivered.Add(ctx, 1, p.attrs)
		return true
	}

	p.metrics.failed.Add(ctx, 1, p.attrs)
	if stderrors.Is(err, ErrSinkClosed) {
		return false
	}

	p.logger.Error("alert delivery failed",
		zap.String("subscriber", s.label()),
		zap.String("reason", a.Reason),
		zap.Error(err))
	return true
}
