package intake

import (
	"context"
	stderrors "errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/events"
	"github.com/davidleathers/fraud-alert-engine/internal/service/fraud"
)

// Intake outcomes reported to Metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeInvalid   = "invalid"
	OutcomeFailed    = "failed"
)

// Source yields queued transaction payloads.
type Source interface {
	Next(ctx context.Context) (events.Delivery, error)
}

// Handler processes one payload.
type Handler interface {
	Handle(ctx context.Context, payload []byte) (*fraud.EngineResult, error)
}

// Metrics counts consumed messages by outcome.
type Metrics interface {
	ObserveIntake(outcome string)
}

// DeadLetterQueue receives messages that will be committed without having
// been evaluated.
type DeadLetterQueue interface {
	Add(ctx context.Context, d events.Delivery, reason string, attempts int) error
}

type noopMetrics struct{}

func (noopMetrics) ObserveIntake(string) {}

// ConsumerConfig configures the queue consumer
type ConsumerConfig struct {
	Workers      int
	MaxRate      float64
	Burst        int
	MaxRetries   int
	RetryBackoff time.Duration
}

// Consumer pulls transactions from the queue and evaluates them on a fixed
// pool of workers. A message is committed once it is settled and so is every
// message fetched before it from the same partition. Invalid and exhausted
// messages count as settled.
type Consumer struct {
	source  Source
	handler Handler
	config  ConsumerConfig
	limiter *rate.Limiter
	metrics Metrics
	dlq     DeadLetterQueue
	logger  *zap.Logger
}

// NewConsumer creates a consumer. A MaxRate of zero disables throttling.
func NewConsumer(source Source, handler Handler, config ConsumerConfig, metrics Metrics, logger *zap.Logger) *Consumer {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 200 * time.Millisecond
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}

	limit := rate.Inf
	if config.MaxRate > 0 {
		limit = rate.Limit(config.MaxRate)
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Consumer{
		source:  source,
		handler: handler,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		logger:  logger,
	}
}

// WithDeadLetterQueue parks invalid and exhausted messages in dlq before
// they are committed.
func (c *Consumer) WithDeadLetterQueue(dlq DeadLetterQueue) *Consumer {
	c.dlq = dlq
	return c
}

// Run consumes until ctx is cancelled or the source fails. Cancellation is a
// clean stop and returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan *inFlight)
	window := newCommitWindow(c.logger)

	g.Go(func() error {
		defer close(jobs)
		for {
			if err := c.limiter.Wait(gctx); err != nil {
				return nil
			}
			d, err := c.source.Next(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			f := window.track(d)
			select {
			case jobs <- f:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for i := 0; i < c.config.Workers; i++ {
		g.Go(func() error {
			for f := range jobs {
				if c.process(gctx, f.delivery) {
					window.complete(context.WithoutCancel(gctx), f)
				}
			}
			return nil
		})
	}

	c.logger.Info("transaction consumer started",
		zap.Int("workers", c.config.Workers),
		zap.Float64("max_rate", c.config.MaxRate))

	err := g.Wait()
	c.logger.Info("transaction consumer stopped",
		zap.Int("uncommitted", window.held()),
		zap.Error(err))
	return err
}

// process handles d and reports whether it is settled and may be committed.
func (c *Consumer) process(ctx context.Context, d events.Delivery) bool {
	logger := c.logger.With(
		zap.String("key", d.Key),
		zap.Int("partition", d.Partition),
		zap.Int64("offset", d.Offset))

	outcome, attempts, err := c.handleWithRetry(ctx, d, logger)
	c.metrics.ObserveIntake(outcome)

	if ctx.Err() != nil && outcome == OutcomeFailed {
		// Leave it uncommitted so the next consumer picks it up.
		return false
	}

	if outcome != OutcomeProcessed && c.dlq != nil {
		if dlqErr := c.dlq.Add(context.WithoutCancel(ctx), d, failureReason(err), attempts); dlqErr != nil {
			logger.Error("dead letter failed", zap.Error(dlqErr))
		}
	}
	return true
}

// handleWithRetry returns the outcome, the number of attempts made and the
// last error.
func (c *Consumer) handleWithRetry(ctx context.Context, d events.Delivery, logger *zap.Logger) (string, int, error) {
	backoff := c.config.RetryBackoff

	for attempt := 1; ; attempt++ {
		result, err := c.handler.Handle(ctx, d.Payload)
		switch {
		case err == nil:
			if result.Fraud {
				logger.Info("transaction flagged", zap.String("reason", result.Reason))
			}
			return OutcomeProcessed, attempt, nil
		case errors.IsInvalidTransaction(err):
			logger.Warn("invalid transaction", zap.Error(err))
			return OutcomeInvalid, attempt, err
		case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
			return OutcomeFailed, attempt, err
		}

		if !errors.IsRetryable(err) || attempt > c.config.MaxRetries {
			logger.Error("transaction evaluation failed", zap.Int("attempts", attempt), zap.Error(err))
			return OutcomeFailed, attempt, err
		}

		logger.Warn("transaction evaluation failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return OutcomeFailed, attempt, ctx.Err()
		}
		backoff *= 2
	}
}

// failureReason is the error code when err is an AppError.
func failureReason(err error) string {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
