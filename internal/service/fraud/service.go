package fraud

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/fraud-alert-engine/internal/domain/alert"
	"github.com/davidleathers/fraud-alert-engine/internal/domain/errors"
	"github.com/davidleathers/fraud-alert-engine/internal/domain/transaction"
	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/telemetry"
)

// Engine evaluates transactions against the ring and velocity rules, in that
// order, and publishes an alert when either fires.
type Engine struct {
	graph     IdentityGraph
	cards     CardLinker
	velocity  VelocityTracker
	publisher AlertPublisher
	threshold int64
	metrics   Metrics
	tracer    trace.Tracer
	logger    *zap.Logger
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithVelocityThreshold sets the highest per-window count that is still clean.
func WithVelocityThreshold(threshold int64) EngineOption {
	return func(e *Engine) {
		if threshold > 0 {
			e.threshold = threshold
		}
	}
}

// WithMetrics attaches an evaluation metrics sink.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) {
		e.tracer = tp.Tracer(tracerName)
	}
}

// NewEngine wires the rule engine. If graph also implements CardLinker, card
// edges are recorded alongside device usage.
func NewEngine(graph IdentityGraph, velocity VelocityTracker, publisher AlertPublisher, logger *zap.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		graph:     graph,
		velocity:  velocity,
		publisher: publisher,
		threshold: DefaultVelocityThreshold,
		metrics:   noopMetrics{},
		tracer:    telemetry.Tracer(tracerName),
		logger:    logger,
	}
	if linker, ok := graph.(CardLinker); ok {
		e.cards = linker
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs one detection pass. A store failure aborts the pass and is
// returned without a result; a flagged transaction is published before
// returning. Publish partial failures are logged and do not fail the pass.
func (e *Engine) Evaluate(ctx context.Context, tx transaction.Transaction) (*EngineResult, error) {
	ctx, span := e.tracer.Start(ctx, "fraud.Evaluate", trace.WithAttributes(
		attribute.String("fraud.user_id", tx.UserID),
		attribute.String("fraud.device_id", tx.DeviceID),
	))
	defer span.End()

	start := time.Now()
	logger := telemetry.WithTrace(ctx, e.logger).With(
		zap.String("user_id", tx.UserID),
		zap.String("device_id", tx.DeviceID))

	result, outcome, err := e.evaluate(ctx, tx)
	if err != nil {
		telemetry.RecordError(span, err)
		e.metrics.ObserveEvaluation(ctx, OutcomeError, time.Since(start))
		logger.Error("fraud evaluation aborted", zap.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.String("fraud.outcome", outcome))

	if result.Fraud {
		logger.Info("transaction flagged", zap.String("reason", result.Reason))
		if err := e.publisher.Publish(ctx, alert.New(result.Reason, tx)); err != nil {
			if !errors.IsPublishPartialFailure(err) {
				telemetry.RecordError(span, err)
				e.metrics.ObserveEvaluation(ctx, OutcomeError, time.Since(start))
				return nil, errors.Wrap(err, "publish fraud alert")
			}
			telemetry.AddEvent(span, "alert.partial_failure")
			logger.Warn("fraud alert partially delivered", zap.Error(err))
		}
	} else {
		logger.Debug("transaction clean")
	}

	e.metrics.ObserveEvaluation(ctx, outcome, time.Since(start))
	return result, nil
}

func (e *Engine) evaluate(ctx context.Context, tx transaction.Transaction) (*EngineResult, string, error) {
	if err := e.graph.RecordUsage(ctx, tx.DeviceID, tx.UserID); err != nil {
		return nil, OutcomeError, err
	}

	if e.cards != nil && tx.CardID != "" {
		if err := e.cards.LinkCard(ctx, tx.UserID, tx.CardID, tx.DeviceID); err != nil {
			return nil, OutcomeError, err
		}
	}

	users, err := e.graph.UsersOf(ctx, tx.DeviceID)
	if err != nil {
		return nil, OutcomeError, err
	}

	if users = distinctSorted(users); len(users) >= ringMinUsers {
		return &EngineResult{Fraud: true, Reason: RingReason(users, tx.DeviceID)}, OutcomeRing, nil
	}

	count, err := e.velocity.Increment(ctx, tx.UserID)
	if err != nil {
		return nil, OutcomeError, err
	}

	if count > e.threshold {
		return &EngineResult{Fraud: true, Reason: ReasonVelocity}, OutcomeVelocity, nil
	}

	return &EngineResult{}, OutcomeClean, nil
}

// RingReason renders the ring alert reason for the given users.
func RingReason(users []string, deviceID string) string {
	users = distinctSorted(users)
	return fmt.Sprintf(ringReasonFormat, len(users), strings.Join(users, ", "), deviceID)
}

func distinctSorted(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, u := range in {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
