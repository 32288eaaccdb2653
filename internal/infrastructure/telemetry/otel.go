package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/config"
)

const defaultMetricInterval = 10 * time.Second

// Service identifies the process in exported spans and metrics.
type Service struct {
	Name        string
	Version     string
	Environment string
}

// Provider owns the trace and metric pipelines of the process. Components
// take their tracers and meters from it rather than from the globals, so a
// disabled pipeline costs nothing.
type Provider struct {
	tracers  trace.TracerProvider
	meters   metric.MeterProvider
	shutdown []func(context.Context) error
}

// Setup builds the OTLP pipelines described by cfg and installs them as the
// process globals. With telemetry disabled it returns no-op providers and
// leaves the globals alone.
func Setup(ctx context.Context, cfg config.TelemetryConfig, svc Service) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{
			tracers: tracenoop.NewTracerProvider(),
			meters:  metricnoop.NewMeterProvider(),
		}, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(svc.Name),
		semconv.ServiceVersion(svc.Version),
		semconv.DeploymentEnvironment(svc.Environment),
		attribute.String("service.namespace", "fraud"),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	spanExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	if err != nil {
		return nil, fmt.Errorf("span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SamplingRate)),
		sdktrace.WithBatcher(spanExporter, sdktrace.WithBatchTimeout(cfg.BatchTimeout)),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(cfg.ExportTimeout))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(MetricInterval(cfg)),
			sdkmetric.WithTimeout(cfg.ExportTimeout))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		tracers: tp,
		meters:  mp,
		// Flush spans before the meter's final export.
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// TracerProvider returns the provider spans are exported through.
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracers }

// MeterProvider returns the provider instruments are exported through.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.meters }

// Shutdown flushes and stops both pipelines.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}

// Sampler keeps rate of root traces and follows the caller's decision for
// propagated ones. rate is clamped to [0, 1].
func Sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// MetricInterval is how often metrics are pushed to the collector.
func MetricInterval(cfg config.TelemetryConfig) time.Duration {
	if cfg.MetricInterval <= 0 {
		return defaultMetricInterval
	}
	return cfg.MetricInterval
}

// Tracer returns a tracer from the global provider.
func Tracer(name string, opts ...trace.TracerOption) trace.Tracer {
	return otel.Tracer(name, opts...)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error, opts ...trace.EventOption) {
	if err == nil {
		return
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds a named event with attrs to span.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
