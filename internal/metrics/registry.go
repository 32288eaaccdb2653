package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/database"
	"github.com/davidleathers/fraud-alert-engine/internal/service/fraud"
)

const namespace = "fraud"

// Registry holds the engine's metrics. Every observation is recorded both as
// a Prometheus collector, scraped from /metrics, and as an OpenTelemetry
// instrument pushed through the OTLP exporter when telemetry is enabled.
type Registry struct {
	registry *prometheus.Registry

	evaluations        *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	intakeMessages     *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	dashboardClients   prometheus.Gauge
	poolConnections    *prometheus.GaugeVec
	poolEmptyAcquires  prometheus.Gauge

	// OpenTelemetry instruments
	EvaluationLatency metric.Float64Histogram
	AlertCounter      metric.Int64Counter
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	meters metric.MeterProvider
}

// WithMeterProvider sends the OpenTelemetry instruments through mp instead of
// the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meters = mp }
}

// NewRegistry creates a registry with its own Prometheus registry, so tests
// and multiple instances never collide on the global default.
func NewRegistry(opts ...Option) (*Registry, error) {
	o := options{meters: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(&o)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	r := &Registry{
		registry: reg,
		evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "evaluations_total",
				Help:      "Transactions evaluated, by outcome",
			},
			[]string{"outcome"},
		),
		evaluationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "evaluation_duration_seconds",
				Help:      "Time to evaluate one transaction",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 100µs to ~1.6s
			},
			[]string{"outcome"},
		),
		intakeMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "intake",
				Name:      "messages_total",
				Help:      "Queued transactions consumed, by outcome",
			},
			[]string{"outcome"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"method", "route"},
		),
		dashboardClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dashboard",
				Name:      "clients",
				Help:      "Connected dashboard websocket clients",
			},
		),
		poolConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "graph_db",
				Name:      "connections",
				Help:      "Identity graph pool connections, by state",
			},
			[]string{"state"},
		),
		poolEmptyAcquires: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "graph_db",
				Name:      "empty_acquires",
				Help:      "Acquires that had to wait for a connection since startup",
			},
		),
	}

	if err := r.initOTel(o.meters.Meter("fraud.engine")); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) initOTel(meter metric.Meter) error {
	var err error
	r.EvaluationLatency, err = meter.Float64Histogram("fraud.evaluation.duration",
		metric.WithDescription("Time to evaluate one transaction"),
		metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	r.AlertCounter, err = meter.Int64Counter("fraud.alerts.raised",
		metric.WithDescription("Transactions flagged as fraud"))
	return err
}

// ObserveEvaluation records one engine pass.
func (r *Registry) ObserveEvaluation(ctx context.Context, outcome string, duration time.Duration) {
	r.evaluations.WithLabelValues(outcome).Inc()
	r.evaluationDuration.WithLabelValues(outcome).Observe(duration.Seconds())

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.EvaluationLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if outcome == fraud.OutcomeRing || outcome == fraud.OutcomeVelocity {
		r.AlertCounter.Add(ctx, 1, attrs)
	}
}

// ObserveIntake counts one consumed queue message.
func (r *Registry) ObserveIntake(outcome string) {
	r.intakeMessages.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(method, route string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// DashboardConnected adjusts the connected client gauge by delta.
func (r *Registry) DashboardConnected(delta int) {
	r.dashboardClients.Add(float64(delta))
}

// ObservePool exports a graph pool snapshot.
func (r *Registry) ObservePool(stats database.ConnectionStats) {
	r.poolConnections.WithLabelValues("total").Set(float64(stats.TotalConnections))
	r.poolConnections.WithLabelValues("active").Set(float64(stats.ActiveConnections))
	r.poolConnections.WithLabelValues("idle").Set(float64(stats.IdleConnections))
	r.poolConnections.WithLabelValues("max").Set(float64(stats.MaxConnections))
	r.poolEmptyAcquires.Set(float64(stats.EmptyAcquireCount))
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
