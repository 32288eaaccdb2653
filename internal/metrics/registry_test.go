package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/davidleathers/fraud-alert-engine/internal/infrastructure/database"
)

func TestRegistry_Observations(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	r.ObserveEvaluation(context.Background(), "ring", 3*time.Millisecond)
	r.ObserveEvaluation(context.Background(), "clean", time.Millisecond)
	r.ObserveEvaluation(context.Background(), "clean", time.Millisecond)
	r.ObserveIntake("invalid")
	r.ObserveHTTP(http.MethodPost, "/transactions", http.StatusAccepted, 2*time.Millisecond)
	r.DashboardConnected(2)
	r.DashboardConnected(-1)
	r.ObservePool(database.ConnectionStats{TotalConnections: 4, ActiveConnections: 3, IdleConnections: 1, MaxConnections: 25})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.evaluations.WithLabelValues("ring")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.evaluations.WithLabelValues("clean")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.intakeMessages.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("POST", "/transactions", "202")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.dashboardClients))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.poolConnections.WithLabelValues("active")))
	assert.Equal(t, 25.0, testutil.ToFloat64(r.poolConnections.WithLabelValues("max")))
}

func TestRegistry_Handler(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)
	r.ObserveIntake("processed")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fraud_intake_messages_total{outcome="processed"} 1`)
}

func TestNewRegistry_Independent(t *testing.T) {
	_, err := NewRegistry()
	require.NoError(t, err)
	_, err = NewRegistry()
	assert.NoError(t, err, "registries must not share global collectors")
}

func TestRegistry_MeterProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	r, err := NewRegistry(WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))))
	require.NoError(t, err)

	r.ObserveEvaluation(context.Background(), "ring", 3*time.Millisecond)
	r.ObserveEvaluation(context.Background(), "clean", time.Millisecond)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	seen := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			seen[m.Name] = m.Data
		}
	}

	alerts, ok := seen["fraud.alerts.raised"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, alerts.DataPoints, 1)
	assert.Equal(t, int64(1), alerts.DataPoints[0].Value)

	latency, ok := seen["fraud.evaluation.duration"].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range latency.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count)
}
