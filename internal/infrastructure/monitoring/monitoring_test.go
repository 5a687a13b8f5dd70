package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusSinkCounters(t *testing.T) {
	sink := NewPrometheusSink(prometheus.NewRegistry())

	sink.Incr(MetricConnections, nil)
	sink.Incr(MetricConnections, nil)
	sink.Incr(MetricMessages, map[string]string{"event": "join"})
	sink.Incr(MetricMessages, map[string]string{"event": "join"})
	sink.Incr(MetricMessages, map[string]string{"event": "offer"})

	assert.Equal(t, float64(2), testutil.ToFloat64(sink.counters[MetricConnections]))
	assert.Equal(t, float64(2), testutil.ToFloat64(sink.counters[MetricMessages].WithLabelValues("join")))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.counters[MetricMessages].WithLabelValues("offer")))
}

func TestPrometheusSinkIgnoresUnknownNames(t *testing.T) {
	sink := NewPrometheusSink(prometheus.NewRegistry())

	assert.NotPanics(t, func() {
		sink.Incr("no_such_metric", map[string]string{"x": "y"})
		sink.Observe("no_such_metric", 1.0, nil)
	})
}

func TestPrometheusSinkHistogram(t *testing.T) {
	sink := NewPrometheusSink(prometheus.NewRegistry())

	sink.Observe(MetricHandleSeconds, 0.002, map[string]string{"event": "join"})
	sink.Observe(MetricHandleSeconds, 0.004, map[string]string{"event": "join"})

	count := testutil.CollectAndCount(sink.histograms[MetricHandleSeconds])
	assert.Equal(t, 1, count)
}

func TestPrometheusSinkGauges(t *testing.T) {
	sink := NewPrometheusSink(prometheus.NewRegistry())

	sink.Observe(MetricOpenSessions, 3, nil)
	sink.Observe(MetricOpenSessions, 2, nil)
	sink.Observe(MetricOpenRooms, 1, nil)

	assert.Equal(t, float64(2), testutil.ToFloat64(sink.gauges[MetricOpenSessions]))
	assert.Equal(t, float64(1), testutil.ToFloat64(sink.gauges[MetricOpenRooms]))
}

func TestRecordingSink(t *testing.T) {
	sink := NewRecordingSink()

	sink.Incr("hits", map[string]string{"event": "join"})
	sink.Incr("hits", map[string]string{"event": "join"})
	sink.Incr("hits", map[string]string{"event": "leave"})
	sink.Observe("latency", 0.5, nil)
	sink.Observe("latency", 0.7, nil)

	assert.Equal(t, int64(2), sink.Count("hits", map[string]string{"event": "join"}))
	assert.Equal(t, int64(1), sink.Count("hits", map[string]string{"event": "leave"}))
	assert.Equal(t, int64(0), sink.Count("hits", map[string]string{"event": "chat"}))
	assert.Equal(t, []float64{0.5, 0.7}, sink.Observations("latency", nil))
}

func TestHealthCheckerAllHealthy(t *testing.T) {
	checker := NewHealthChecker("gw-test")
	checker.AddCheck("redis", time.Second, func(ctx context.Context) error { return nil })
	checker.AddCheck("directory", time.Second, func(ctx context.Context) error { return nil })

	status := checker.CheckAll(context.Background())
	require.Equal(t, "healthy", status.Status)
	assert.Equal(t, "gw-test", status.InstanceID)
	assert.Equal(t, "healthy", status.Checks["redis"])
	assert.Equal(t, "healthy", status.Checks["directory"])
}

func TestHealthCheckerFailingCollaborator(t *testing.T) {
	checker := NewHealthChecker("gw-test")
	checker.AddCheck("redis", time.Second, func(ctx context.Context) error { return nil })
	checker.AddCheck("directory", time.Second, func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	status := checker.CheckAll(context.Background())
	require.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["redis"])
	assert.Equal(t, "connection refused", status.Checks["directory"])
}
