package monitoring

import (
	"streamgate/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names accepted by the sink. Incr and Observe with a name not
// registered here are silently dropped, keeping instrumentation calls
// safe to add before the metric exists.
const (
	MetricConnections      = "signal_connections_total"
	MetricMessages         = "signal_messages_total"
	MetricMessagesDropped  = "signal_messages_dropped_total"
	MetricHandleSeconds    = "signal_message_handle_seconds"
	MetricAuthFailures     = "auth_failures_total"
	MetricPresenceErrors   = "presence_errors_total"
	MetricBusPublishErrors = "bus_publish_failures_total"
	MetricOpenSessions     = "signal_open_sessions"
	MetricOpenRooms        = "signal_open_rooms"
)

// PrometheusSink exposes gateway metrics through a prometheus
// registry. Label sets are fixed at registration; callers must pass
// exactly the declared labels for a name.
type PrometheusSink struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]prometheus.Gauge
}

func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)

	counters := map[string]*prometheus.CounterVec{
		MetricConnections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_signal_connections_total",
			Help: "Signaling connections accepted",
		}, nil),
		MetricMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_signal_messages_total",
			Help: "Signaling messages dispatched, by event",
		}, []string{"event"}),
		MetricMessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_signal_messages_dropped_total",
			Help: "Signaling messages dropped by the per-session rate limiter",
		}, []string{"event"}),
		MetricAuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_auth_failures_total",
			Help: "Rejected credentials, by failure reason",
		}, []string{"reason"}),
		MetricPresenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_presence_errors_total",
			Help: "Presence store operations abandoned after retry",
		}, []string{"op"}),
		MetricBusPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgate_bus_publish_failures_total",
			Help: "Room events that could not be published to the bus",
		}, []string{"event"}),
	}

	histograms := map[string]*prometheus.HistogramVec{
		MetricHandleSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamgate_signal_message_handle_seconds",
			Help:    "Time spent handling one signaling message",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"event"}),
	}

	gauges := map[string]prometheus.Gauge{
		MetricOpenSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_signal_open_sessions",
			Help: "Signaling sessions currently attached to this instance",
		}),
		MetricOpenRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "streamgate_signal_open_rooms",
			Help: "Rooms with at least one local member on this instance",
		}),
	}

	return &PrometheusSink{counters: counters, histograms: histograms, gauges: gauges}
}

var _ ports.MetricsSink = (*PrometheusSink)(nil)

func (s *PrometheusSink) Incr(name string, labels map[string]string) {
	vec, ok := s.counters[name]
	if !ok {
		return
	}
	vec.With(prometheus.Labels(labels)).Inc()
}

func (s *PrometheusSink) Observe(name string, value float64, labels map[string]string) {
	if vec, ok := s.histograms[name]; ok {
		vec.With(prometheus.Labels(labels)).Observe(value)
		return
	}
	if gauge, ok := s.gauges[name]; ok {
		gauge.Set(value)
	}
}
