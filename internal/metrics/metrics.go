// Package metrics exposes the bridge's Prometheus instrumentation.
//
// Primary series:
//   - bridge_frames_total{type}            – inbound host frames by type tag
//   - bridge_protocol_errors_total{kind}   – malformed/oversize/unknown frames
//   - bridge_predictions_total{outcome}    – model | cache | fallback
//   - bridge_prediction_seconds            – gateway latency histogram
//   - bridge_commands_total{command}       – commands sent to the host
//   - bridge_dropped_events_total          – subscriber queue drops
//   - bridge_host_sessions                 – open host sessions (gauge)
//   - bridge_subscribers                   – connected dashboard clients (gauge)
//   - bridge_open_trades                   – non-terminal trades (gauge)
//
// Served at GET /metrics in Prometheus text exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors on a private registry so tests can create
// instances freely without double-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	FramesTotal       *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	PredictionsTotal  *prometheus.CounterVec
	PredictionSeconds prometheus.Histogram
	CommandsTotal     *prometheus.CounterVec
	DroppedEvents     prometheus.Counter
	HostSessions      prometheus.Gauge
	Subscribers       prometheus.Gauge
	OpenTrades        prometheus.Gauge
}

// Prediction outcome labels.
const (
	OutcomeModel    = "model"
	OutcomeCache    = "cache"
	OutcomeFallback = "fallback"
)

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_frames_total",
			Help: "Inbound host frames by type tag.",
		}, []string{"type"}),
		ProtocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_protocol_errors_total",
			Help: "Protocol-level errors by kind (malformed, oversize, unknown_type, dispatch_timeout).",
		}, []string{"kind"}),
		PredictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_predictions_total",
			Help: "Predictions produced, split by outcome (model, cache, fallback).",
		}, []string{"outcome"}),
		PredictionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_prediction_seconds",
			Help:    "Prediction gateway latency.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Commands emitted toward the Execution Host.",
		}, []string{"command"}),
		DroppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_dropped_events_total",
			Help: "Dashboard events dropped by full subscriber queues.",
		}),
		HostSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_host_sessions",
			Help: "Open Execution Host sessions.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_subscribers",
			Help: "Connected dashboard subscribers.",
		}),
		OpenTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_open_trades",
			Help: "Trades in a non-terminal state.",
		}),
	}

	m.registry.MustRegister(
		m.FramesTotal,
		m.ProtocolErrors,
		m.PredictionsTotal,
		m.PredictionSeconds,
		m.CommandsTotal,
		m.DroppedEvents,
		m.HostSessions,
		m.Subscribers,
		m.OpenTrades,
	)
	return m
}

// Handler serves the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
