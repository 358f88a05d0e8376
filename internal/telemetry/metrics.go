// Package telemetry holds the Prometheus metrics and OpenTelemetry tracer
// shared by the dispatch and scheduler packages.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "framepace").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are added to every metric.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for callback latency.
	Buckets []float64

	// Registry is where collectors are registered.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures Metrics.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the callback latency buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "framepace",
		// 100µs to ~50ms: a callback is budgeted one frame at most.
		Buckets:  prometheus.ExponentialBuckets(0.0001, 2, 10),
		Registry: prometheus.DefaultRegisterer,
	}
}

// Metrics is the set of collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	eventsDispatched *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	connections      *prometheus.GaugeVec
	rateDecisions    *prometheus.CounterVec
	renderDivisor    prometheus.Gauge
	selectedRate     prometheus.Gauge
	timingAnomalies  prometheus.Counter
	resyncs          *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
//
// Metrics collected:
//   - framepace_events_dispatched_total{dispatcher}
//   - framepace_deliveries_total{dispatcher,outcome}: delivered, failed, timeout, dropped
//   - framepace_callback_duration_seconds{dispatcher}
//   - framepace_connections{dispatcher,state}
//   - framepace_rate_decisions_total{source}
//   - framepace_render_divisor
//   - framepace_selected_refresh_rate_hz
//   - framepace_timing_anomalies_total
//   - framepace_resyncs_total{outcome}: applied, throttled
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		eventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_dispatched_total",
			Help:        "Vsync events fanned out by a dispatcher",
			ConstLabels: config.ConstLabels,
		}, []string{"dispatcher"}),

		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "deliveries_total",
			Help:        "Per-connection vsync deliveries by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"dispatcher", "outcome"}),

		callbackDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "callback_duration_seconds",
			Help:        "Vsync callback execution time",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"dispatcher"}),

		connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections",
			Help:        "Registered connections by state",
			ConstLabels: config.ConstLabels,
		}, []string{"dispatcher", "state"}),

		rateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "rate_decisions_total",
			Help:        "Refresh rate arbitrations by deciding source",
			ConstLabels: config.ConstLabels,
		}, []string{"source"}),

		renderDivisor: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "render_divisor",
			Help:        "Current render divisor of the display refresh rate",
			ConstLabels: config.ConstLabels,
		}),

		selectedRate: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "selected_refresh_rate_hz",
			Help:        "Effective render rate after quantization",
			ConstLabels: config.ConstLabels,
		}),

		timingAnomalies: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "timing_anomalies_total",
			Help:        "Ticks that fell back to the last known good vsync period",
			ConstLabels: config.ConstLabels,
		}),

		resyncs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "resyncs_total",
			Help:        "Hardware vsync resync requests by outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"outcome"}),
	}
}

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeTimeout   = "timeout"
	OutcomeDropped   = "dropped"
)

// EventDispatched counts one fan-out round.
func (m *Metrics) EventDispatched(dispatcher string) {
	if m == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(dispatcher).Inc()
}

// Delivery records a per-connection outcome and, for callbacks that ran,
// their duration in seconds.
func (m *Metrics) Delivery(dispatcher, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(dispatcher, outcome).Inc()
	if outcome != OutcomeDropped {
		m.callbackDuration.WithLabelValues(dispatcher).Observe(seconds)
	}
}

// ConnectionState moves one connection between state gauges. An empty from
// or to state means the connection is entering or leaving the registry.
func (m *Metrics) ConnectionState(dispatcher, from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(dispatcher, from).Dec()
	}
	if to != "" {
		m.connections.WithLabelValues(dispatcher, to).Inc()
	}
}

// RateDecision records the outcome of one arbitration.
func (m *Metrics) RateDecision(source string, divisor int, renderHz float64) {
	if m == nil {
		return
	}
	m.rateDecisions.WithLabelValues(source).Inc()
	m.renderDivisor.Set(float64(divisor))
	m.selectedRate.Set(renderHz)
}

// TimingAnomaly counts a fallback to the last known good period.
func (m *Metrics) TimingAnomaly() {
	if m == nil {
		return
	}
	m.timingAnomalies.Inc()
}

// Resync counts a resync request.
func (m *Metrics) Resync(applied bool) {
	if m == nil {
		return
	}
	outcome := "applied"
	if !applied {
		outcome = "throttled"
	}
	m.resyncs.WithLabelValues(outcome).Inc()
}
