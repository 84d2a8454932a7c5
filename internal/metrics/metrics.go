package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bridge.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive *prometheus.GaugeVec
	SessionsTotal  prometheus.Counter

	// Connection metrics
	ConnectionsTotal *prometheus.CounterVec
	DevicesKnown     prometheus.Gauge

	// Traffic metrics
	WritesTotal       *prometheus.CounterVec
	WriteDuration     prometheus.Histogram
	LinesWrittenTotal prometheus.Counter
	LinesReadTotal    prometheus.Counter
}

// NewMetrics creates and registers all metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SessionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "serial_bridge_sessions_active",
				Help: "Number of read sessions currently attached",
			},
			[]string{"device"},
		),
		SessionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "serial_bridge_sessions_total",
				Help: "Total number of read sessions attached",
			},
		),

		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serial_bridge_connections_total",
				Help: "Device connection lifecycle events by result",
			},
			[]string{"result"},
		),
		DevicesKnown: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "serial_bridge_devices_known",
				Help: "Number of devices in the registry",
			},
		),

		WritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "serial_bridge_writes_total",
				Help: "Write sequences by outcome",
			},
			[]string{"status"},
		),
		WriteDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "serial_bridge_write_duration_seconds",
				Help:    "Duration of accepted write sequences in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		LinesWrittenTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "serial_bridge_lines_written_total",
				Help: "Total number of lines written to devices",
			},
		),
		LinesReadTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "serial_bridge_lines_read_total",
				Help: "Total number of lines read from devices",
			},
		),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.ConnectionsTotal,
		m.DevicesKnown,
		m.WritesTotal,
		m.WriteDuration,
		m.LinesWrittenTotal,
		m.LinesReadTotal,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SetSessions records the number of sessions attached to a device.
func (m *Metrics) SetSessions(device string, n int) {
	if m == nil {
		return
	}
	m.SessionsActive.WithLabelValues(device).Set(float64(n))
}

// SessionAttached counts a new read session.
func (m *Metrics) SessionAttached() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
}

// Connection counts a lifecycle event: "opened", "failed" or "closed".
func (m *Metrics) Connection(result string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(result).Inc()
}

// SetDevices records the registry size.
func (m *Metrics) SetDevices(n int) {
	if m == nil {
		return
	}
	m.DevicesKnown.Set(float64(n))
}

// Write records a write outcome. Duration is observed for accepted writes.
func (m *Metrics) Write(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.WritesTotal.WithLabelValues(status).Inc()
	if d > 0 {
		m.WriteDuration.Observe(d.Seconds())
	}
}

// LineWritten counts one line sent to a device.
func (m *Metrics) LineWritten() {
	if m == nil {
		return
	}
	m.LinesWrittenTotal.Inc()
}

// LineRead counts one line received from a device.
func (m *Metrics) LineRead() {
	if m == nil {
		return
	}
	m.LinesReadTotal.Inc()
}
