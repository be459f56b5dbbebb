// Package metrics provides Prometheus metrics for the connudp tools.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "connudp"
)

// Roles used as the "role" label.
const (
	RolePinger    = "pinger"
	RoleReflector = "reflector"
)

// Metrics contains all Prometheus metrics for the tools.
type Metrics struct {
	// Socket metrics
	SocketsOpen prometheus.Gauge

	// Datagram metrics
	DatagramsSent     *prometheus.CounterVec
	DatagramsReceived *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	Errors            *prometheus.CounterVec

	// Probe metrics
	ProbeTimeouts prometheus.Counter
	ProbeRTT      prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics instance registered with the default
// Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SocketsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sockets_open",
			Help:      "Number of currently open UDP sockets",
		}),

		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total datagrams sent by role",
		}, []string{"role"}),
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received by role",
		}, []string{"role"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total payload bytes sent by role",
		}, []string{"role"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total payload bytes received by role",
		}, []string{"role"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total socket errors by role and operation",
		}, []string{"role", "op"}),

		ProbeTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_timeouts_total",
			Help:      "Total probes that received no reply in time",
		}),
		ProbeRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_rtt_seconds",
			Help:      "Histogram of probe round-trip time in seconds",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
	}
}

// RecordSocketOpen records a socket being opened.
func (m *Metrics) RecordSocketOpen() {
	m.SocketsOpen.Inc()
}

// RecordSocketClose records a socket being closed.
func (m *Metrics) RecordSocketClose() {
	m.SocketsOpen.Dec()
}

// RecordSent records one datagram of n bytes sent.
func (m *Metrics) RecordSent(role string, n int) {
	m.DatagramsSent.WithLabelValues(role).Inc()
	m.BytesSent.WithLabelValues(role).Add(float64(n))
}

// RecordReceived records one datagram of n bytes received.
func (m *Metrics) RecordReceived(role string, n int) {
	m.DatagramsReceived.WithLabelValues(role).Inc()
	m.BytesReceived.WithLabelValues(role).Add(float64(n))
}

// RecordError records a failed socket operation ("send", "recv", ...).
func (m *Metrics) RecordError(role, op string) {
	m.Errors.WithLabelValues(role, op).Inc()
}

// RecordProbeTimeout records a probe that went unanswered.
func (m *Metrics) RecordProbeTimeout() {
	m.ProbeTimeouts.Inc()
}

// RecordProbeRTT records the round-trip time of an answered probe.
func (m *Metrics) RecordProbeRTT(rtt time.Duration) {
	m.ProbeRTT.Observe(rtt.Seconds())
}
