package remoting

import (
	"github.com/marmos91/dittomq/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// TransportMetrics provides Prometheus metrics for connections and frames.
// All methods are nil-safe.
type TransportMetrics struct {
	ConnectionsAccepted prometheus.Counter
	ActiveConnections   prometheus.Gauge

	// ConnectionFailures counts failed connections by reason
	// ("ttl", "frame_too_large", "network", "other").
	ConnectionFailures *prometheus.CounterVec

	// Frames counts frames by direction ("in", "out").
	Frames *prometheus.CounterVec

	// Bytes counts frame bytes by direction.
	Bytes *prometheus.CounterVec

	ConfirmationsSent prometheus.Counter
}

// NewTransportMetrics creates and registers transport metrics with reg.
// If reg is nil, metrics are created but not registered.
func NewTransportMetrics(reg prometheus.Registerer) *TransportMetrics {
	return &TransportMetrics{
		ConnectionsAccepted: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted client connections",
		})),
		ActiveConnections: metrics.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "active_connections",
			Help:      "Current number of open client connections",
		})),
		ConnectionFailures: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "connection_failures_total",
			Help:      "Total number of failed connections by reason",
		}, []string{"reason"})),
		Frames: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Total number of frames by direction",
		}, []string{"direction"})),
		Bytes: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "bytes_total",
			Help:      "Total number of frame bytes by direction",
		}, []string{"direction"})),
		ConfirmationsSent: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "transport",
			Name:      "confirmations_sent_total",
			Help:      "Total number of PACKETS_CONFIRMED packets sent",
		})),
	}
}

func (m *TransportMetrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.Inc()
	m.ActiveConnections.Inc()
}

func (m *TransportMetrics) connectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *TransportMetrics) recordFailure(reason string) {
	if m == nil {
		return
	}
	m.ConnectionFailures.WithLabelValues(reason).Inc()
}

func (m *TransportMetrics) frameReceived(size int) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues("in").Inc()
	m.Bytes.WithLabelValues("in").Add(float64(size))
}

func (m *TransportMetrics) frameSent(size int) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues("out").Inc()
	m.Bytes.WithLabelValues("out").Add(float64(size))
}

func (m *TransportMetrics) confirmationSent() {
	if m == nil {
		return
	}
	m.ConfirmationsSent.Inc()
}
