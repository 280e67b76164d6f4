package server

import (
	"time"

	"github.com/marmos91/dittomq/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Prometheus Metrics for the Session Engine
// ============================================================================

// SessionMetrics provides Prometheus metrics for session packet dispatch.
// All methods are nil-safe: calls on a nil *SessionMetrics are no-ops.
type SessionMetrics struct {
	// PacketsDispatched counts dispatched packets by command name.
	PacketsDispatched *prometheus.CounterVec

	// DispatchDuration observes the synchronous part of dispatch (up to
	// scheduling the completion) by command name.
	DispatchDuration *prometheus.HistogramVec

	// Responses counts responses sent by kind ("null", "exception",
	// "xa_ok", "xa_error", "result").
	Responses *prometheus.CounterVec

	// StorageErrors counts requests whose durable writes failed.
	StorageErrors prometheus.Counter

	// UnexpectedFailures counts requests that failed with an unclassified
	// error and got no response, by command name.
	UnexpectedFailures *prometheus.CounterVec

	// ActiveSessions tracks session handlers not yet torn down.
	ActiveSessions prometheus.Gauge

	// ConnectionFailures counts sessions cleaned up after a connection failure.
	ConnectionFailures prometheus.Counter
}

// NewSessionMetrics creates and registers session metrics with reg.
// If reg is nil, metrics are created but not registered.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	return &SessionMetrics{
		PacketsDispatched: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "packets_dispatched_total",
			Help:      "Total number of session packets dispatched by command",
		}, []string{"command"})),
		DispatchDuration: metrics.Register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "dispatch_duration_seconds",
			Help:      "Synchronous dispatch latency by command in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16), // 10us to ~0.3s
		}, []string{"command"})),
		Responses: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "responses_total",
			Help:      "Total number of responses sent by kind",
		}, []string{"kind"})),
		StorageErrors: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "storage_errors_total",
			Help:      "Total number of requests answered with a storage failure",
		})),
		UnexpectedFailures: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "unexpected_failures_total",
			Help:      "Total number of requests that failed unexpectedly by command",
		}, []string{"command"})),
		ActiveSessions: metrics.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Current number of active session handlers",
		})),
		ConnectionFailures: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "session",
			Name:      "connection_failures_total",
			Help:      "Total number of sessions cleaned up after a connection failure",
		})),
	}
}

func (m *SessionMetrics) recordDispatch(command string, d time.Duration) {
	if m == nil {
		return
	}
	m.PacketsDispatched.WithLabelValues(command).Inc()
	m.DispatchDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *SessionMetrics) recordResponse(kind string) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(kind).Inc()
}

func (m *SessionMetrics) recordStorageError() {
	if m == nil {
		return
	}
	m.StorageErrors.Inc()
}

func (m *SessionMetrics) recordUnexpected(command string) {
	if m == nil {
		return
	}
	m.UnexpectedFailures.WithLabelValues(command).Inc()
}

func (m *SessionMetrics) sessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *SessionMetrics) sessionTornDown(failed bool) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	if failed {
		m.ConnectionFailures.Inc()
	}
}
