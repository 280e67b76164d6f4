package broker

import (
	"github.com/marmos91/dittomq/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics provides Prometheus metrics for the reference broker.
// All methods are nil-safe.
type BrokerMetrics struct {
	// MessagesRouted counts message references added to queues.
	MessagesRouted prometheus.Counter

	// MessagesAcknowledged counts settled references.
	MessagesAcknowledged prometheus.Counter

	// MessagesExpired counts references removed because they expired.
	MessagesExpired prometheus.Counter

	// Transactions counts finished transactions by outcome
	// ("commit", "rollback", "timeout", "heuristic_commit", "heuristic_rollback").
	Transactions *prometheus.CounterVec

	// SessionsCreated counts sessions opened on the control channel.
	SessionsCreated prometheus.Counter

	// SessionRejections counts refused CREATESESSION requests by reason.
	SessionRejections *prometheus.CounterVec

	// QueueDepth tracks queued references across all queues.
	QueueDepth prometheus.Gauge
}

// NewBrokerMetrics creates and registers broker metrics with reg.
// If reg is nil, metrics are created but not registered.
func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	return &BrokerMetrics{
		MessagesRouted: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "messages_routed_total",
			Help:      "Total number of message references added to queues",
		})),
		MessagesAcknowledged: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "messages_acknowledged_total",
			Help:      "Total number of message references acknowledged",
		})),
		MessagesExpired: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "messages_expired_total",
			Help:      "Total number of message references expired",
		})),
		Transactions: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "transactions_total",
			Help:      "Total number of finished transactions by outcome",
		}, []string{"outcome"})),
		SessionsCreated: metrics.Register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		})),
		SessionRejections: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "session_rejections_total",
			Help:      "Total number of refused session creations by reason",
		}, []string{"reason"})),
		QueueDepth: metrics.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "broker",
			Name:      "queue_depth",
			Help:      "Message references held by all queues",
		})),
	}
}

func (m *BrokerMetrics) routed(n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesRouted.Add(float64(n))
	m.QueueDepth.Add(float64(n))
}

func (m *BrokerMetrics) acknowledged() {
	if m == nil {
		return
	}
	m.MessagesAcknowledged.Inc()
	m.QueueDepth.Dec()
}

func (m *BrokerMetrics) expired() {
	if m == nil {
		return
	}
	m.MessagesExpired.Inc()
	m.QueueDepth.Dec()
}

func (m *BrokerMetrics) dropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.QueueDepth.Sub(float64(n))
}

func (m *BrokerMetrics) transaction(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}

func (m *BrokerMetrics) sessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *BrokerMetrics) sessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionRejections.WithLabelValues(reason).Inc()
}

func (m *BrokerMetrics) recovered(n int) {
	if m == nil || n == 0 {
		return
	}
	m.QueueDepth.Add(float64(n))
}
