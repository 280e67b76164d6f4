package persistence

import (
	"time"

	"github.com/marmos91/dittomq/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// ============================================================================
// Prometheus Metrics for the Storage Layer
// ============================================================================

// StorageMetrics provides Prometheus metrics for the journal writer.
// All methods are nil-safe: calls on a nil *StorageMetrics are no-ops.
type StorageMetrics struct {
	// WritesTotal counts writes handed to the writer, labeled by outcome
	// ("ok", "error").
	WritesTotal *prometheus.CounterVec

	// SyncDuration observes journal sync latency.
	SyncDuration prometheus.Histogram

	// BatchSize observes how many writes share one sync.
	BatchSize prometheus.Histogram

	// QueueDepth tracks writes queued but not yet applied.
	QueueDepth prometheus.Gauge
}

// NewStorageMetrics creates and registers storage metrics with reg.
// If reg is nil, metrics are created but not registered.
func NewStorageMetrics(reg prometheus.Registerer) *StorageMetrics {
	return &StorageMetrics{
		WritesTotal: metrics.Register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "storage",
			Name:      "writes_total",
			Help:      "Total number of durable writes by outcome",
		}, []string{"outcome"})),
		SyncDuration: metrics.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "storage",
			Name:      "sync_duration_seconds",
			Help:      "Journal sync latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16), // 100us to ~3s
		})),
		BatchSize: metrics.Register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "storage",
			Name:      "sync_batch_size",
			Help:      "Number of writes completed by a single journal sync",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})),
		QueueDepth: metrics.Register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "storage",
			Name:      "queue_depth",
			Help:      "Writes queued for the journal writer",
		})),
	}
}

func (m *StorageMetrics) recordWrite(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.WritesTotal.WithLabelValues("error").Inc()
		return
	}
	m.WritesTotal.WithLabelValues("ok").Inc()
}

func (m *StorageMetrics) recordSync(d time.Duration, batch int) {
	if m == nil {
		return
	}
	m.SyncDuration.Observe(d.Seconds())
	m.BatchSize.Observe(float64(batch))
}

func (m *StorageMetrics) queued(delta float64) {
	if m == nil {
		return
	}
	m.QueueDepth.Add(delta)
}
