package watch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for watch mode. They surface through
// the status server's /metrics endpoint.
type Metrics struct {
	EventsTotal  *prometheus.CounterVec
	BatchesTotal prometheus.Counter
	BatchSize    prometheus.Histogram
}

// NewMetrics creates and registers watch metrics. sync.Once guards the
// default registry against duplicate registration when watchers are
// recreated across runs.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "codemend_watch_events_total",
					Help: "Total number of relevant filesystem events, labeled by fsnotify op",
				},
				[]string{"op"},
			),
			BatchesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "codemend_watch_batches_total",
					Help: "Total number of debounced change batches emitted",
				},
			),
			BatchSize: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "codemend_watch_batch_size",
					Help:    "Number of distinct files per change batch",
					Buckets: prometheus.ExponentialBuckets(1, 2, 8),
				},
			),
		}
	})
	return globalMetrics
}

// RecordEvent counts one relevant filesystem event.
func (m *Metrics) RecordEvent(op string) {
	m.EventsTotal.WithLabelValues(op).Inc()
}

// RecordBatch counts an emitted change batch and its size.
func (m *Metrics) RecordBatch(size int) {
	m.BatchesTotal.Inc()
	m.BatchSize.Observe(float64(size))
}
