package workqueue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics is the default Metrics implementation, one CounterVec/
// GaugeVec per counter kind labeled by queue name, the same per-label
// instrumentation style as internal/driver/jpeg.Pool's compressionStatus
// and internal/driver/watcher's upload_* counters.
type PromMetrics struct {
	dropped   *prometheus.CounterVec
	processed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	depth     *prometheus.GaugeVec
}

// NewPromMetrics registers the work-queue instruments with the default
// Prometheus registerer.
func NewPromMetrics() *PromMetrics {
	return &PromMetrics{
		dropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workqueue_dropped_total",
			Help: "Items dropped because the queue was full",
		}, []string{"queue"}),
		processed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workqueue_processed_total",
			Help: "Items processed successfully",
		}, []string{"queue"}),
		failed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "workqueue_failed_total",
			Help: "Items that failed processing",
		}, []string{"queue"}),
		depth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workqueue_depth",
			Help: "Current queue depth",
		}, []string{"queue"}),
	}
}

func (m *PromMetrics) Dropped(queue string) prometheus.Counter   { return m.dropped.WithLabelValues(queue) }
func (m *PromMetrics) Processed(queue string) prometheus.Counter { return m.processed.WithLabelValues(queue) }
func (m *PromMetrics) Failed(queue string) prometheus.Counter    { return m.failed.WithLabelValues(queue) }
func (m *PromMetrics) Depth(queue string) prometheus.Gauge       { return m.depth.WithLabelValues(queue) }
