package metrics

import "github.com/prometheus/client_golang/prometheus"

// PushMetrics holds Prometheus metrics for mobile push delivery.
type PushMetrics struct {
	Batches       *prometheus.CounterVec
	TokensSent    prometheus.Counter
	TokensFailed  prometheus.Counter
	TokensPruned  prometheus.Counter
	Skipped       *prometheus.CounterVec
	BatchDuration prometheus.Histogram
}

// NewPushMetrics creates and registers push metrics on the given registry.
func NewPushMetrics(reg prometheus.Registerer) *PushMetrics {
	m := &PushMetrics{
		Batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "batches_total",
			Help:      "Total number of push batches sent, by result.",
		}, []string{"result"}),
		TokensSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "tokens_sent_total",
			Help:      "Total number of device tokens included in push batches.",
		}),
		TokensFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "tokens_failed_total",
			Help:      "Total number of device tokens the gateway reported as failed.",
		}),
		TokensPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "tokens_pruned_total",
			Help:      "Total number of device tokens deleted after a delivery failure.",
		}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "skipped_total",
			Help:      "Total number of dispatches skipped, by reason.",
		}, []string{"reason"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "batch_duration_seconds",
			Help:      "Duration of push gateway calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.Batches, m.TokensSent, m.TokensFailed, m.TokensPruned, m.Skipped, m.BatchDuration)
	return m
}
