package metrics

import "github.com/prometheus/client_golang/prometheus"

// AdmissionMetrics holds Prometheus metrics for the rate limiter.
type AdmissionMetrics struct {
	Decisions     *prometheus.CounterVec
	Passthrough   *prometheus.CounterVec
	StoreFailures *prometheus.CounterVec
	CheckDuration prometheus.Histogram
}

// NewAdmissionMetrics creates and registers admission metrics on the given registry.
func NewAdmissionMetrics(reg prometheus.Registerer) *AdmissionMetrics {
	m := &AdmissionMetrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions, by action and verdict.",
		}, []string{"action", "verdict"}),
		Passthrough: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "passthrough_total",
			Help:      "Total number of rejected calls allowed to proceed, by action.",
		}, []string{"action"}),
		StoreFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "store_failures_total",
			Help:      "Total number of counter store failures, by action and policy.",
		}, []string{"action", "policy"}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of admission checks in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
	}

	reg.MustRegister(m.Decisions, m.Passthrough, m.StoreFailures, m.CheckDuration)
	return m
}
