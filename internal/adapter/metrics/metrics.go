package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nerimity"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Set bundles every metric group the server exposes.
type Set struct {
	API       *APIMetrics
	Admission *AdmissionMetrics
	Broadcast *BroadcastMetrics
	Push      *PushMetrics
	Redis     *RedisMetrics
	Database  *DatabaseMetrics
}

// NewSet creates and registers all metric groups on reg.
func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		API:       NewAPIMetrics(reg),
		Admission: NewAdmissionMetrics(reg),
		Broadcast: NewBroadcastMetrics(reg),
		Push:      NewPushMetrics(reg),
		Redis:     NewRedisMetrics(reg),
		Database:  NewDatabaseMetrics(reg),
	}
}
