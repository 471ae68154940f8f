package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// unmeasuredRoutes are health checks, the scrape endpoint and the live connection upgrade,
// none of which say anything about API latency.
var unmeasuredRoutes = []string{"/health/", "/metrics", "/ws"}

// apiLatencyBuckets favour the short end; every API call is a few queries and a fan-out.
var apiLatencyBuckets = []float64{.002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5}

// APIMetrics tracks REST calls by matched route.
type APIMetrics struct {
	Calls    *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	InFlight prometheus.Gauge
}

func NewAPIMetrics(reg prometheus.Registerer) *APIMetrics {
	labels := []string{"method", "route", "code"}
	m := &APIMetrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API calls by method, matched route and response code.",
		}, labels),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "API call latency by method, matched route and response code.",
			Buckets:   apiLatencyBuckets,
		}, labels),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "API calls currently being served.",
		}),
	}

	reg.MustRegister(m.Calls, m.Latency, m.InFlight)
	return m
}

// Middleware records every call except unmeasuredRoutes. The code label comes from the
// returned error when the handler did not write a response itself.
func (m *APIMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if !measured(route) {
				return next(c)
			}
			if route == "" {
				route = "unmatched"
			}

			m.InFlight.Inc()
			timer := prometheus.NewTimer(nil)
			err := next(c)
			elapsed := timer.ObserveDuration()
			m.InFlight.Dec()

			code := strconv.Itoa(responseCode(c, err))
			method := c.Request().Method
			m.Calls.WithLabelValues(method, route, code).Inc()
			m.Latency.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
			return err
		}
	}
}

func measured(route string) bool {
	for _, prefix := range unmeasuredRoutes {
		if strings.HasPrefix(route, prefix) {
			return false
		}
	}
	return true
}

type statusCoder interface {
	HTTPStatus() int
}

func responseCode(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return http.StatusInternalServerError
}
