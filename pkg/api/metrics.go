package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments the API layer records.
type Metrics struct {
	registry *prometheus.Registry

	// Latency and traffic per route pattern.
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec

	// Pipeline outcomes observed at the analyze endpoint.
	RunsTotal  *prometheus.CounterVec
	RunCostUSD prometheus.Histogram
	RunSteps   prometheus.Histogram

	// Approval decisions taken over the API.
	ApprovalDecisions *prometheus.CounterVec
}

// NewMetrics registers the instrument set on its own registry so the
// /metrics endpoint only exposes what this service emits.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		registry: reg,

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "socpocket_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"route", "method", "status"}),

		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "socpocket_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "method", "status"}),

		RunsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "socpocket_runs_total",
			Help: "Pipeline runs by final case status.",
		}, []string{"status"}),

		RunCostUSD: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "socpocket_run_cost_usd",
			Help:    "Accumulated model cost of a case at the end of a run, in USD.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),

		RunSteps: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "socpocket_run_steps",
			Help:    "Chain length of a case at the end of a run.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 12},
		}),

		ApprovalDecisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "socpocket_approval_decisions_total",
			Help: "Approval decisions by resulting status.",
		}, []string{"status"}),
	}
}

// ObserveRequest records one served request.
func (m *Metrics) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.RequestDuration.WithLabelValues(route, method, code).Observe(elapsed.Seconds())
	m.RequestsTotal.WithLabelValues(route, method, code).Inc()
}

// ObserveRun records the outcome of one analyze call.
func (m *Metrics) ObserveRun(status string, steps int, costMicroUSD int64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunSteps.Observe(float64(steps))
	m.RunCostUSD.Observe(float64(costMicroUSD) / 1e6)
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
