package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gate's Prometheus instruments on a private
// registry, so tests can scrape without global state.
type Metrics struct {
	registry *prometheus.Registry

	Decisions *prometheus.CounterVec
	Requests  *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
	Anomalies prometheus.Counter
}

// NewMetrics registers the instrument set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentguard",
			Name:      "decisions_total",
			Help:      "Enforcement decisions by outcome.",
		}, []string{"decision"}),
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentguard",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method, and status.",
		}, []string{"route", "method", "status"}),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		Anomalies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agentguard",
			Name:      "anomalies_recorded_total",
			Help:      "Anomalies persisted by the background auditor.",
		}),
	}
}

// Handler serves the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
