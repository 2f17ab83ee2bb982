package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// View outcomes.
const (
	ViewServed      = "served"
	ViewNotFound    = "not_found"
	ViewUnavailable = "store_unavailable"
	ViewError       = "error"
)

// Metrics owns a registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	PastesCreated    prometheus.Counter
	CreateRejected   *prometheus.CounterVec
	Views            *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	JanitorReclaimed prometheus.Counter
	JanitorRuns      prometheus.Counter
	RequestDuration  *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		PastesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "pastelite_pastes_created_total",
			Help: "no. of pastes created",
		}),
		CreateRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pastelite_create_rejected_total",
			Help: "no. of create requests rejected by validation",
		}, []string{"field"}),
		Views: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pastelite_views_total",
			Help: "no. of paste reads by outcome",
		}, []string{"result"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pastelite_store_errors_total",
			Help: "no. of failed storage calls",
		}, []string{"op"}),
		JanitorReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "pastelite_janitor_reclaimed_total",
			Help: "no. of expired pastes removed by the janitor",
		}),
		JanitorRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "pastelite_janitor_runs_total",
			Help: "no. of janitor cycles",
		}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pastelite_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
