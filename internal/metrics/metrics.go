package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Registry contract call metrics
	ContractCallTotal    *prometheus.CounterVec
	ContractCallDuration *prometheus.HistogramVec

	// Event publishing metrics
	EventPublishTotal *prometheus.CounterVec

	// Reveal workflow outcomes
	RevealTotal *prometheus.CounterVec

	// Capsule population seen by the last stats refresh, by lock state
	Capsules *prometheus.GaugeVec

	// Stats refresh runs
	StatsRefreshTotal    *prometheus.CounterVec
	StatsRefreshDuration prometheus.Histogram
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates a new Metrics instance with all required metrics
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	// Return existing instance if already created
	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),

		ContractCallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_contract_calls_total",
			Help: "Total number of registry contract calls",
		}, []string{"operation", "status"}),

		ContractCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_contract_call_duration_seconds",
			Help:    "Registry contract call duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation", "status"}),

		EventPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_event_publish_total",
			Help: "Total number of event publish operations",
		}, []string{"event_type", "status"}),

		RevealTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_reveal_total",
			Help: "Reveal workflow runs by terminal state",
		}, []string{"state"}),

		Capsules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vault_capsules",
			Help: "Capsules seen by the last stats refresh",
		}, []string{"state"}),

		StatsRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_stats_refresh_total",
			Help: "Stats refresh runs by outcome",
		}, []string{"outcome"}),

		StatsRefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_stats_refresh_duration_seconds",
			Help:    "Duration of a full capsule fetch for stats",
			Buckets: prometheus.DefBuckets,
		}),
	}

	registerMetrics(m)
	globalMetrics = m
	return m
}

// ObserveContractCall records one registry call.
func (m *Metrics) ObserveContractCall(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ContractCallTotal.WithLabelValues(operation, status).Inc()
	m.ContractCallDuration.WithLabelValues(operation, status).Observe(time.Since(start).Seconds())
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.ContractCallTotal)
	registerOrGet(m.ContractCallDuration)
	registerOrGet(m.EventPublishTotal)
	registerOrGet(m.RevealTotal)
	registerOrGet(m.Capsules)
	registerOrGet(m.StatsRefreshTotal)
	registerOrGet(m.StatsRefreshDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}
