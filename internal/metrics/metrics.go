// Package metrics exports memory engine metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recall"

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	storeOps       *prometheus.CounterVec
	storeLatency   *prometheus.HistogramVec
	retrievals     *prometheus.CounterVec
	retrievalLat   prometheus.Histogram
	providerErrors *prometheus.CounterVec
	turns          *prometheus.CounterVec
	factsStored    prometheus.Counter
	sessions       prometheus.Gauge
}

// Config configures the collectors.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}
}

// New creates and registers every collector.
func New(cfg Config) *Metrics {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{registry: registry}

	m.storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Memory store operations by outcome",
		},
		[]string{"op", "backend", "status"},
	)
	m.storeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_seconds",
			Help:      "Memory store operation latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"op", "backend"},
	)
	m.retrievals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retriever",
			Name:      "retrievals_total",
			Help:      "Ranked retrievals by outcome",
		},
		[]string{"status"},
	)
	m.retrievalLat = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retriever",
			Name:      "retrieval_seconds",
			Help:      "Candidate generation latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
	)
	m.providerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "errors_total",
			Help:      "Failed embedding and language model calls",
		},
		[]string{"provider"},
	)
	m.turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "turns_total",
			Help:      "Processed conversation turns",
		},
		[]string{"status"},
	)
	m.factsStored = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "facts_stored_total",
			Help:      "Facts extracted from turns and stored",
		},
	)
	m.sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently held by the registry",
		},
	)

	registry.MustRegister(
		m.storeOps, m.storeLatency,
		m.retrievals, m.retrievalLat,
		m.providerErrors, m.turns, m.factsStored, m.sessions,
	)
	return m
}

// ObserveStoreOp records one store operation that began at start.
func (m *Metrics) ObserveStoreOp(op, backend string, start time.Time, status string) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(op, backend, status).Inc()
	m.storeLatency.WithLabelValues(op, backend).Observe(time.Since(start).Seconds())
}

// ObserveRetrieval records one candidate retrieval that began at start.
func (m *Metrics) ObserveRetrieval(start time.Time, status string) {
	if m == nil {
		return
	}
	m.retrievals.WithLabelValues(status).Inc()
	m.retrievalLat.Observe(time.Since(start).Seconds())
}

// ProviderFailure counts a failed call to provider.
func (m *Metrics) ProviderFailure(provider string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider).Inc()
}

// Turn counts a processed turn. status is "ok" or "degraded".
func (m *Metrics) Turn(status string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(status).Inc()
}

// FactsStored adds n stored facts.
func (m *Metrics) FactsStored(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.factsStored.Add(float64(n))
}

// SessionOpened and SessionClosed track the registry size.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
