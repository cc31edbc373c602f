package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gigsync"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can take it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	records          *prometheus.CounterVec
	resolutions      *prometheus.CounterVec
	providerRequests *prometheus.CounterVec
	limiterDecisions *prometheus.CounterVec
	errors           *prometheus.CounterVec
	chunks           *prometheus.CounterVec
	chunkRetries     *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.records = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Scraped concerts by source and outcome (processed, error, dropped)",
	}, []string{"source", "outcome"})
	m.resolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolutions_total",
		Help:      "Entity resolutions by entity type and outcome (matched, created)",
	}, []string{"entity", "outcome"})
	m.providerRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_requests_total",
		Help:      "Outbound provider requests by source and status",
	}, []string{"source", "status"})
	m.limiterDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_decisions_total",
		Help:      "Distributed rate limiter decisions by algorithm and outcome",
	}, []string{"algorithm", "outcome"})
	m.errors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "errors_total",
		Help:      "Classified errors by category and severity",
	}, []string{"category", "severity"})
	m.chunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_chunks_total",
		Help:      "Batch chunk writes by table and outcome",
	}, []string{"table", "outcome"})
	m.chunkRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "batch_chunk_retries_total",
		Help:      "Batch chunk write retries by table",
	}, []string{"table"})
	m.jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Ingestion job duration by job type",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"job"})

	m.registry.MustRegister(
		m.records, m.resolutions, m.providerRequests, m.limiterDecisions,
		m.errors, m.chunks, m.chunkRetries, m.jobDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Record(source, outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(source, outcome).Add(float64(n))
}

func (m *Metrics) Resolution(entity, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(entity, outcome).Inc()
}

func (m *Metrics) ProviderRequest(source, status string) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(source, status).Inc()
}

func (m *Metrics) LimiterDecision(algorithm, outcome string) {
	if m == nil {
		return
	}
	m.limiterDecisions.WithLabelValues(algorithm, outcome).Inc()
}

func (m *Metrics) Error(category, severity string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) Chunk(table, outcome string) {
	if m == nil {
		return
	}
	m.chunks.WithLabelValues(table, outcome).Inc()
}

func (m *Metrics) ChunkRetry(table string) {
	if m == nil {
		return
	}
	m.chunkRetries.WithLabelValues(table).Inc()
}

func (m *Metrics) JobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}
