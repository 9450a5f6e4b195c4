package dialect

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	mu         sync.Mutex
	namespace  string
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, a fresh registry is created
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	return NewPrometheusMetricsWithNamespace(registry, "dialect")
}

// NewPrometheusMetricsWithNamespace creates a metrics instance whose series use namespace.
func NewPrometheusMetricsWithNamespace(registry *prometheus.Registry, namespace string) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "dialect"
	}

	pm := &PrometheusMetrics{
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

var (
	backendLabels   = []string{"backend"}
	operationLabels = []string{"backend", "operation"}
)

// registerDefaultMetrics registers all standard dialect metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	counters := []struct {
		metric, subsystem, name, help string
		labels                        []string
	}{
		{MetricTupleGet, "tuple", "reads_total", "Tuples read by key", backendLabels},
		{MetricTupleInsert, "tuple", "inserts_total", "Tuples inserted", backendLabels},
		{MetricTupleUpdate, "tuple", "updates_total", "Tuples updated", backendLabels},
		{MetricTupleRemove, "tuple", "removes_total", "Tuples removed", backendLabels},
		{MetricAssociationGet, "association", "reads_total", "Association snapshots read", backendLabels},
		{MetricAssociationOps, "association", "operations_total", "Association operations applied", operationLabels},
		{MetricConflict, "", "conflicts_total", "Stale object and concurrent modification errors", backendLabels},
		{MetricIDGenerated, "id", "generated_total", "Identifier values allocated", operationLabels},
		{MetricIDErrors, "id", "errors_total", "Identifier allocation failures", operationLabels},
		{MetricQueryTranslated, "query", "translated_total", "Queries translated to native form", backendLabels},
		{MetricQueryCacheHits, "query", "cache_hits_total", "Translated query cache hits", backendLabels},
		{MetricBackendOps, "backend", "operations_total", "Total number of backend operations", operationLabels},
		{MetricBackendErrors, "backend", "errors_total", "Total number of backend errors", operationLabels},
		{MetricTransactionCommit, "transaction", "commits_total", "Committed transactions", backendLabels},
		{MetricTransactionRollback, "transaction", "rollbacks_total", "Rolled back transactions", backendLabels},
		{MetricLockAcquired, "lock", "acquired_total", "Distributed locks acquired", nil},
		{MetricLockFailed, "lock", "failed_total", "Distributed lock acquisitions that failed", nil},
		{MetricLockContention, "lock", "contention_total", "Distributed lock retries", nil},
		{MetricCounterIncrement, "counter", "allocations_total", "Redis counter allocations", nil},
		{MetricCounterError, "counter", "errors_total", "Redis counter failures", []string{"operation"}},
	}
	for _, c := range counters {
		p.counters[c.metric] = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: p.namespace,
				Subsystem: c.subsystem,
				Name:      c.name,
				Help:      c.help,
			},
			c.labels,
		)
	}

	// Timing histograms
	p.histograms[MetricBackendLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		operationLabels,
	)

	p.histograms[MetricTupleDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "tuple",
			Name:      "write_duration_seconds",
			Help:      "insertOrUpdate duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		backendLabels,
	)

	p.histograms[MetricQueryDuration] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query execution duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		backendLabels,
	)

	// Result counts
	for metric, name := range map[string]string{
		MetricQueryResults:    "results",
		MetricQueryAffected:   "affected_rows",
		MetricAssociationRows: "association_rows",
	} {
		p.histograms[metric] = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: p.namespace,
				Subsystem: "query",
				Name:      name,
				Help:      "Number of rows returned or affected",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
			},
			backendLabels,
		)
	}

	p.gauges[MetricSessionsOpen] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "session",
			Name:      "open",
			Help:      "Number of open sessions",
		},
		backendLabels,
	)

	// 0 closed, 1 half-open, 2 open
	p.gauges[MetricCircuitState] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state per backend",
		},
		backendLabels,
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	p.mu.Lock()
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: p.namespace,
				Name:      metricName(name),
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}
	p.mu.Unlock()

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	p.mu.Lock()
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: p.namespace,
				Name:      metricName(name),
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}
	p.mu.Unlock()

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	p.mu.Lock()
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: p.namespace,
				Name:      metricName(name),
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}
	p.mu.Unlock()

	histogram.With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// metricName turns "dialect.custom.thing" into "custom_thing".
func metricName(name string) string {
	name = strings.TrimPrefix(name, "dialect.")
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
