package dialect

import (
	"sync"
	"time"
)

// Metrics provides observability for dialect operations
type Metrics interface {
	// Increment increases a counter by 1
	Increment(name string, tags ...string)

	// Gauge sets an absolute value
	Gauge(name string, value float64, tags ...string)

	// Histogram records a value distribution (row counts, sizes)
	Histogram(name string, value float64, tags ...string)

	// Timing records a duration
	Timing(name string, duration time.Duration, tags ...string)
}

// NoOpMetrics is a metrics collector that does nothing
type NoOpMetrics struct{}

func (m *NoOpMetrics) Increment(name string, tags ...string)                      {}
func (m *NoOpMetrics) Gauge(name string, value float64, tags ...string)           {}
func (m *NoOpMetrics) Histogram(name string, value float64, tags ...string)       {}
func (m *NoOpMetrics) Timing(name string, duration time.Duration, tags ...string) {}

// InMemoryMetrics stores metrics in memory for testing
type InMemoryMetrics struct {
	mu         sync.Mutex
	Counters   map[string]int
	Gauges     map[string]float64
	Histograms map[string][]float64
	Timings    map[string][]time.Duration
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		Counters:   make(map[string]int),
		Gauges:     make(map[string]float64),
		Histograms: make(map[string][]float64),
		Timings:    make(map[string][]time.Duration),
	}
}

func (m *InMemoryMetrics) Increment(name string, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *InMemoryMetrics) Gauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gauges[name] = value
}

func (m *InMemoryMetrics) Histogram(name string, value float64, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Histograms[name] = append(m.Histograms[name], value)
}

func (m *InMemoryMetrics) Timing(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Timings[name] = append(m.Timings[name], duration)
}

// Count returns a counter value.
func (m *InMemoryMetrics) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}

// Common metric names
const (
	MetricTupleGet        = "dialect.tuple.get"
	MetricTupleInsert     = "dialect.tuple.insert"
	MetricTupleUpdate     = "dialect.tuple.update"
	MetricTupleRemove     = "dialect.tuple.remove"
	MetricTupleDuration   = "dialect.tuple.duration"
	MetricAssociationGet  = "dialect.association.get"
	MetricAssociationOps  = "dialect.association.ops"
	MetricAssociationRows = "dialect.association.rows"
	MetricConflict        = "dialect.conflict"
	MetricIDGenerated     = "dialect.id.generated"
	MetricIDErrors        = "dialect.id.errors"
	MetricQueryTranslated = "dialect.query.translated"
	MetricQueryCacheHits  = "dialect.query.cache_hits"
	MetricQueryDuration   = "dialect.query.duration"
	MetricQueryResults    = "dialect.query.results"
	MetricQueryAffected   = "dialect.query.affected"

	MetricBackendOps     = "dialect.backend.ops"
	MetricBackendErrors  = "dialect.backend.errors"
	MetricBackendLatency = "dialect.backend.latency"

	MetricTransactionCommit   = "dialect.transaction.commit"
	MetricTransactionRollback = "dialect.transaction.rollback"
	MetricSessionsOpen        = "dialect.sessions.open"

	MetricLockAcquired   = "dialect.lock.acquired"
	MetricLockFailed     = "dialect.lock.failed"
	MetricLockContention = "dialect.lock.contention"

	MetricCounterIncrement = "dialect.counter.increment"
	MetricCounterError     = "dialect.counter.error"
	MetricCircuitState     = "dialect.circuit.state"
)
