package dialect

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Dialect maps tuples, associations, id generation and queries onto one Backend.
// A Dialect is safe for concurrent use; the sessions it hands out are not.
type Dialect struct {
	backend    Backend
	registry   *MetadataRegistry
	translator *Translator
	logger     Logger
	metrics    Metrics

	queryMu sync.RWMutex
	queries map[string]*QueryDescriptor

	sessions atomic.Int64
	closed   atomic.Bool
}

// Option configures a Dialect.
type Option func(*Dialect)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(d *Dialect) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(d *Dialect) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

// New creates a Dialect over backend. The registry is shared by reference and must
// not be modified once sessions are open.
func New(backend Backend, registry *MetadataRegistry, opts ...Option) *Dialect {
	if registry == nil {
		registry = NewMetadataRegistry()
	}
	d := &Dialect{
		backend:  backend,
		registry: registry,
		logger:   &NoOpLogger{},
		metrics:  &NoOpMetrics{},
		queries:  make(map[string]*QueryDescriptor),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.translator = NewTranslator(registry, d.logger)
	return d
}

// Open builds the logger, metrics and backend described by cfg and returns a
// Dialect over them.
func Open(ctx context.Context, cfg *Config, registry *MetadataRegistry) (*Dialect, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewZapLoggerFromConfig(cfg.Logging)
	if err != nil {
		return nil, err
	}
	var metrics Metrics = &NoOpMetrics{}
	if cfg.Metrics.Enabled {
		metrics = NewPrometheusMetricsWithNamespace(nil, cfg.Metrics.Namespace)
	}

	backend, err := OpenBackend(ctx, cfg.Backend, cfg.Retry, logger, metrics)
	if err != nil {
		return nil, err
	}
	logger.Info("dialect opened", "backend", backend.Name())
	return New(backend, registry,
		WithLogger(logger),
		WithMetrics(metrics),
	), nil
}

// Backend returns the underlying backend.
func (d *Dialect) Backend() Backend {
	return d.backend
}

// Registry returns the entity metadata registry.
func (d *Dialect) Registry() *MetadataRegistry {
	return d.registry
}

// execute builds op, runs it on the session's connection and records latency.
// Failures leave as typed errors carrying the native statement text.
func (d *Dialect) execute(ctx context.Context, s *Session, op *Operation) (*Result, error) {
	name := d.backend.Name()
	stmt, err := d.backend.Build(op)
	if err != nil {
		d.logger.Error("failed to build statement", "backend", name, "operation", op.Kind.String(), "table", op.Table, "error", err)
		return nil, err
	}

	d.logger.Debug("executing statement", statementFields(name, stmt)...)
	start := time.Now()
	res, err := d.backend.Execute(ctx, s.conn, stmt)
	d.metrics.Timing(MetricBackendLatency, time.Since(start), "backend", name, "operation", op.Kind.String())
	d.metrics.Increment(MetricBackendOps, "backend", name, "operation", op.Kind.String())
	if err != nil {
		d.metrics.Increment(MetricBackendErrors, "backend", name, "operation", op.Kind.String())
		err = wrapBackend(name, stmt.Native, err)
		if !IsConflict(err) {
			d.logger.Error("statement failed", statementFields(name, stmt, "error", err)...)
		}
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// entity returns the metadata registered for table, or nil.
func (d *Dialect) entity(table string) *EntityMetadata {
	e, _ := d.registry.EntityByTable(table)
	return e
}

func codecFor(e *EntityMetadata) *EmbeddedCodec {
	if e == nil {
		return NewEmbeddedCodec(nil)
	}
	return NewEmbeddedCodec(e.EmbeddedTypeNames())
}

// Close releases the backend. Open sessions must be closed first.
func (d *Dialect) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := d.sessions.Load(); n > 0 {
		d.logger.Warn("closing dialect with open sessions", "backend", d.backend.Name(), "sessions", n)
	}
	return d.backend.Close()
}
