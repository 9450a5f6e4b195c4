// Package dialect maps an entity model (entities, associations, embedded
// properties and optimistic-locking versions) onto stores that are not
// relational databases, through one Backend contract.
//
// # Overview
//
// A Dialect owns one Backend and a MetadataRegistry describing the entity
// model. It provides:
//
//   - Tuple reads and writes by EntityKey, with version checks on update
//   - Association snapshots and row-level association updates
//   - Identifier generation from sequences and counter tables
//   - Translation of backend-neutral query ASTs into native queries
//   - Sessions binding a connection and an optional transaction
//
// # Backends
//
// grid: SQL text built with sqlparser and run by the embedded JSONL engine
// (internal/executor over internal/storage), or rendered for Postgres and run
// through pgx.
//
// Document backends keep one JSON document per entity and per association row,
// with embedded properties nested. The same DocumentBackend runs over object
// stores (filesystem, S3, MinIO, GCS), Redis, bbolt and DynamoDB; each store
// supplies get, conditional create, compare-and-swap replace, scan and counter
// primitives. Translated queries become expr programs evaluated over the
// scanned records.
//
// # Quick Start
//
//	registry := dialect.NewMetadataRegistry()
//	registry.Register(&dialect.EntityMetadata{
//	    Name:          "Order",
//	    Table:         "orders",
//	    IDColumns:     []string{"id"},
//	    VersionColumn: "version",
//	})
//
//	cfg, err := dialect.LoadConfig("dialect.yaml")
//	if err != nil {
//	    return err
//	}
//	d, err := dialect.Open(ctx, cfg, registry)
//	if err != nil {
//	    return err
//	}
//	defer d.Close()
//
//	s, err := d.OpenSession(ctx)
//	if err != nil {
//	    return err
//	}
//	defer s.Close(ctx)
//
//	order, _ := registry.Entity("Order")
//	key := order.Key(int64(42))
//	t := d.CreateTuple(key)
//	t.Put("status", "open")
//	t.Put("version", int64(0))
//	if err := d.InsertOrUpdateTuple(ctx, s, key, t); err != nil {
//	    return err
//	}
//
// # Concurrency
//
// Updates of versioned entities are conditional. A lost update surfaces as a
// *StaleObjectError (errors.Is(err, ErrConflict)) whose Reason tells a version
// mismatch from a removed record. Inserts are conditional too: a concurrent
// insert of the same key fails with Reason "concurrent insert".
//
// A Dialect is safe for concurrent use. A Session is bound to one goroutine at a
// time; concurrent use returns ErrSessionBusy.
//
// # Configuration
//
// LoadConfig reads YAML, expands ${VAR} references and applies DIALECT_* and
// REDIS_* environment overrides, loading a .env file first when present:
//
//	backend:
//	  type: redis
//	  keyPrefix: shop
//	  redis:
//	    addr: localhost:6379
//	logging:
//	  level: info
//	metrics:
//	  enabled: true
//	retry:
//	  maxRetries: 5
//	  initialBackoff: 10ms
//	  backoffMultiple: 2
//	  jitterPercent: 0.5
//
// # Observability
//
// Logging goes through the Logger interface (zap adapter included); metrics
// through Metrics, with a Prometheus implementation. Statements are logged at
// debug level with their native text.
package dialect
