package dialect

import (
	"context"
	"strings"
	"time"

	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// SystemColumnPrefix marks bookkeeping columns that are never written.
const SystemColumnPrefix = "$"

func isSystemColumn(name string) bool {
	return strings.HasPrefix(name, SystemColumnPrefix)
}

// CreateTuple returns a new tuple seeded with the key columns. No backend I/O.
func (d *Dialect) CreateTuple(key EntityKey) *Tuple {
	t := NewTuple()
	for _, c := range key.Columns() {
		t.Put(c.Name, c.Value)
	}
	return t
}

// GetTuple fetches the record for key. A missing record returns (nil, nil).
func (d *Dialect) GetTuple(ctx context.Context, s *Session, key EntityKey) (*Tuple, error) {
	release, err := s.acquire(d)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	defer func() { d.metrics.Timing(MetricTupleDuration, time.Since(start), "backend", d.backend.Name()) }()

	cols, found, err := d.fetch(ctx, s, key)
	if err != nil || !found {
		return nil, err
	}
	d.metrics.Increment(MetricTupleGet, "backend", d.backend.Name())
	return newExistingTuple(cols), nil
}

// fetch reads and decodes one entity record.
func (d *Dialect) fetch(ctx context.Context, s *Session, key EntityKey) ([]Column, bool, error) {
	op := d.entityOperation(OpFetch, key)
	res, err := d.execute(ctx, s, op)
	if err != nil {
		return nil, false, err
	}
	rec, found, err := firstRecord(ctx, res)
	if err != nil {
		return nil, false, wrapBackend(d.backend.Name(), op.Kind.String()+" "+op.Table, err)
	}
	if !found {
		return nil, false, nil
	}
	cols, err := d.backend.Decode(rec, op)
	if err != nil {
		return nil, false, err
	}
	return cols, true, nil
}

func (d *Dialect) entityOperation(kind OperationKind, key EntityKey) *Operation {
	return &Operation{
		Kind:       kind,
		Table:      key.Table(),
		Key:        key.Columns(),
		KeyColumns: key.ColumnNames(),
		Embedded:   codecFor(d.entity(key.Table())),
	}
}

// InsertOrUpdateTuple persists t under key. Whether it inserts or updates follows
// from the record's existence and the tuple's state:
//
//	exists  new    outcome
//	false   true   insert
//	true    false  update (version checked)
//	true    true   stale: concurrent insert
//	false   false  stale: record vanished
//
// The stale outcomes never write.
func (d *Dialect) InsertOrUpdateTuple(ctx context.Context, s *Session, key EntityKey, t *Tuple) error {
	if t == nil {
		return WithContext(ErrInvalidTuple, map[string]interface{}{"key": key.String(), "reason": "nil tuple"})
	}
	release, err := s.acquire(d)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	defer func() { d.metrics.Timing(MetricTupleDuration, time.Since(start), "backend", d.backend.Name()) }()

	current, exists, err := d.fetch(ctx, s, key)
	if err != nil {
		return err
	}

	switch {
	case !exists && t.IsNew():
		return d.insert(ctx, s, key, t)
	case exists && !t.IsNew():
		return d.update(ctx, s, key, t)
	case exists && t.IsNew():
		return d.stale(&StaleObjectError{
			Table:    key.Table(),
			Key:      key.String(),
			Reason:   StaleConcurrentInsert,
			Observed: versionOf(d.entity(key.Table()), current),
		})
	default:
		return d.stale(&StaleObjectError{
			Table:    key.Table(),
			Key:      key.String(),
			Reason:   StaleRecordVanished,
			Expected: d.expectedVersion(key, t),
		})
	}
}

func (d *Dialect) insert(ctx context.Context, s *Session, key EntityKey, t *Tuple) error {
	entity := d.entity(key.Table())
	op := d.entityOperation(OpInsert, key)

	written := map[string]bool{}
	for _, c := range t.Columns() {
		if isSystemColumn(c.Name) {
			continue
		}
		if c.Value == nil && entity != nil && contains(entity.GeneratedColumns, c.Name) {
			continue
		}
		op.Columns = append(op.Columns, c)
		written[c.Name] = true
	}
	for _, c := range key.Columns() {
		if !written[c.Name] {
			op.Columns = append(op.Columns, c)
		}
	}

	res, err := d.execute(ctx, s, op)
	if err != nil {
		return err
	}
	if res.Affected == 0 {
		return d.stale(&StaleObjectError{Table: key.Table(), Key: key.String(), Reason: StaleConcurrentInsert})
	}
	t.markPersisted()
	d.metrics.Increment(MetricTupleInsert, "backend", d.backend.Name())
	return nil
}

func (d *Dialect) update(ctx context.Context, s *Session, key EntityKey, t *Tuple) error {
	entity := d.entity(key.Table())
	op := d.entityOperation(OpUpdate, key)

	keyMeta := key.Metadata()
	for _, c := range t.Changes() {
		if isSystemColumn(c.Name) || keyMeta.IsKeyColumn(c.Name) {
			continue
		}
		op.Columns = append(op.Columns, c)
	}

	if entity != nil && entity.VersionColumn != "" {
		if expected, ok := t.SnapshotValue(entity.VersionColumn); ok && expected != nil {
			op.Version = &VersionCheck{Column: entity.VersionColumn, Expected: expected}
			if len(op.Columns) > 0 && !hasColumn(op.Columns, entity.VersionColumn) {
				if next, ok := incrementVersion(expected); ok {
					t.Put(entity.VersionColumn, next)
					op.Columns = append(op.Columns, Column{Name: entity.VersionColumn, Value: next})
				}
			}
		}
	}

	if len(op.Columns) == 0 {
		t.markPersisted()
		return nil
	}

	res, err := d.execute(ctx, s, op)
	if err != nil {
		return err
	}
	if res.Affected == 0 {
		return d.stale(d.classifyLostUpdate(ctx, s, key, op))
	}
	t.markPersisted()
	d.metrics.Increment(MetricTupleUpdate, "backend", d.backend.Name())
	return nil
}

// classifyLostUpdate tells a deleted record from a version mismatch after an
// update matched nothing.
func (d *Dialect) classifyLostUpdate(ctx context.Context, s *Session, key EntityKey, op *Operation) *StaleObjectError {
	e := &StaleObjectError{Table: key.Table(), Key: key.String(), Reason: StaleVersionMismatch}
	if op.Version != nil {
		e.Expected = op.Version.Expected
	}
	cols, found, err := d.fetch(ctx, s, key)
	switch {
	case err != nil:
		d.logger.Warn("could not re-read record after lost update", "table", key.Table(), "key", key.String(), "error", err)
	case !found:
		e.Reason = StaleRecordRemoved
	default:
		e.Observed = versionOf(d.entity(key.Table()), cols)
	}
	return e
}

func (d *Dialect) stale(e *StaleObjectError) error {
	d.metrics.Increment(MetricConflict, "backend", d.backend.Name())
	d.logger.Warn("stale object", "table", e.Table, "key", e.Key, "reason", e.Reason)
	return e
}

func (d *Dialect) expectedVersion(key EntityKey, t *Tuple) any {
	entity := d.entity(key.Table())
	if entity == nil || entity.VersionColumn == "" {
		return nil
	}
	v, _ := t.SnapshotValue(entity.VersionColumn)
	return v
}

func versionOf(entity *EntityMetadata, cols []Column) any {
	if entity == nil || entity.VersionColumn == "" {
		return nil
	}
	for _, c := range cols {
		if c.Name == entity.VersionColumn {
			return c.Value
		}
	}
	return nil
}

func hasColumn(cols []Column, name string) bool {
	for _, c := range cols {
		if c.Name == name {
			return true
		}
	}
	return false
}

// incrementVersion returns v+1 for integer versions.
func incrementVersion(v any) (any, bool) {
	if n, ok := typedjson.Normalize(v).(int64); ok {
		return n + 1, true
	}
	return nil, false
}

// RemoveTuple deletes the record for key. Removing a missing record is a no-op.
func (d *Dialect) RemoveTuple(ctx context.Context, s *Session, key EntityKey) error {
	release, err := s.acquire(d)
	if err != nil {
		return err
	}
	defer release()

	if _, err := d.execute(ctx, s, d.entityOperation(OpDelete, key)); err != nil {
		return err
	}
	d.metrics.Increment(MetricTupleRemove, "backend", d.backend.Name())
	return nil
}
