package dialect

import (
	"context"
)

// CreateAssociation returns an empty snapshot for key. No backend I/O.
func (d *Dialect) CreateAssociation(key AssociationKey) *AssociationSnapshot {
	return newAssociationSnapshot(key)
}

// GetAssociation reads every row of the association. It returns (nil, nil) when the
// key names an owner that does not exist.
func (d *Dialect) GetAssociation(ctx context.Context, s *Session, key AssociationKey) (*AssociationSnapshot, error) {
	release, err := s.acquire(d)
	if err != nil {
		return nil, err
	}
	defer release()

	if owner := key.Owner(); owner != nil {
		_, found, err := d.fetch(ctx, s, *owner)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
	}

	op := d.rowOperation(OpFetchRows, key, nil)
	res, err := d.execute(ctx, s, op)
	if err != nil {
		return nil, err
	}

	snapshot := newAssociationSnapshot(key)
	if res.Records != nil {
		defer res.Records.Close()
		for res.Records.Next(ctx) {
			cols, err := d.backend.Decode(res.Records.Record(), op)
			if err != nil {
				return nil, err
			}
			t := newExistingTuple(cols)
			snapshot.put(RowKeyFromTuple(key.Metadata(), t), t)
		}
		if err := res.Records.Err(); err != nil {
			return nil, wrapBackend(d.backend.Name(), op.Kind.String()+" "+op.Table, err)
		}
	}
	snapshot.sortByIndex()

	d.metrics.Increment(MetricAssociationGet, "backend", d.backend.Name())
	d.metrics.Histogram(MetricAssociationRows, float64(snapshot.Len()), "backend", d.backend.Name())
	return snapshot, nil
}

// InsertOrUpdateAssociation replays ops against the store in order.
func (d *Dialect) InsertOrUpdateAssociation(ctx context.Context, s *Session, key AssociationKey, ops []AssociationOperation) error {
	return d.ApplyAssociation(ctx, s, newAssociationSnapshot(key), ops)
}

// ApplyAssociation replays ops in order against the store and the live snapshot.
// Order is significant: CLEAR then PUT replaces the rows, PUT then CLEAR empties them.
func (d *Dialect) ApplyAssociation(ctx context.Context, s *Session, snapshot *AssociationSnapshot, ops []AssociationOperation) error {
	release, err := s.acquire(d)
	if err != nil {
		return err
	}
	defer release()

	key := snapshot.Key()
	for i, o := range ops {
		if err := d.applyOne(ctx, s, key, o); err != nil {
			d.logger.Error("association operation failed",
				"table", key.Table(),
				"role", key.Metadata().Role,
				"operation", o.Type.String(),
				"index", i,
				"error", err,
			)
			return err
		}
		switch o.Type {
		case AssociationClear:
			snapshot.clear()
		case AssociationPut:
			snapshot.put(o.Key, o.Value)
		case AssociationRemove:
			snapshot.remove(o.Key)
		}
		d.metrics.Increment(MetricAssociationOps, "backend", d.backend.Name(), "operation", o.Type.String())
	}
	return nil
}

func (d *Dialect) applyOne(ctx context.Context, s *Session, key AssociationKey, o AssociationOperation) error {
	switch o.Type {
	case AssociationClear:
		if key.IsInverse() {
			return nil
		}
		_, err := d.execute(ctx, s, d.rowOperation(OpClearRows, key, nil))
		return err

	case AssociationRemove:
		if key.IsInverse() {
			return nil
		}
		_, err := d.execute(ctx, s, d.rowOperation(OpDeleteRow, key, &o.Key))
		return err

	case AssociationPut:
		if o.Value == nil {
			return WithContext(ErrInvalidTuple, map[string]interface{}{
				"association": key.String(),
				"row":         o.Key.String(),
				"reason":      "PUT without a row tuple",
			})
		}
		return d.putRow(ctx, s, key, o.Key, o.Value)

	default:
		return WithContext(ErrInvalidData, map[string]interface{}{
			"association": key.String(),
			"operation":   o.Type.String(),
		})
	}
}

// putRow inserts a missing row. An existing row is rewritten only for embedded
// collections; for plain associations the row is the link itself.
func (d *Dialect) putRow(ctx context.Context, s *Session, key AssociationKey, rowKey RowKey, t *Tuple) error {
	find := d.rowOperation(OpFindRow, key, &rowKey)
	res, err := d.execute(ctx, s, find)
	if err != nil {
		return err
	}
	_, exists, err := firstRecord(ctx, res)
	if err != nil {
		return wrapBackend(d.backend.Name(), find.Kind.String()+" "+find.Table, err)
	}

	meta := key.Metadata()
	if !exists {
		op := d.rowOperation(OpInsertRow, key, &rowKey)
		op.Columns = rowColumns(key, rowKey, t)
		res, err := d.execute(ctx, s, op)
		if err != nil {
			return err
		}
		if res.Affected == 0 {
			return d.stale(&StaleObjectError{Table: meta.Table, Key: rowKey.String(), Reason: StaleConcurrentInsert})
		}
		t.markPersisted()
		return nil
	}

	switch key.Kind() {
	case KindEmbeddedCollection:
		op := d.rowOperation(OpUpdateRow, key, &rowKey)
		for _, c := range t.Columns() {
			if isSystemColumn(c.Name) || meta.IsKeyColumn(c.Name) || meta.IsRowKeyColumn(c.Name) {
				continue
			}
			op.Columns = append(op.Columns, c)
		}
		if len(op.Columns) == 0 {
			return nil
		}
		res, err := d.execute(ctx, s, op)
		if err != nil {
			return err
		}
		if res.Affected == 0 {
			return d.stale(&StaleObjectError{Table: meta.Table, Key: rowKey.String(), Reason: StaleRecordRemoved})
		}
		t.markPersisted()
	case KindAssociation:
	}
	return nil
}

// RemoveAssociation deletes every row of the association. A no-op on the inverse side.
func (d *Dialect) RemoveAssociation(ctx context.Context, s *Session, key AssociationKey) error {
	release, err := s.acquire(d)
	if err != nil {
		return err
	}
	defer release()

	if key.IsInverse() {
		return nil
	}
	_, err = d.execute(ctx, s, d.rowOperation(OpClearRows, key, nil))
	return err
}

func (d *Dialect) rowOperation(kind OperationKind, key AssociationKey, rowKey *RowKey) *Operation {
	meta := key.Metadata()
	keyColumns := make([]string, 0, len(meta.ColumnNames)+len(meta.RowKeyColumnNames))
	keyColumns = append(keyColumns, meta.ColumnNames...)
	keyColumns = append(keyColumns, meta.RowKeyColumnNames...)
	op := &Operation{
		Kind:        kind,
		Table:       meta.Table,
		Key:         key.Columns(),
		KeyColumns:  keyColumns,
		Association: meta,
		Embedded:    NewEmbeddedCodec(nil),
	}
	if rowKey != nil {
		op.RowKey = rowKey.Columns()
	}
	return op
}

// rowColumns merges the owner columns, the row key and the tuple's own columns.
func rowColumns(key AssociationKey, rowKey RowKey, t *Tuple) []Column {
	seen := map[string]bool{}
	var cols []Column
	add := func(c Column) {
		if seen[c.Name] || isSystemColumn(c.Name) {
			return
		}
		seen[c.Name] = true
		cols = append(cols, c)
	}
	for _, c := range key.Columns() {
		add(c)
	}
	for _, c := range rowKey.Columns() {
		add(c)
	}
	for _, c := range t.Columns() {
		add(c)
	}
	return cols
}
