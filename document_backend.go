package dialect

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"

	"github.com/adrianmcphee/dialect/internal/executor"
	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// recordKind separates the namespaces of one record store.
type recordKind int

const (
	entityRecord recordKind = iota
	rowRecord
	counterRecord
)

func (k recordKind) String() string {
	switch k {
	case entityRecord:
		return "entities"
	case rowRecord:
		return "associations"
	default:
		return "counters"
	}
}

// recordRef addresses one stored record. Group is the owner id of association
// rows and empty otherwise.
type recordRef struct {
	Kind  recordKind
	Table string
	Group string
	ID    string
}

func (r recordRef) String() string {
	if r.Group != "" {
		return r.Kind.String() + "/" + r.Table + "/" + r.Group + "/" + r.ID
	}
	return r.Kind.String() + "/" + r.Table + "/" + r.ID
}

// pathSegment encodes an id for stores that use it inside a path or key.
func pathSegment(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func parsePathSegment(seg string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(seg)
	return string(b), err
}

// storedRecord is one record as read from a store. Tag is the store's
// compare-and-swap token.
type storedRecord struct {
	Ref  recordRef
	Data []byte
	Tag  string
}

// recordOps are the primitive reads and writes of a record store.
type recordOps interface {
	// get returns nil when the record is absent.
	get(ctx context.Context, ref recordRef) (*storedRecord, error)
	// create writes only if the record is absent.
	create(ctx context.Context, ref recordRef, data []byte) (bool, error)
	// replace writes only if the record still carries prev.Tag.
	replace(ctx context.Context, prev *storedRecord, data []byte) (bool, error)
	put(ctx context.Context, ref recordRef, data []byte) error
	remove(ctx context.Context, ref recordRef) (bool, error)
	// scan lists the records of a table, or of one group of it.
	scan(ctx context.Context, kind recordKind, table, group string) ([]*storedRecord, error)
	// next advances a counter; the first call returns initial.
	next(ctx context.Context, ref recordRef, initial, increment int64) (int64, error)
}

type recordConn interface {
	Conn
	recordOps
}

// recordStore is the storage under a DocumentBackend.
type recordStore interface {
	connect(ctx context.Context) (recordConn, error)
	// location renders where ref lives, for statement text.
	location(ref recordRef) string
	close() error
}

// DocumentBackend stores entities and association rows as JSON documents, one per
// record, with embedded properties nested. Conditional writes go through the
// store's compare-and-swap; translated queries run as expr programs over the
// decoded records.
type DocumentBackend struct {
	name   string
	store  recordStore
	retry  RetryConfig
	logger Logger
}

func newDocumentBackend(name string, store recordStore, retry RetryConfig, logger Logger) *DocumentBackend {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &DocumentBackend{name: name, store: store, retry: retry, logger: logger}
}

// docStatement is the payload of statements built by DocumentBackend.
type docStatement struct {
	ref   recordRef
	data  []byte
	query *docQuery
}

func (b *DocumentBackend) Name() string { return b.name }

func (b *DocumentBackend) Connect(ctx context.Context) (Conn, error) {
	return b.store.connect(ctx)
}

func (b *DocumentBackend) Build(op *Operation) (*Statement, error) {
	st := &docStatement{}
	var verb string

	switch op.Kind {
	case OpFetch, OpInsert, OpUpdate, OpDelete:
		st.ref = recordRef{Kind: entityRecord, Table: op.Table, ID: canonicalValues(columnValues(op.Key))}
	case OpFetchRows, OpClearRows:
		st.ref = recordRef{Kind: rowRecord, Table: op.Table, Group: canonicalValues(columnValues(op.Key))}
	case OpFindRow, OpInsertRow, OpUpdateRow, OpDeleteRow:
		if len(op.RowKey) == 0 {
			return nil, WithContext(ErrInvalidKey, map[string]interface{}{
				"operation": op.Kind.String(),
				"table":     op.Table,
				"reason":    "row operation without a row key",
			})
		}
		st.ref = recordRef{
			Kind:  rowRecord,
			Table: op.Table,
			Group: canonicalValues(columnValues(op.Key)),
			ID:    canonicalValues(columnValues(op.RowKey)),
		}
	case OpNextSequence, OpNextTableValue:
		if op.Generator == nil || op.Generator.Source == nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"operation": op.Kind.String(),
				"reason":    "missing generator",
			})
		}
		st.ref = counterRef(op.Generator)
	case OpQuery, OpUpdateQuery:
		if op.Query != nil {
			st.query, _ = op.Query.Payload.(*docQuery)
		}
		if st.query == nil {
			return nil, WithContext(ErrInvalidQuery, map[string]interface{}{
				"backend": b.name,
				"reason":  "query was not rendered by a document backend",
			})
		}
		return &Statement{Op: op, Native: st.query.native, Payload: st}, nil
	default:
		return nil, WithContext(ErrUnsupportedOp, map[string]interface{}{
			"backend":   b.name,
			"operation": op.Kind.String(),
		})
	}

	switch op.Kind {
	case OpFetch, OpFindRow:
		verb = "GET"
	case OpInsert, OpInsertRow:
		verb = "CREATE"
		data, err := encodeDocument(op.codec(), op.Columns, op.KeyColumns)
		if err != nil {
			return nil, err
		}
		st.data = data
	case OpUpdate, OpUpdateRow:
		verb = "REPLACE"
		if op.Version != nil {
			verb = fmt.Sprintf("REPLACE IF %s = %v", op.Version.Column, op.Version.Expected)
		}
	case OpDelete, OpDeleteRow:
		verb = "DELETE"
	case OpFetchRows:
		verb = "SCAN"
	case OpClearRows:
		verb = "DELETE ALL"
	default:
		verb = "NEXT"
	}
	return &Statement{Op: op, Native: verb + " " + b.store.location(st.ref), Payload: st}, nil
}

func counterRef(req *IDGenerationRequest) recordRef {
	if req.Source.Kind == TableSource {
		return recordRef{Kind: counterRecord, Table: req.Source.Name, ID: req.Key}
	}
	return recordRef{Kind: counterRecord, Table: executor.SequenceTable, ID: req.Source.Name}
}

func (b *DocumentBackend) Execute(ctx context.Context, conn Conn, stmt *Statement) (*Result, error) {
	st, ok := stmt.Payload.(*docStatement)
	if !ok {
		return nil, fmt.Errorf("%s backend cannot execute %T", b.name, stmt.Payload)
	}
	rc, ok := conn.(recordConn)
	if !ok {
		return nil, fmt.Errorf("connection %T is not a %s connection", conn, b.name)
	}
	op := stmt.Op

	switch op.Kind {
	case OpFetch, OpFindRow:
		rec, err := rc.get(ctx, st.ref)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return &Result{Records: emptyCursor()}, nil
		}
		return &Result{Records: newSliceCursor([]Record{rec})}, nil

	case OpInsert, OpInsertRow:
		created, err := rc.create(ctx, st.ref, st.data)
		if err != nil {
			return nil, err
		}
		return &Result{Affected: affected(created)}, nil

	case OpUpdate, OpUpdateRow:
		written, err := b.mutate(ctx, rc, st.ref, op.codec(), op.KeyColumns, func(cols []Column) ([]Column, bool) {
			if op.Version != nil && !versionMatches(cols, op.Version) {
				return nil, false
			}
			return mergeColumns(cols, op.Columns), true
		})
		if err != nil {
			return nil, err
		}
		return &Result{Affected: affected(written)}, nil

	case OpDelete, OpDeleteRow:
		removed, err := rc.remove(ctx, st.ref)
		if err != nil {
			return nil, err
		}
		return &Result{Affected: affected(removed)}, nil

	case OpFetchRows:
		recs, err := rc.scan(ctx, rowRecord, st.ref.Table, st.ref.Group)
		if err != nil {
			return nil, err
		}
		records := make([]Record, len(recs))
		for i, r := range recs {
			records[i] = r
		}
		return &Result{Records: newSliceCursor(records)}, nil

	case OpClearRows:
		recs, err := rc.scan(ctx, rowRecord, st.ref.Table, st.ref.Group)
		if err != nil {
			return nil, err
		}
		var n int64
		for _, r := range recs {
			removed, err := rc.remove(ctx, r.Ref)
			if err != nil {
				return nil, err
			}
			n += affected(removed)
		}
		return &Result{Affected: n}, nil

	case OpNextSequence, OpNextTableValue:
		src := op.Generator.Source
		v, err := rc.next(ctx, st.ref, src.InitialValue, src.Increment)
		if err != nil {
			return nil, err
		}
		return &Result{Value: v}, nil

	case OpQuery:
		return st.query.run(ctx, rc, queryParams(op.Params))

	case OpUpdateQuery:
		n, err := st.query.apply(ctx, b, rc, queryParams(op.Params))
		if err != nil {
			return nil, err
		}
		return &Result{Affected: n}, nil
	}
	return nil, WithContext(ErrUnsupportedOp, map[string]interface{}{
		"backend":   b.name,
		"operation": op.Kind.String(),
	})
}

// mutate rewrites one record with compare-and-swap, re-reading it whenever a
// concurrent writer got in first. change returns the new columns, or false to
// leave the record as it is. It reports whether the record was written.
func (b *DocumentBackend) mutate(ctx context.Context, rc recordOps, ref recordRef, codec *EmbeddedCodec, keyColumns []string, change func([]Column) ([]Column, bool)) (bool, error) {
	written := false
	completed, err := retryLoop(ctx, b.retry, func(attempt int) error {
		prev, err := rc.get(ctx, ref)
		if err != nil || prev == nil {
			return err
		}
		cols, err := decodeDocument(codec, prev.Data, keyColumns)
		if err != nil {
			return err
		}
		next, ok := change(cols)
		if !ok {
			return nil
		}
		data, err := encodeDocument(codec, next, keyColumns)
		if err != nil {
			return err
		}
		swapped, err := rc.replace(ctx, prev, data)
		if err != nil {
			return err
		}
		if !swapped {
			b.logger.Debug("compare-and-swap lost, retrying", "backend", b.name, "record", ref.String(), "attempt", attempt+1)
			return errRetry{}
		}
		written = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if !completed {
		b.logger.Warn("compare-and-swap retries exhausted", "backend", b.name, "record", ref.String(), "retries", b.retry.MaxRetries)
	}
	return written, nil
}

// Decode returns the non-null flat columns of a stored document or of a query
// result.
func (b *DocumentBackend) Decode(rec Record, op *Operation) ([]Column, error) {
	switch r := rec.(type) {
	case *storedRecord:
		return decodeDocument(op.codec(), r.Data, op.KeyColumns)
	case columnsRecord:
		cols := make([]Column, 0, len(r))
		for _, c := range r {
			if c.Value != nil {
				cols = append(cols, c)
			}
		}
		return cols, nil
	default:
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"backend": b.name,
			"record":  fmt.Sprintf("%T", rec),
		})
	}
}

func (b *DocumentBackend) RenderQuery(q *TranslatedQuery) (*QueryDescriptor, error) {
	dq, err := compileDocQuery(q)
	if err != nil {
		return nil, err
	}
	desc := &QueryDescriptor{
		Table:   q.Root.Entity.Table,
		Native:  dq.native,
		Payload: dq,
	}
	for _, p := range q.Projection {
		desc.Projection = append(desc.Projection, p.Column)
	}
	return desc, nil
}

func (b *DocumentBackend) Close() error {
	return b.store.close()
}

func affected(ok bool) int64 {
	if ok {
		return 1
	}
	return 0
}

func columnValues(cols []Column) []any {
	values := make([]any, len(cols))
	for i, c := range cols {
		values[i] = c.Value
	}
	return values
}

func queryParams(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = typedjson.Normalize(a)
	}
	return out
}

// encodeDocument nests the non-null columns and serializes them.
func encodeDocument(codec *EmbeddedCodec, cols []Column, keyColumns []string) ([]byte, error) {
	present := make([]Column, 0, len(cols))
	for _, c := range cols {
		if c.Value != nil {
			present = append(present, c)
		}
	}
	doc, err := codec.Encode(present, keyColumns)
	if err != nil {
		return nil, err
	}
	return typedjson.MarshalMap(doc)
}

func decodeDocument(codec *EmbeddedCodec, data []byte, keyColumns []string) ([]Column, error) {
	doc, err := typedjson.UnmarshalMap(data)
	if err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{"reason": err.Error()})
	}
	cols, err := codec.Decode(doc, keyColumns)
	if err != nil {
		return nil, err
	}
	out := cols[:0]
	for _, c := range cols {
		if c.Value != nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// mergeColumns applies changes to current; a nil change removes the column.
func mergeColumns(current, changes []Column) []Column {
	values := make(map[string]any, len(current)+len(changes))
	for _, c := range current {
		values[c.Name] = c.Value
	}
	for _, c := range changes {
		if c.Value == nil {
			delete(values, c.Name)
			continue
		}
		values[c.Name] = c.Value
	}
	return sortedColumns(values)
}

func sortedColumns(values map[string]any) []Column {
	names := make([]string, 0, len(values))
	for n := range values {
		names = append(names, n)
	}
	sort.Strings(names)
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n, Value: values[n]}
	}
	return cols
}

func columnMap(cols []Column) map[string]any {
	m := make(map[string]any, len(cols))
	for _, c := range cols {
		m[c.Name] = c.Value
	}
	return m
}

func versionMatches(cols []Column, check *VersionCheck) bool {
	for _, c := range cols {
		if c.Name == check.Column {
			return typedjson.Equal(c.Value, check.Expected)
		}
	}
	return check.Expected == nil
}
