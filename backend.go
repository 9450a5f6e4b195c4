package dialect

import (
	"context"
	"fmt"
)

// OperationKind is the closed set of native operations a backend must build.
type OperationKind int

const (
	// OpFetch reads one entity record by key.
	OpFetch OperationKind = iota
	// OpInsert creates an entity record only if its key is absent.
	OpInsert
	// OpUpdate changes columns of an entity record, optionally guarded by a version check.
	OpUpdate
	// OpDelete removes an entity record.
	OpDelete
	// OpFetchRows reads every row of one association.
	OpFetchRows
	// OpFindRow reads one association row by row key.
	OpFindRow
	// OpInsertRow creates one association row.
	OpInsertRow
	// OpUpdateRow rewrites one association row in place.
	OpUpdateRow
	// OpDeleteRow removes one association row.
	OpDeleteRow
	// OpClearRows removes every row of one association.
	OpClearRows
	// OpNextSequence advances a sequence and returns its new value.
	OpNextSequence
	// OpNextTableValue atomically reads and increments a counter row.
	OpNextTableValue
	// OpQuery runs a translated read query.
	OpQuery
	// OpUpdateQuery runs a translated update or delete query.
	OpUpdateQuery
)

var operationNames = [...]string{
	OpFetch:          "fetch",
	OpInsert:         "insert",
	OpUpdate:         "update",
	OpDelete:         "delete",
	OpFetchRows:      "fetch_rows",
	OpFindRow:        "find_row",
	OpInsertRow:      "insert_row",
	OpUpdateRow:      "update_row",
	OpDeleteRow:      "delete_row",
	OpClearRows:      "clear_rows",
	OpNextSequence:   "next_sequence",
	OpNextTableValue: "next_table_value",
	OpQuery:          "query",
	OpUpdateQuery:    "update_query",
}

func (k OperationKind) String() string {
	if int(k) < len(operationNames) {
		return operationNames[k]
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// VersionCheck guards an update with the last known version value.
type VersionCheck struct {
	Column   string
	Expected any
}

// Operation is the backend-neutral description of one native statement.
type Operation struct {
	Kind  OperationKind
	Table string

	// Key identifies the entity record, or the owner for association operations.
	Key []Column
	// KeyColumns lists the primary key column names of Table.
	KeyColumns []string
	// RowKey identifies one association row.
	RowKey []Column
	// Columns are written by insert and update operations. For entity inserts they
	// include the key columns; updates carry only the changed columns.
	Columns []Column
	// Version is set on updates when the tuple carries a version value.
	Version *VersionCheck
	// Association is set for row operations.
	Association *AssociationKeyMetadata
	// Embedded nests dotted columns for backends that store documents.
	Embedded *EmbeddedCodec

	// ID generation
	Generator *IDGenerationRequest

	// Query execution
	Query  *QueryDescriptor
	Params []any
}

// keyColumnNames returns the column names of Key.
func (op *Operation) keyColumnNames() []string {
	names := make([]string, len(op.Key))
	for i, c := range op.Key {
		names[i] = c.Name
	}
	return names
}

// codec returns the operation's embedded codec, or one without type names.
func (op *Operation) codec() *EmbeddedCodec {
	if op.Embedded != nil {
		return op.Embedded
	}
	return NewEmbeddedCodec(nil)
}

// Statement is a native statement ready to execute. Native is the text shown in
// logs and backend errors; Payload holds whatever the backend needs to run it.
type Statement struct {
	Op      *Operation
	Native  string
	Payload any
}

// Record is one native record as returned by a backend cursor.
type Record any

// RecordCursor is a lazy, forward-only cursor over native records.
type RecordCursor interface {
	Next(ctx context.Context) bool
	Record() Record
	Err() error
	Close() error
}

// Result is the outcome of executing a statement.
type Result struct {
	// Affected counts written rows. Conditional inserts and version-checked
	// updates that matched nothing report zero.
	Affected int64
	// Records is set for read operations.
	Records RecordCursor
	// Value holds the allocated value of id generation operations.
	Value int64
}

// Conn is one backend connection. A Conn serves a single session and is never
// used by two goroutines at once.
type Conn interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

// Backend is the capability set a store provides to the Dialect: build a native
// statement, execute it on a connection and decode what comes back.
type Backend interface {
	Name() string
	Connect(ctx context.Context) (Conn, error)
	Build(op *Operation) (*Statement, error)
	Execute(ctx context.Context, conn Conn, stmt *Statement) (*Result, error)
	// Decode turns one native record into flat columns. Embedded paths come back
	// dotted; for query results op.Table names the root entity.
	Decode(rec Record, op *Operation) ([]Column, error)
	RenderQuery(q *TranslatedQuery) (*QueryDescriptor, error)
	Close() error
}

// sliceCursor serves records already held in memory.
type sliceCursor struct {
	records []Record
	pos     int
	closed  bool
}

func newSliceCursor(records []Record) *sliceCursor {
	return &sliceCursor{records: records, pos: -1}
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if c.closed || c.pos+1 >= len(c.records) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Record() Record {
	if c.pos < 0 || c.pos >= len(c.records) {
		return nil
	}
	return c.records[c.pos]
}

func (c *sliceCursor) Err() error   { return nil }
func (c *sliceCursor) Close() error { c.closed = true; return nil }

// emptyCursor has no records.
func emptyCursor() RecordCursor { return newSliceCursor(nil) }

// funcCursor pulls records from a function until it reports done.
type funcCursor struct {
	next    func(ctx context.Context) (Record, bool, error)
	closeFn func() error
	current Record
	err     error
	done    bool
}

func (c *funcCursor) Next(ctx context.Context) bool {
	if c.done {
		return false
	}
	rec, ok, err := c.next(ctx)
	if err != nil {
		c.err = err
		c.done = true
		return false
	}
	if !ok {
		c.done = true
		return false
	}
	c.current = rec
	return true
}

func (c *funcCursor) Record() Record { return c.current }
func (c *funcCursor) Err() error     { return c.err }

func (c *funcCursor) Close() error {
	c.done = true
	if c.closeFn != nil {
		fn := c.closeFn
		c.closeFn = nil
		return fn()
	}
	return nil
}

// columnsRecord is a record a backend has already decoded to flat columns.
type columnsRecord []Column

// firstRecord drains at most one record from a result.
func firstRecord(ctx context.Context, res *Result) (Record, bool, error) {
	if res == nil || res.Records == nil {
		return nil, false, nil
	}
	defer res.Records.Close()
	if !res.Records.Next(ctx) {
		return nil, false, res.Records.Err()
	}
	return res.Records.Record(), true, nil
}
