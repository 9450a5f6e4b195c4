package dialect

import (
	"context"
	"fmt"
	"sort"

	"github.com/adrianmcphee/dialect/internal/executor"
	"github.com/adrianmcphee/dialect/internal/storage"
	"github.com/adrianmcphee/dialect/internal/typedjson"
	"github.com/xwb1989/sqlparser"
)

// gridStatement is the payload of statements built by GridBackend.
type gridStatement struct {
	ast sqlparser.Statement
	// native is the text the engine runs; engines that execute the AST use it
	// only for logs.
	native string
	// setup statements run first, on the same connection.
	setup  []string
	args   []any
	reads  bool
	stream bool
	scalar bool
	// table and keyColumns let engines that create tables lazily declare them.
	table      string
	keyColumns []string
}

// gridEngine is one SQL engine under GridBackend.
type gridEngine interface {
	connect(ctx context.Context) (Conn, error)
	// formatter renders ASTs in the engine's syntax; nil means the parser's own.
	formatter() sqlparser.NodeFormatter
	nextValue(b *sqlBuilder, req *IDGenerationRequest) *gridStatement
	exec(ctx context.Context, conn Conn, st *gridStatement) (*Result, error)
	close() error
}

// GridBackend maps operations onto SQL statements built as a sqlparser AST.
// The embedded file engine executes the AST directly; the Postgres engine runs
// it rendered in Postgres syntax.
type GridBackend struct {
	name   string
	engine gridEngine
	logger Logger
}

func (g *GridBackend) Name() string { return g.name }

func (g *GridBackend) Connect(ctx context.Context) (Conn, error) {
	return g.engine.connect(ctx)
}

func (g *GridBackend) Build(op *Operation) (*Statement, error) {
	b := &sqlBuilder{}
	var st *gridStatement

	switch op.Kind {
	case OpNextSequence, OpNextTableValue:
		if op.Generator == nil || op.Generator.Source == nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{
				"operation": op.Kind.String(),
				"reason":    "missing generator",
			})
		}
		st = g.engine.nextValue(b, op.Generator)
	case OpQuery, OpUpdateQuery:
		var gq *gridQuery
		if op.Query != nil {
			gq, _ = op.Query.Payload.(*gridQuery)
		}
		if gq == nil {
			return nil, WithContext(ErrInvalidQuery, map[string]interface{}{
				"backend": g.name,
				"reason":  "query was not rendered by a grid backend",
			})
		}
		st = &gridStatement{
			ast:    gq.ast,
			args:   op.Params,
			reads:  op.Kind == OpQuery,
			stream: op.Kind == OpQuery,
		}
	default:
		ast, err := b.entityStatement(op)
		if err != nil {
			return nil, err
		}
		st = &gridStatement{
			ast:   ast,
			args:  b.args,
			reads: op.Kind == OpFetch || op.Kind == OpFetchRows || op.Kind == OpFindRow,
		}
	}

	st.table = op.Table
	st.keyColumns = op.KeyColumns
	if st.native == "" {
		st.native = formatSQL(st.ast, g.engine.formatter())
	}
	return &Statement{Op: op, Native: st.native, Payload: st}, nil
}

func (g *GridBackend) Execute(ctx context.Context, conn Conn, stmt *Statement) (*Result, error) {
	st, ok := stmt.Payload.(*gridStatement)
	if !ok {
		return nil, fmt.Errorf("grid backend cannot execute %T", stmt.Payload)
	}
	return g.engine.exec(ctx, conn, st)
}

// Decode returns the non-null columns of a row. Grid tables store embedded
// properties as flat dotted columns, so no nesting is undone here.
func (g *GridBackend) Decode(rec Record, op *Operation) ([]Column, error) {
	switch r := rec.(type) {
	case storage.Row:
		names := make([]string, 0, len(r))
		for k, v := range r {
			if v != nil {
				names = append(names, k)
			}
		}
		sort.Strings(names)
		cols := make([]Column, len(names))
		for i, n := range names {
			cols[i] = Column{Name: n, Value: typedjson.Normalize(r[n])}
		}
		return cols, nil
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
			"backend": g.name,
			"record":  fmt.Sprintf("%T", rec),
		})
	}
}

func (g *GridBackend) RenderQuery(q *TranslatedQuery) (*QueryDescriptor, error) {
	ast, err := buildQuery(q)
	if err != nil {
		return nil, err
	}
	desc := &QueryDescriptor{
		Table:   q.Root.Entity.Table,
		Native:  formatSQL(ast, g.engine.formatter()),
		Payload: &gridQuery{ast: ast},
	}
	for _, p := range q.Projection {
		desc.Projection = append(desc.Projection, p.Column)
	}
	return desc, nil
}

func (g *GridBackend) Close() error {
	return g.engine.close()
}

// fileGridEngine runs statements with the embedded executor over JSONL tables.
type fileGridEngine struct {
	store    *storage.Store
	executor *executor.Executor
}

// NewFileGridBackend opens (creating if needed) an embedded grid store under path.
func NewFileGridBackend(path string, logger Logger) (*GridBackend, error) {
	store, err := storage.NewStore(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	logger.Info("grid store opened", "path", path, "tables", len(store.Schema.ListTables()))
	return &GridBackend{
		name:   BackendGrid,
		engine: &fileGridEngine{store: store, executor: executor.NewExecutor(store, nil)},
		logger: logger,
	}, nil
}

// fileConn holds the session's transaction, if any. Without one every statement
// commits on its own.
type fileConn struct {
	engine *fileGridEngine
	tx     *storage.Tx
}

func (e *fileGridEngine) connect(ctx context.Context) (Conn, error) {
	return &fileConn{engine: e}, nil
}

func (e *fileGridEngine) formatter() sqlparser.NodeFormatter { return nil }

func (e *fileGridEngine) nextValue(b *sqlBuilder, req *IDGenerationRequest) *gridStatement {
	src := req.Source
	var ast *sqlparser.Select
	if src.Kind == TableSource {
		ast = b.routineCall("next_table_value", src.Name, src.KeyColumn, src.ValueColumn, req.Key, src.InitialValue, src.Increment)
	} else {
		ast = b.routineCall("nextval", src.Name, src.InitialValue, src.Increment)
	}
	return &gridStatement{ast: ast, args: b.args, scalar: true}
}

func (e *fileGridEngine) exec(ctx context.Context, conn Conn, st *gridStatement) (*Result, error) {
	fc, ok := conn.(*fileConn)
	if !ok || fc.engine != e {
		return nil, fmt.Errorf("connection %T does not belong to this grid store", conn)
	}

	tx := fc.tx
	autocommit := tx == nil
	if autocommit {
		var err error
		if tx, err = e.store.Data.Begin(ctx); err != nil {
			return nil, err
		}
		defer tx.Rollback()
	}

	if _, isInsert := st.ast.(*sqlparser.Insert); isInsert && len(st.keyColumns) > 0 {
		if err := tx.Schema().Declare(st.table, st.keyColumns); err != nil {
			return nil, err
		}
	}

	bindVars := make(map[string]any, len(st.args))
	for i, a := range st.args {
		bindVars[bindName(i+1)] = a
	}
	out, err := e.executor.ExecuteStatement(tx, st.ast, bindVars)
	if err != nil {
		return nil, err
	}
	if autocommit {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}

	res := &Result{Affected: out.RowsAffected}
	switch {
	case st.scalar:
		if len(out.Rows) != 1 {
			return nil, fmt.Errorf("expected one value, got %d rows", len(out.Rows))
		}
		v, ok := typedjson.Normalize(out.Rows[0]["value"]).(int64)
		if !ok {
			return nil, fmt.Errorf("generated value %v is not an integer", out.Rows[0]["value"])
		}
		res.Value = v
	case st.reads:
		records := make([]Record, len(out.Rows))
		for i, r := range out.Rows {
			records[i] = r
		}
		res.Records = newSliceCursor(records)
	}
	return res, nil
}

func (e *fileGridEngine) close() error { return nil }

func (c *fileConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return ErrTransactionActive
	}
	tx, err := c.engine.store.Data.Begin(ctx)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *fileConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit()
}

func (c *fileConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	c.tx.Rollback()
	c.tx = nil
	return nil
}

func (c *fileConn) Close(ctx context.Context) error {
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	return nil
}
