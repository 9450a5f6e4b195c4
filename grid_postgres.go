package dialect

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xwb1989/sqlparser"
)

// postgresGridEngine runs grid statements on PostgreSQL through a pgx pool.
// Tables are expected to exist; only id generation objects are created on demand.
type postgresGridEngine struct {
	pool   *pgxpool.Pool
	logger Logger
}

// NewPostgresGridBackend connects to dsn and verifies the connection.
func NewPostgresGridBackend(ctx context.Context, dsn string, logger Logger) (*GridBackend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"backend": BackendPostgres,
			"reason":  err.Error(),
		})
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"backend": BackendPostgres,
			"reason":  err.Error(),
		})
	}
	return NewPostgresGridBackendWithPool(pool, logger), nil
}

// NewPostgresGridBackendWithPool wraps an existing pool. Close closes the pool.
func NewPostgresGridBackendWithPool(pool *pgxpool.Pool, logger Logger) *GridBackend {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &GridBackend{
		name:   BackendPostgres,
		engine: &postgresGridEngine{pool: pool, logger: logger},
		logger: logger,
	}
}

// pgQuerier is satisfied by both a pooled connection and a transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgConn struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

func (c *pgConn) querier() pgQuerier {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

func (c *pgConn) Begin(ctx context.Context) error {
	if c.tx != nil {
		return ErrTransactionActive
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *pgConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	return tx.Commit(ctx)
}

func (c *pgConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return ErrNoTransaction
	}
	tx := c.tx
	c.tx = nil
	return tx.Rollback(ctx)
}

func (c *pgConn) Close(ctx context.Context) error {
	var err error
	if c.tx != nil {
		err = c.tx.Rollback(ctx)
		c.tx = nil
	}
	c.conn.Release()
	return err
}

func (e *postgresGridEngine) connect(ctx context.Context) (Conn, error) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
			"backend": BackendPostgres,
			"reason":  err.Error(),
		})
	}
	return &pgConn{conn: conn}, nil
}

func (e *postgresGridEngine) formatter() sqlparser.NodeFormatter { return postgresFormatter }

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// nextValue uses a native sequence, or an upsert on the counter table that
// returns the incremented value.
func (e *postgresGridEngine) nextValue(b *sqlBuilder, req *IDGenerationRequest) *gridStatement {
	src := req.Source
	if src.Kind == TableSource {
		table, key, value := pgIdent(src.Name), pgIdent(src.KeyColumn), pgIdent(src.ValueColumn)
		return &gridStatement{
			setup: []string{fmt.Sprintf("create table if not exists %s (%s text primary key, %s bigint not null)", table, key, value)},
			native: fmt.Sprintf("insert into %s (%s, %s) values ($1, $2) on conflict (%s) do update set %s = %s.%s + $3 returning %s",
				table, key, value, key, value, table, value, value),
			args:   []any{req.Key, src.InitialValue, src.Increment},
			scalar: true,
		}
	}
	seq := pgIdent(src.Name)
	return &gridStatement{
		setup:  []string{fmt.Sprintf("create sequence if not exists %s start with %d increment by %d", seq, src.InitialValue, src.Increment)},
		native: "select nextval($1::regclass)",
		args:   []any{seq},
		scalar: true,
	}
}

func (e *postgresGridEngine) exec(ctx context.Context, conn Conn, st *gridStatement) (*Result, error) {
	pc, ok := conn.(*pgConn)
	if !ok {
		return nil, fmt.Errorf("connection %T is not a postgres connection", conn)
	}
	q := pc.querier()
	for _, s := range st.setup {
		if _, err := q.Exec(ctx, s); err != nil {
			return nil, err
		}
	}
	args := pgArgs(st.args)

	if !st.reads && !st.scalar {
		tag, err := q.Exec(ctx, st.native, args...)
		if err != nil {
			return nil, err
		}
		return &Result{Affected: tag.RowsAffected()}, nil
	}

	rows, err := q.Query(ctx, st.native, args...)
	if err != nil {
		return nil, err
	}
	if st.scalar {
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("id generation returned no row")
		}
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		return &Result{Value: v}, rows.Err()
	}
	if st.stream {
		return &Result{Records: pgCursor(rows)}, nil
	}

	defer rows.Close()
	var records []Record
	for rows.Next() {
		rec, err := pgRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &Result{Records: newSliceCursor(records)}, nil
}

func (e *postgresGridEngine) close() error {
	e.pool.Close()
	return nil
}

// pgCursor streams rows. The connection stays busy until it is closed.
func pgCursor(rows pgx.Rows) RecordCursor {
	return &funcCursor{
		next: func(ctx context.Context) (Record, bool, error) {
			if !rows.Next() {
				return nil, false, rows.Err()
			}
			rec, err := pgRecord(rows)
			if err != nil {
				return nil, false, err
			}
			return rec, true, nil
		},
		closeFn: func() error {
			rows.Close()
			return rows.Err()
		},
	}
}

func pgRecord(rows pgx.Rows) (columnsRecord, error) {
	values, err := rows.Values()
	if err != nil {
		return nil, err
	}
	fields := rows.FieldDescriptions()
	rec := make(columnsRecord, len(values))
	for i, v := range values {
		rec[i] = Column{Name: fields[i].Name, Value: pgValue(v)}
	}
	return rec, nil
}

// pgValue maps driver values onto the typed values tuples hold.
func pgValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		if x.Exp == 0 && x.Int != nil {
			return new(big.Int).Set(x.Int)
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case [16]byte:
		return uuid.UUID(x).String()
	default:
		return v
	}
}

// pgArgs encodes values pgx has no mapping for.
func pgArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if n, ok := a.(*big.Int); ok {
			out[i] = n.String()
			continue
		}
		out[i] = a
	}
	return out
}
