package dialect

import (
	"context"
	"sync"
	"time"
)

// TranslateQuery translates and renders a neutral query for this dialect's
// backend. Results are cached under ast.Key when it is set.
func (d *Dialect) TranslateQuery(ast *QueryAST) (*QueryDescriptor, error) {
	name := d.backend.Name()
	if ast != nil && ast.Key != "" {
		d.queryMu.RLock()
		cached, ok := d.queries[ast.Key]
		d.queryMu.RUnlock()
		if ok {
			d.metrics.Increment(MetricQueryCacheHits, "backend", name)
			return cached, nil
		}
	}

	tq, err := d.translator.Translate(ast)
	if err != nil {
		d.logger.Warn("query translation failed", "backend", name, "error", err)
		return nil, err
	}
	desc, err := d.backend.RenderQuery(tq)
	if err != nil {
		d.logger.Warn("query rendering failed", "backend", name, "entity", ast.Entity, "error", err)
		return nil, err
	}
	desc.Kind = tq.Kind
	desc.Backend = name
	desc.Entity = tq.Root.Entity
	if desc.Table == "" {
		desc.Table = tq.Root.Entity.Table
	}
	desc.Params = tq.Params
	desc.Warnings = append(desc.Warnings, tq.Warnings...)

	d.metrics.Increment(MetricQueryTranslated, "backend", name)
	d.logger.Debug("query translated", "backend", name, "entity", ast.Entity, "native", desc.Native)

	if ast.Key != "" {
		d.queryMu.Lock()
		d.queries[ast.Key] = desc
		d.queryMu.Unlock()
	}
	return desc, nil
}

// ExecuteQuery runs a select or count query and returns a lazy iterator over the
// results. The iterator belongs to s; when s ends the transaction that opened it,
// or closes, the iterator stops with ErrCursorClosed.
//
// Only the Postgres grid streams rows from its native cursor. The file grid and
// the document backends scan, join and sort in memory, so their results are
// loaded in full before the first tuple is returned.
func (d *Dialect) ExecuteQuery(ctx context.Context, s *Session, q *QueryDescriptor, params map[string]any) (*TupleIterator, error) {
	if q.Kind != SelectQuery && q.Kind != CountQuery {
		return nil, WithContext(ErrInvalidQuery, map[string]interface{}{
			"query":  q.Native,
			"reason": "ExecuteQuery requires a select or count query",
		})
	}
	release, err := s.acquire(d)
	if err != nil {
		return nil, err
	}
	defer release()

	op, err := d.queryOperation(OpQuery, q, params)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := d.execute(ctx, s, op)
	d.metrics.Timing(MetricQueryDuration, time.Since(start), "backend", d.backend.Name())
	if err != nil {
		return nil, err
	}
	records := res.Records
	if records == nil {
		records = emptyCursor()
	}
	it := &TupleIterator{dialect: d, session: s, op: op, records: records}
	s.track(it)
	return it, nil
}

// ExecuteUpdateQuery runs an update or delete query and returns the affected count.
func (d *Dialect) ExecuteUpdateQuery(ctx context.Context, s *Session, q *QueryDescriptor, params map[string]any) (int64, error) {
	if q.Kind != UpdateQuery && q.Kind != DeleteQuery {
		return 0, WithContext(ErrInvalidQuery, map[string]interface{}{
			"query":  q.Native,
			"reason": "ExecuteUpdateQuery requires an update or delete query",
		})
	}
	release, err := s.acquire(d)
	if err != nil {
		return 0, err
	}
	defer release()

	op, err := d.queryOperation(OpUpdateQuery, q, params)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	res, err := d.execute(ctx, s, op)
	d.metrics.Timing(MetricQueryDuration, time.Since(start), "backend", d.backend.Name())
	if err != nil {
		return 0, err
	}
	d.metrics.Histogram(MetricQueryAffected, float64(res.Affected), "backend", d.backend.Name())
	return res.Affected, nil
}

func (d *Dialect) queryOperation(kind OperationKind, q *QueryDescriptor, params map[string]any) (*Operation, error) {
	if q.Backend != "" && q.Backend != d.backend.Name() {
		return nil, WithContext(ErrInvalidQuery, map[string]interface{}{
			"query":  q.Native,
			"reason": "query was rendered for backend " + q.Backend,
		})
	}
	args, err := q.Bind(params)
	if err != nil {
		return nil, err
	}
	op := &Operation{
		Kind:     kind,
		Table:    q.Table,
		Query:    q,
		Params:   args,
		Embedded: codecFor(q.Entity),
	}
	if q.Entity != nil {
		op.KeyColumns = q.Entity.IDColumns
	}
	return op, nil
}

// TupleIterator is a lazy, forward-only sequence of query results. Each call to
// Next decodes one record from the backend cursor.
type TupleIterator struct {
	dialect *Dialect
	session *Session
	op      *Operation
	records RecordCursor

	mu          sync.Mutex
	current     *Tuple
	err         error
	count       int
	done        bool
	invalidated bool
	txBound     bool
}

// Next advances to the next tuple. It returns false at the end of the results, on
// error, or once the owning transaction has ended.
func (it *TupleIterator) Next(ctx context.Context) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done {
		return false
	}
	if it.invalidated {
		it.err = ErrCursorClosed
		it.done = true
		return false
	}

	release, err := it.session.acquire(it.dialect)
	if err != nil {
		it.err = err
		return false
	}
	defer release()

	if !it.records.Next(ctx) {
		if err := it.records.Err(); err != nil {
			it.err = wrapBackend(it.dialect.backend.Name(), it.op.Query.Native, err)
		}
		it.finishLocked()
		return false
	}
	cols, err := it.dialect.backend.Decode(it.records.Record(), it.op)
	if err != nil {
		it.err = err
		it.finishLocked()
		return false
	}
	it.current = newExistingTuple(cols)
	it.count++
	return true
}

// Tuple returns the current tuple.
func (it *TupleIterator) Tuple() *Tuple {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.current
}

// Err returns the error that stopped iteration, if any.
func (it *TupleIterator) Err() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.err
}

// Close releases the backend cursor. It is safe to call more than once.
func (it *TupleIterator) Close() error {
	it.mu.Lock()
	done := it.done
	it.finishLocked()
	it.mu.Unlock()
	if !done {
		it.session.untrack(it)
	}
	return nil
}

// All drains the iterator and closes it.
func (it *TupleIterator) All(ctx context.Context) ([]*Tuple, error) {
	defer it.Close()
	var out []*Tuple
	for it.Next(ctx) {
		out = append(out, it.Tuple())
	}
	return out, it.Err()
}

func (it *TupleIterator) finishLocked() {
	if it.done {
		return
	}
	it.done = true
	it.current = nil
	if err := it.records.Close(); err != nil && it.err == nil {
		it.err = err
	}
	it.dialect.metrics.Histogram(MetricQueryResults, float64(it.count), "backend", it.dialect.backend.Name())
}

// invalidate is called by the owning session with its state lock held.
func (it *TupleIterator) invalidate() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.done {
		return
	}
	it.invalidated = true
	it.records.Close()
	it.current = nil
}
