package dialect

import (
	"context"
	"fmt"
	"sync"
)

// Session binds one backend connection and at most one backend transaction to a
// unit of work. Every data operation takes the session explicitly. A session must
// not be used from two goroutines at once; overlapping calls fail with
// ErrSessionBusy instead of reaching the backend.
type Session struct {
	id      string
	dialect *Dialect
	conn    Conn

	busy sync.Mutex

	mu      sync.Mutex
	inTx    bool
	closed  bool
	cursors map[*TupleIterator]struct{}
}

// OpenSession connects a new session.
func (d *Dialect) OpenSession(ctx context.Context) (*Session, error) {
	if d.closed.Load() {
		return nil, ErrSessionClosed
	}
	conn, err := d.backend.Connect(ctx)
	if err != nil {
		return nil, wrapBackend(d.backend.Name(), "connect", err)
	}
	s := &Session{
		id:      NewID(),
		dialect: d,
		conn:    conn,
		cursors: make(map[*TupleIterator]struct{}),
	}
	n := d.sessions.Add(1)
	d.metrics.Gauge(MetricSessionsOpen, float64(n), "backend", d.backend.Name())
	d.logger.Debug("session opened", "session", s.id, "backend", d.backend.Name())
	return s, nil
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string { return s.id }

// Conn returns the backend connection bound to the session.
func (s *Session) Conn() Conn { return s.conn }

// InTransaction reports whether a backend transaction is active.
func (s *Session) InTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// acquire claims the session for one call.
func (s *Session) acquire(d *Dialect) (func(), error) {
	if s == nil {
		return nil, WithContext(ErrSessionClosed, map[string]interface{}{"reason": "nil session"})
	}
	if s.dialect != d {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"session": s.id,
			"reason":  "session belongs to another dialect",
		})
	}
	if !s.busy.TryLock() {
		return nil, WithContext(ErrSessionBusy, map[string]interface{}{"session": s.id})
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.busy.Unlock()
		return nil, WithContext(ErrSessionClosed, map[string]interface{}{"session": s.id})
	}
	return s.busy.Unlock, nil
}

// Begin starts a backend transaction.
func (s *Session) Begin(ctx context.Context) error {
	release, err := s.acquire(s.dialect)
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inTx {
		return WithContext(ErrTransactionActive, map[string]interface{}{"session": s.id})
	}
	if err := s.conn.Begin(ctx); err != nil {
		return wrapBackend(s.dialect.backend.Name(), "begin", err)
	}
	s.inTx = true
	s.dialect.logger.Debug("transaction started", "session", s.id)
	return nil
}

// Commit commits the active transaction. Cursors opened inside it are closed.
func (s *Session) Commit(ctx context.Context) error {
	release, err := s.acquire(s.dialect)
	if err != nil {
		return err
	}
	defer release()
	return s.endTx(ctx, true)
}

// Rollback discards the active transaction. Cursors opened inside it are closed.
func (s *Session) Rollback(ctx context.Context) error {
	release, err := s.acquire(s.dialect)
	if err != nil {
		return err
	}
	defer release()
	return s.endTx(ctx, false)
}

func (s *Session) endTx(ctx context.Context, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inTx {
		return WithContext(ErrNoTransaction, map[string]interface{}{"session": s.id})
	}
	s.inTx = false
	s.invalidateCursorsLocked(true)

	d := s.dialect
	name := d.backend.Name()
	if commit {
		if err := s.conn.Commit(ctx); err != nil {
			d.logger.Error("commit failed", "session", s.id, "backend", name, "error", err)
			return wrapBackend(name, "commit", err)
		}
		d.metrics.Increment(MetricTransactionCommit, "backend", name)
		return nil
	}
	if err := s.conn.Rollback(ctx); err != nil {
		d.logger.Error("rollback failed", "session", s.id, "backend", name, "error", err)
		return WithContext(ErrRollbackFailed, map[string]interface{}{
			"session": s.id,
			"cause":   err.Error(),
		})
	}
	d.metrics.Increment(MetricTransactionRollback, "backend", name)
	return nil
}

// Close rolls back any active transaction, closes every cursor and releases the
// connection. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context) error {
	if !s.busy.TryLock() {
		return WithContext(ErrSessionBusy, map[string]interface{}{"session": s.id})
	}
	defer s.busy.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.invalidateCursorsLocked(false)

	d := s.dialect
	var rbErr error
	if s.inTx {
		s.inTx = false
		if err := s.conn.Rollback(ctx); err != nil {
			rbErr = err
			d.logger.Error("rollback on close failed", "session", s.id, "error", err)
		} else {
			d.metrics.Increment(MetricTransactionRollback, "backend", d.backend.Name())
		}
	}
	closeErr := s.conn.Close(ctx)

	n := d.sessions.Add(-1)
	d.metrics.Gauge(MetricSessionsOpen, float64(n), "backend", d.backend.Name())
	d.logger.Debug("session closed", "session", s.id)

	if rbErr != nil {
		return WithContext(ErrRollbackFailed, map[string]interface{}{"session": s.id, "cause": rbErr.Error()})
	}
	if closeErr != nil {
		return wrapBackend(d.backend.Name(), "close", closeErr)
	}
	return nil
}

func (s *Session) track(it *TupleIterator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it.txBound = s.inTx
	s.cursors[it] = struct{}{}
}

func (s *Session) untrack(it *TupleIterator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, it)
}

// invalidateCursorsLocked closes tracked cursors. With txOnly set, only cursors
// opened inside the ending transaction are closed.
func (s *Session) invalidateCursorsLocked(txOnly bool) {
	for it := range s.cursors {
		if txOnly && !it.txBound {
			continue
		}
		it.invalidate()
		delete(s.cursors, it)
	}
}

// WithSession runs fn with a fresh session and closes it on every exit path,
// panics included.
func (d *Dialect) WithSession(ctx context.Context, fn func(s *Session) error) (err error) {
	s, err := d.OpenSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// InTransaction runs fn inside a backend transaction on a fresh session. The
// transaction commits when fn returns nil and rolls back otherwise. A panic rolls
// back and is re-raised.
func (d *Dialect) InTransaction(ctx context.Context, fn func(s *Session) error) (err error) {
	return d.WithSession(ctx, func(s *Session) (err error) {
		if err := s.Begin(ctx); err != nil {
			return err
		}
		defer func() {
			if r := recover(); r != nil {
				if rbErr := s.Rollback(ctx); rbErr != nil {
					d.logger.Error("rollback after panic failed", "session", s.id, "error", rbErr)
				}
				panic(r)
			}
		}()

		if err := fn(s); err != nil {
			if rbErr := s.Rollback(ctx); rbErr != nil {
				return fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
			return err
		}
		return s.Commit(ctx)
	})
}
