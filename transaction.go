package dialect

import (
	"context"
	"fmt"
)

// journalConn gives record stores without native transactions best-effort
// transactional semantics: before a record is first written inside a transaction
// its original image is kept, and Rollback writes the originals back in reverse
// order.
//
// ⚠️ IMPORTANT LIMITATIONS:
// - This is NOT an ACID transaction; other sessions see writes immediately
// - Rollback overwrites changes other writers made to the same records
// - Rollback may fail, leaving partial updates (reported as ErrRollbackFailed)
// - Counter values handed out by id generation are never returned
type journalConn struct {
	recordOps
	logger Logger

	active   bool
	undo     []undoEntry
	recorded map[recordRef]bool
}

type undoEntry struct {
	ref     recordRef
	data    []byte
	existed bool
}

func newJournalConn(ops recordOps, logger Logger) *journalConn {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &journalConn{recordOps: ops, logger: logger}
}

func (j *journalConn) Begin(ctx context.Context) error {
	if j.active {
		return ErrTransactionActive
	}
	j.active = true
	j.undo = nil
	j.recorded = make(map[recordRef]bool)
	return nil
}

func (j *journalConn) Commit(ctx context.Context) error {
	if !j.active {
		return ErrNoTransaction
	}
	j.reset()
	return nil
}

func (j *journalConn) Rollback(ctx context.Context) error {
	if !j.active {
		return ErrNoTransaction
	}
	undo := j.undo
	j.reset()

	var rollbackErrors []error
	for i := len(undo) - 1; i >= 0; i-- {
		e := undo[i]
		if e.existed {
			if err := j.recordOps.put(ctx, e.ref, e.data); err != nil {
				rollbackErrors = append(rollbackErrors, fmt.Errorf("failed to restore %s: %w", e.ref, err))
			}
			continue
		}
		if _, err := j.recordOps.remove(ctx, e.ref); err != nil {
			rollbackErrors = append(rollbackErrors, fmt.Errorf("failed to delete %s: %w", e.ref, err))
		}
	}

	if len(rollbackErrors) > 0 {
		j.logger.Error("rollback incomplete", "errors", len(rollbackErrors), "records", len(undo))
		return WithContext(ErrRollbackFailed, map[string]interface{}{
			"failed": len(rollbackErrors),
			"errors": fmt.Sprint(rollbackErrors),
		})
	}
	return nil
}

func (j *journalConn) Close(ctx context.Context) error {
	if j.active {
		return j.Rollback(ctx)
	}
	return nil
}

func (j *journalConn) reset() {
	j.active = false
	j.undo = nil
	j.recorded = nil
}

func (j *journalConn) tracking(ref recordRef) bool {
	return j.active && !j.recorded[ref]
}

func (j *journalConn) record(ref recordRef, data []byte, existed bool) {
	j.recorded[ref] = true
	j.undo = append(j.undo, undoEntry{ref: ref, data: data, existed: existed})
}

// original reads the image a write is about to replace.
func (j *journalConn) original(ctx context.Context, ref recordRef) error {
	if !j.tracking(ref) {
		return nil
	}
	prev, err := j.recordOps.get(ctx, ref)
	if err != nil {
		return err
	}
	if prev == nil {
		j.record(ref, nil, false)
		return nil
	}
	j.record(ref, prev.Data, true)
	return nil
}

func (j *journalConn) create(ctx context.Context, ref recordRef, data []byte) (bool, error) {
	ok, err := j.recordOps.create(ctx, ref, data)
	if err == nil && ok && j.tracking(ref) {
		j.record(ref, nil, false)
	}
	return ok, err
}

func (j *journalConn) replace(ctx context.Context, prev *storedRecord, data []byte) (bool, error) {
	ok, err := j.recordOps.replace(ctx, prev, data)
	if err == nil && ok && j.tracking(prev.Ref) {
		j.record(prev.Ref, prev.Data, true)
	}
	return ok, err
}

func (j *journalConn) put(ctx context.Context, ref recordRef, data []byte) error {
	if err := j.original(ctx, ref); err != nil {
		return err
	}
	return j.recordOps.put(ctx, ref, data)
}

func (j *journalConn) remove(ctx context.Context, ref recordRef) (bool, error) {
	if err := j.original(ctx, ref); err != nil {
		return false, err
	}
	return j.recordOps.remove(ctx, ref)
}
