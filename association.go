package dialect

import (
	"fmt"
	"sort"

	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// AssociationOperationType is the closed set of association mutations.
type AssociationOperationType int

const (
	AssociationClear AssociationOperationType = iota
	AssociationPut
	AssociationRemove
)

func (t AssociationOperationType) String() string {
	switch t {
	case AssociationClear:
		return "CLEAR"
	case AssociationPut:
		return "PUT"
	case AssociationRemove:
		return "REMOVE"
	default:
		return fmt.Sprintf("AssociationOperationType(%d)", int(t))
	}
}

// AssociationOperation is one recorded change to an association.
// Key and Value are unused for CLEAR; Value is unused for REMOVE.
type AssociationOperation struct {
	Type  AssociationOperationType
	Key   RowKey
	Value *Tuple
}

// ClearOperation removes every row of the association.
func ClearOperation() AssociationOperation {
	return AssociationOperation{Type: AssociationClear}
}

// PutOperation inserts or replaces the row identified by key.
func PutOperation(key RowKey, value *Tuple) AssociationOperation {
	return AssociationOperation{Type: AssociationPut, Key: key, Value: value}
}

// RemoveOperation deletes the row identified by key.
func RemoveOperation(key RowKey) AssociationOperation {
	return AssociationOperation{Type: AssociationRemove, Key: key}
}

type snapshotRow struct {
	key   RowKey
	tuple *Tuple
}

// AssociationSnapshot is a point-in-time view of every row of one association,
// keyed by RowKey. Rows of indexed collections are ordered by their index columns,
// other rows keep the order the backend returned them in.
type AssociationSnapshot struct {
	key   AssociationKey
	order []string
	rows  map[string]snapshotRow
}

func newAssociationSnapshot(key AssociationKey) *AssociationSnapshot {
	return &AssociationSnapshot{key: key, rows: make(map[string]snapshotRow)}
}

// Key returns the association key the snapshot was read for.
func (a *AssociationSnapshot) Key() AssociationKey { return a.key }

// Len returns the number of rows.
func (a *AssociationSnapshot) Len() int { return len(a.order) }

// Get returns the row tuple for key.
func (a *AssociationSnapshot) Get(key RowKey) (*Tuple, bool) {
	r, ok := a.rows[key.Canonical()]
	return r.tuple, ok
}

// Contains reports whether a row exists for key.
func (a *AssociationSnapshot) Contains(key RowKey) bool {
	_, ok := a.rows[key.Canonical()]
	return ok
}

// RowKeys returns the row keys in snapshot order.
func (a *AssociationSnapshot) RowKeys() []RowKey {
	keys := make([]RowKey, len(a.order))
	for i, c := range a.order {
		keys[i] = a.rows[c].key
	}
	return keys
}

// Each calls fn for every row in snapshot order until fn returns false.
func (a *AssociationSnapshot) Each(fn func(RowKey, *Tuple) bool) {
	for _, c := range a.order {
		r := a.rows[c]
		if !fn(r.key, r.tuple) {
			return
		}
	}
}

func (a *AssociationSnapshot) put(key RowKey, t *Tuple) {
	c := key.Canonical()
	if _, ok := a.rows[c]; !ok {
		a.order = append(a.order, c)
	}
	a.rows[c] = snapshotRow{key: key, tuple: t}
}

func (a *AssociationSnapshot) remove(key RowKey) {
	c := key.Canonical()
	if _, ok := a.rows[c]; !ok {
		return
	}
	delete(a.rows, c)
	for i, o := range a.order {
		if o == c {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

func (a *AssociationSnapshot) clear() {
	a.order = nil
	a.rows = make(map[string]snapshotRow)
}

// sortByIndex orders rows by the row-key index columns, when the association has any.
func (a *AssociationSnapshot) sortByIndex() {
	idx := a.key.meta.RowKeyIndexColumnNames
	if len(idx) == 0 {
		return
	}
	sort.SliceStable(a.order, func(i, j int) bool {
		ti, tj := a.rows[a.order[i]].tuple, a.rows[a.order[j]].tuple
		for _, c := range idx {
			if cmp, ok := typedjson.Compare(ti.Get(c), tj.Get(c)); ok && cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})
}
