package dialect

import (
	"sort"

	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// TupleState tracks whether a tuple has been written to the backend.
type TupleState int

const (
	// TupleNew has never been persisted; writing it inserts.
	TupleNew TupleState = iota
	// TupleExisting was read from or written to the backend; writing it updates.
	TupleExisting
)

func (s TupleState) String() string {
	if s == TupleNew {
		return "new"
	}
	return "existing"
}

// Tuple is an ordered column map over one record, with the values last seen in
// the backend kept as a snapshot for change tracking. Column names may be dotted
// embedded paths such as "engine.producer.phone".
//
// A Tuple is owned by the caller that fetched it and is not safe for concurrent use.
type Tuple struct {
	names    []string
	values   map[string]any
	snapshot map[string]any
	state    TupleState
}

// NewTuple returns an empty tuple in the new state.
func NewTuple() *Tuple {
	return &Tuple{
		values:   make(map[string]any),
		snapshot: make(map[string]any),
		state:    TupleNew,
	}
}

// newExistingTuple wraps decoded backend columns; the snapshot equals the values.
func newExistingTuple(cols []Column) *Tuple {
	t := NewTuple()
	for _, c := range cols {
		t.Put(c.Name, c.Value)
	}
	t.markPersisted()
	return t
}

// State returns the lifecycle state.
func (t *Tuple) State() TupleState { return t.state }

// IsNew reports whether the tuple has not been persisted yet.
func (t *Tuple) IsNew() bool { return t.state == TupleNew }

// Get returns a column value, or nil when absent.
func (t *Tuple) Get(name string) any {
	return t.values[name]
}

// Lookup returns a column value and whether the column is present.
func (t *Tuple) Lookup(name string) (any, bool) {
	v, ok := t.values[name]
	return v, ok
}

// Put sets a column. Integer and float values are normalized to int64 and float64.
func (t *Tuple) Put(name string, value any) {
	if _, ok := t.values[name]; !ok {
		t.names = append(t.names, name)
	}
	t.values[name] = typedjson.Normalize(value)
}

// Remove deletes a column. A persisted column that is removed shows up in
// Changes with a nil value so the backend clears it.
func (t *Tuple) Remove(name string) {
	if _, ok := t.values[name]; !ok {
		return
	}
	delete(t.values, name)
	for i, n := range t.names {
		if n == name {
			t.names = append(t.names[:i], t.names[i+1:]...)
			break
		}
	}
}

// ColumnNames returns the columns in insertion order.
func (t *Tuple) ColumnNames() []string {
	return append([]string(nil), t.names...)
}

// Columns returns the columns in insertion order.
func (t *Tuple) Columns() []Column {
	cols := make([]Column, len(t.names))
	for i, n := range t.names {
		cols[i] = Column{Name: n, Value: t.values[n]}
	}
	return cols
}

// Len returns the number of columns.
func (t *Tuple) Len() int { return len(t.names) }

// SnapshotValue returns the value the backend held when the tuple was read or last written.
func (t *Tuple) SnapshotValue(name string) (any, bool) {
	v, ok := t.snapshot[name]
	return v, ok
}

// Changes returns the columns whose value differs from the snapshot. Columns
// removed since the snapshot are reported with a nil value, after the others.
func (t *Tuple) Changes() []Column {
	var changes []Column
	for _, n := range t.names {
		old, seen := t.snapshot[n]
		if !seen || !typedjson.Equal(old, t.values[n]) {
			changes = append(changes, Column{Name: n, Value: t.values[n]})
		}
	}
	var removed []string
	for n := range t.snapshot {
		if _, ok := t.values[n]; !ok {
			removed = append(removed, n)
		}
	}
	sort.Strings(removed)
	for _, n := range removed {
		changes = append(changes, Column{Name: n, Value: nil})
	}
	return changes
}

// Clone returns an independent copy with the same state and snapshot.
func (t *Tuple) Clone() *Tuple {
	c := &Tuple{
		names:    append([]string(nil), t.names...),
		values:   make(map[string]any, len(t.values)),
		snapshot: make(map[string]any, len(t.snapshot)),
		state:    t.state,
	}
	for k, v := range t.values {
		c.values[k] = v
	}
	for k, v := range t.snapshot {
		c.snapshot[k] = v
	}
	return c
}

// markPersisted makes the current values the snapshot and the tuple existing.
func (t *Tuple) markPersisted() {
	t.snapshot = make(map[string]any, len(t.values))
	for k, v := range t.values {
		t.snapshot[k] = v
	}
	t.state = TupleExisting
}
