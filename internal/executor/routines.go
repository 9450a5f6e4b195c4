package executor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/adrianmcphee/dialect/internal/storage"
	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// SequenceTable holds the current value of every sequence used through nextval.
const SequenceTable = "_sequences"

// Routine is a stored routine callable from a SELECT list. It runs inside the
// statement's transaction, so a read-increment-write is atomic.
type Routine func(tx *storage.Tx, args []any) (any, error)

// RoutineRegistry maps routine names to implementations. Names are case
// insensitive.
type RoutineRegistry struct {
	mu       sync.RWMutex
	routines map[string]Routine
}

// NewRoutineRegistry creates an empty registry
func NewRoutineRegistry() *RoutineRegistry {
	return &RoutineRegistry{routines: make(map[string]Routine)}
}

// DefaultRoutines returns a registry holding nextval and next_table_value.
func DefaultRoutines() *RoutineRegistry {
	r := NewRoutineRegistry()
	r.Register("nextval", nextval)
	r.Register("next_table_value", nextTableValue)
	return r
}

// Register adds or replaces a routine
func (r *RoutineRegistry) Register(name string, fn Routine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routines[strings.ToLower(name)] = fn
}

// Lookup finds a routine by name
func (r *RoutineRegistry) Lookup(name string) (Routine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.routines[strings.ToLower(name)]
	return fn, ok
}

// nextval(name, initial, increment) advances a named sequence. The first call
// returns initial.
func nextval(tx *storage.Tx, args []any) (any, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("nextval expects 3 arguments, got %d", len(args))
	}
	name := typedjson.String(args[0])
	initial, increment, err := bounds(args[1], args[2])
	if err != nil {
		return nil, fmt.Errorf("nextval(%s): %w", name, err)
	}
	return advance(tx, SequenceTable, "name", "value", name, initial, increment)
}

// next_table_value(table, key_column, value_column, key, initial, increment)
// advances the counter row identified by key.
func nextTableValue(tx *storage.Tx, args []any) (any, error) {
	if len(args) != 6 {
		return nil, fmt.Errorf("next_table_value expects 6 arguments, got %d", len(args))
	}
	table := typedjson.String(args[0])
	keyCol := typedjson.String(args[1])
	valCol := typedjson.String(args[2])
	initial, increment, err := bounds(args[4], args[5])
	if err != nil {
		return nil, fmt.Errorf("next_table_value(%s): %w", table, err)
	}
	return advance(tx, table, keyCol, valCol, args[3], initial, increment)
}

func advance(tx *storage.Tx, table, keyCol, valCol string, key any, initial, increment int64) (any, error) {
	if err := tx.Schema().Declare(table, []string{keyCol}); err != nil {
		return nil, err
	}
	rows, err := tx.Rows(table)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if !typedjson.Equal(row[keyCol], key) {
			continue
		}
		current, ok := typedjson.Normalize(row[valCol]).(int64)
		if !ok {
			return nil, fmt.Errorf("counter %s/%v holds %T, not an integer", table, key, row[valCol])
		}
		next := current + increment
		row[valCol] = next
		tx.Replace(table, rows)
		return next, nil
	}
	if _, err := tx.Insert(table, storage.Row{keyCol: typedjson.Normalize(key), valCol: initial}); err != nil {
		return nil, err
	}
	return initial, nil
}

func bounds(initial, increment any) (int64, int64, error) {
	i, ok := typedjson.Normalize(initial).(int64)
	if !ok {
		return 0, 0, fmt.Errorf("initial value %v is not an integer", initial)
	}
	inc, ok := typedjson.Normalize(increment).(int64)
	if !ok || inc == 0 {
		return 0, 0, fmt.Errorf("increment %v is not a non-zero integer", increment)
	}
	return i, inc, nil
}
