package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrianmcphee/dialect/internal/typedjson"
)

// Row represents a single row of data. Values are typedjson-normalized.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// DataStore manages row data as JSONL files (one file per table). Access goes
// through transactions; one transaction runs at a time.
type DataStore struct {
	dataDir string
	schema  *SchemaStore
	sem     chan struct{}
}

// NewDataStore creates a new data store
func NewDataStore(dataDir string, schema *SchemaStore) *DataStore {
	return &DataStore{
		dataDir: dataDir,
		schema:  schema,
		sem:     make(chan struct{}, 1),
	}
}

// tablePath returns the path to a table's JSONL file
func (d *DataStore) tablePath(tableName string) string {
	return filepath.Join(d.dataDir, tableName+".jsonl")
}

// readAllRows reads all rows from a table's JSONL file
func (d *DataStore) readAllRows(tableName string) ([]Row, error) {
	path := d.tablePath(tableName)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Row{}, nil
		}
		return nil, err
	}
	defer file.Close()

	var rows []Row
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		row, err := typedjson.UnmarshalMap(line)
		if err != nil {
			return nil, fmt.Errorf("table %s line %d: %w", tableName, lineNo, err)
		}
		rows = append(rows, Row(row))
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return rows, nil
}

// writeAllRows writes all rows to a table's JSONL file atomically
func (d *DataStore) writeAllRows(tableName string, rows []Row) error {
	path := d.tablePath(tableName)
	tempPath := path + ".tmp"

	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	writer := bufio.NewWriter(file)
	for _, row := range rows {
		data, err := typedjson.MarshalMap(row)
		if err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("marshal row: %w", err)
		}
		if _, err := writer.Write(data); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("write row: %w", err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			file.Close()
			os.Remove(tempPath)
			return fmt.Errorf("write newline: %w", err)
		}
	}

	if err := writer.Flush(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("flush: %w", err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename: %w", err)
	}

	return nil
}

// Tx is a working set of tables. Changes are written when it commits and
// dropped when it rolls back.
type Tx struct {
	store  *DataStore
	tables map[string][]Row
	dirty  map[string]bool
	done   bool
}

// Begin waits for exclusive access and starts a transaction.
func (d *DataStore) Begin(ctx context.Context) (*Tx, error) {
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Tx{
		store:  d,
		tables: make(map[string][]Row),
		dirty:  make(map[string]bool),
	}, nil
}

// Schema returns the schema store the transaction's tables are declared in.
func (tx *Tx) Schema() *SchemaStore {
	return tx.store.schema
}

// Rows returns the working rows of a table. Tables without data are empty.
func (tx *Tx) Rows(tableName string) ([]Row, error) {
	if tx.done {
		return nil, fmt.Errorf("transaction already finished")
	}
	if rows, ok := tx.tables[tableName]; ok {
		return rows, nil
	}
	rows, err := tx.store.readAllRows(tableName)
	if err != nil {
		return nil, err
	}
	tx.tables[tableName] = rows
	return rows, nil
}

// Replace sets the working rows of a table.
func (tx *Tx) Replace(tableName string, rows []Row) {
	tx.tables[tableName] = rows
	tx.dirty[tableName] = true
}

// Insert appends a row unless a row with the same primary key exists. It
// reports whether the row was added.
func (tx *Tx) Insert(tableName string, row Row) (bool, error) {
	rows, err := tx.Rows(tableName)
	if err != nil {
		return false, err
	}
	if table, err := tx.store.schema.GetTable(tableName); err == nil {
		if pk := table.PrimaryKey(); len(pk) > 0 {
			for _, existing := range rows {
				if SameKey(existing, row, pk) {
					return false, nil
				}
			}
		}
	}
	tx.Replace(tableName, append(rows, row))
	return true, nil
}

// SameKey reports whether two rows agree on every key column.
func SameKey(a, b Row, key []string) bool {
	for _, c := range key {
		if !typedjson.Equal(a[c], b[c]) {
			return false
		}
	}
	return true
}

// Commit writes every changed table and ends the transaction.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	defer tx.finish()
	for tableName := range tx.dirty {
		if err := tx.store.writeAllRows(tableName, tx.tables[tableName]); err != nil {
			return fmt.Errorf("commit %s: %w", tableName, err)
		}
	}
	return nil
}

// Rollback drops the working set and ends the transaction.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.finish()
}

func (tx *Tx) finish() {
	tx.done = true
	tx.tables = nil
	tx.dirty = nil
	<-tx.store.sem
}

// Scan returns all rows in a table
func (d *DataStore) Scan(ctx context.Context, tableName string) ([]Row, error) {
	tx, err := d.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return tx.Rows(tableName)
}

// Count returns the number of rows in a table
func (d *DataStore) Count(ctx context.Context, tableName string) (int, error) {
	rows, err := d.Scan(ctx, tableName)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}
