package storage

import (
	"fmt"
	"os"
)

// Store combines schema and data storage
type Store struct {
	Schema *SchemaStore
	Data   *DataStore
}

// NewStore opens (creating if needed) a store rooted at dataDir
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	schema, err := NewSchemaStore(dataDir)
	if err != nil {
		return nil, err
	}

	data := NewDataStore(dataDir, schema)

	return &Store{
		Schema: schema,
		Data:   data,
	}, nil
}
