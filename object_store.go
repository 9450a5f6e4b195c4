package dialect

import (
	"context"
	"io"
)

// ObjectStore is the blob layer under the document backend. It allows the
// document backend to work with S3, GCS, MinIO or a local directory.
type ObjectStore interface {
	// Object operations
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Conditional operations (for optimistic locking)
	// Returns ETag after successful put
	PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error)
	GetWithETag(ctx context.Context, key string) (data []byte, etag string, err error)
	// PutIfAbsent creates key only when it does not exist yet.
	// It returns ErrConflict when the key already exists.
	PutIfAbsent(ctx context.Context, key string, data []byte) (string, error)

	// List operations
	List(ctx context.Context, prefix string) ([]string, error)
	ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error

	// Streaming
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}
