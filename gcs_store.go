package dialect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore using Google Cloud Storage. The object
// generation serves as the ETag, and conditional writes use generation
// preconditions.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// GCSConfig contains GCS-specific configuration
type GCSConfig struct {
	ProjectID       string
	Bucket          string
	CredentialsFile string // Path to service account JSON file (optional, uses ADC if empty)
	Endpoint        string // Optional endpoint override, e.g. a local emulator
}

// NewGCSStore creates a new GCS store
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	// If no credentials file, uses Application Default Credentials (ADC)

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return NewGCSStoreWithClient(client, cfg.Bucket), nil
}

// NewGCSStoreWithClient wraps an existing client. Close closes the client.
func NewGCSStoreWithClient(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (b *GCSStore) object(key string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(key)
}

func (b *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.GetWithETag(ctx, key)
	return data, err
}

func (b *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.write(ctx, b.object(key), key, data)
	return err
}

// write uploads data through obj, which may carry preconditions, and returns the
// new generation.
func (b *GCSStore) write(ctx context.Context, obj *storage.ObjectHandle, key string, data []byte) (string, error) {
	writer := obj.NewWriter(ctx)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return "", err
	}
	if err := writer.Close(); err != nil {
		if preconditionFailed(err) {
			return "", WithContext(ErrConflict, map[string]interface{}{"key": key})
		}
		return "", err
	}
	return strconv.FormatInt(writer.Attrs().Generation, 10), nil
}

func (b *GCSStore) Delete(ctx context.Context, key string) error {
	err := b.object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	return err
}

func (b *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetWithETag reads the object and the generation it was read at.
func (b *GCSStore) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	reader, err := b.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", err
	}
	return data, strconv.FormatInt(reader.Attrs.Generation, 10), nil
}

// PutIfMatch writes only while the object is still at the expected generation.
func (b *GCSStore) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	obj := b.object(key)
	if expectedETag != "" {
		gen, err := strconv.ParseInt(expectedETag, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid ETag format: %w", err)
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}
	return b.write(ctx, obj, key, data)
}

// PutIfAbsent writes only when no generation of the object exists.
func (b *GCSStore) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	return b.write(ctx, b.object(key).If(storage.Conditions{DoesNotExist: true}), key, data)
}

func (b *GCSStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.ListPaginated(ctx, prefix, func(batch []string) error {
		keys = append(keys, batch...)
		return nil
	})
	return keys, err
}

func (b *GCSStore) ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error {
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	batch := make([]string, 0, DefaultListPaginatedSize)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		batch = append(batch, attrs.Name)
		if len(batch) >= DefaultListPaginatedSize {
			if err := handler(batch); err != nil {
				return err
			}
			batch = make([]string, 0, DefaultListPaginatedSize)
		}
	}
	if len(batch) > 0 {
		return handler(batch)
	}
	return nil
}

func (b *GCSStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := b.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	return reader, err
}

func (b *GCSStore) Ping(ctx context.Context) error {
	_, err := b.client.Bucket(b.bucket).Attrs(ctx)
	return err
}

func (b *GCSStore) Close() error {
	return b.client.Close()
}
