package dialect

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilesystemStore implements ObjectStore using a local directory.
type FilesystemStore struct {
	basePath string
	locks    *StripedLocks // per-key locking for conditional writes
}

// NewFilesystemStore creates a filesystem store with 32 lock stripes
func NewFilesystemStore(basePath string) *FilesystemStore {
	return NewFilesystemStoreWithStripes(basePath, 32)
}

// NewFilesystemStoreWithStripes creates a filesystem store with a custom stripe count
func NewFilesystemStoreWithStripes(basePath string, stripes int) *FilesystemStore {
	return &FilesystemStore{
		basePath: basePath,
		locks:    NewStripedLocks(stripes),
	}
}

func (b *FilesystemStore) getPath(key string) string {
	return filepath.Join(b.basePath, filepath.FromSlash(key))
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func (b *FilesystemStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *FilesystemStore) Put(ctx context.Context, key string, data []byte) error {
	unlock := b.locks.Lock(key)
	defer unlock()
	return b.write(key, data)
}

// write replaces the file atomically via a temp file and rename.
func (b *FilesystemStore) write(key string, data []byte) error {
	path := b.getPath(key)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), DefaultFilePermissions); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (b *FilesystemStore) Delete(ctx context.Context, key string) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	if err := os.Remove(b.getPath(key)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

func (b *FilesystemStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.getPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *FilesystemStore) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	data, err := b.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return data, etagOf(data), nil
}

func (b *FilesystemStore) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	// Lock this specific key to ensure atomic check-and-write
	unlock := b.locks.Lock(key)
	defer unlock()

	if expectedETag != "" {
		_, currentETag, err := b.GetWithETag(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				return "", WithContext(ErrConflict, map[string]interface{}{
					"key":      key,
					"expected": expectedETag,
					"actual":   "",
				})
			}
			return "", err
		}

		if currentETag != expectedETag {
			return "", WithContext(ErrConflict, map[string]interface{}{
				"key":      key,
				"expected": expectedETag,
				"actual":   currentETag,
			})
		}
	}

	if err := b.write(key, data); err != nil {
		return "", err
	}
	return etagOf(data), nil
}

func (b *FilesystemStore) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	unlock := b.locks.Lock(key)
	defer unlock()

	exists, err := b.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return "", WithContext(ErrConflict, map[string]interface{}{
			"key":    key,
			"reason": "already exists",
		})
	}
	if err := b.write(key, data); err != nil {
		return "", err
	}
	return etagOf(data), nil
}

func (b *FilesystemStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.ListPaginated(ctx, prefix, func(batch []string) error {
		keys = append(keys, batch...)
		return nil
	})
	return keys, err
}

// ListPaginated walks the directory under prefix in lexical order.
// Temp files from in-flight writes are skipped.
func (b *FilesystemStore) ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error {
	searchPath := b.getPath(prefix)
	if _, err := os.Stat(searchPath); os.IsNotExist(err) {
		return nil
	}

	batch := make([]string, 0, DefaultListPaginatedSize)
	err := filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || filepath.Base(path)[0] == '.' {
			return nil
		}
		relPath, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return err
		}
		batch = append(batch, filepath.ToSlash(relPath))

		if len(batch) >= DefaultListPaginatedSize {
			if err := handler(batch); err != nil {
				return err
			}
			batch = make([]string, 0, DefaultListPaginatedSize)
		}
		return nil
	})

	if len(batch) > 0 && err == nil {
		err = handler(batch)
	}
	return err
}

func (b *FilesystemStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(b.getPath(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

func (b *FilesystemStore) Ping(ctx context.Context) error {
	info, err := os.Stat(b.basePath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("base path is not a directory: %s", b.basePath)
	}

	testFile := filepath.Join(b.basePath, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), DefaultFilePermissions); err != nil {
		return fmt.Errorf("cannot write to base path: %w", err)
	}
	os.Remove(testFile)
	return nil
}

func (b *FilesystemStore) Close() error {
	return nil
}
