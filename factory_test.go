package dialect

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenBackend_Local(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  func(t *testing.T) BackendConfig
	}{
		{BackendGrid, func(t *testing.T) BackendConfig {
			return BackendConfig{Type: BackendGrid, Path: t.TempDir()}
		}},
		{BackendBolt, func(t *testing.T) BackendConfig {
			return BackendConfig{Type: BackendBolt, Path: filepath.Join(t.TempDir(), "dialect.db")}
		}},
		{BackendFilesystem, func(t *testing.T) BackendConfig {
			return BackendConfig{Type: BackendFilesystem, Bucket: filepath.Join(t.TempDir(), "nested", "base")}
		}},
		{BackendRedis, func(t *testing.T) BackendConfig {
			_, mr := setupTestRedis(t)
			return BackendConfig{Type: BackendRedis, KeyPrefix: "factory", Redis: RedisConfig{Addr: mr.Addr()}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := OpenBackend(ctx, tt.cfg(t), DefaultRetryConfig(), nil, nil)
			if err != nil {
				t.Fatalf("OpenBackend failed: %v", err)
			}
			if backend.Name() != tt.name {
				t.Errorf("Name = %q, want %q", backend.Name(), tt.name)
			}

			d := New(backend, testRegistry(t))
			defer d.Close()
			s := openSession(t, d)
			key := orderKey(t, d, 1)
			mustWrite(t, d, s, key, newOrder(d, key, "open"))
			expectColumn(t, mustGet(t, d, s, key), "status", "open")
		})
	}
}

func TestOpenBackend_Errors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		cfg     BackendConfig
		wantErr error
	}{
		{"missing type", BackendConfig{}, ErrInvalidConfig},
		{"unknown type", BackendConfig{Type: "cassandra"}, ErrInvalidConfig},
		{"grid without path", BackendConfig{Type: BackendGrid}, ErrInvalidConfig},
		{"redis without address", BackendConfig{Type: BackendRedis}, ErrInvalidConfig},
		{"unreachable redis", BackendConfig{Type: BackendRedis, Redis: RedisConfig{Addr: "127.0.0.1:1"}}, ErrBackendUnavailable},
		{"bad encryption key", BackendConfig{
			Type:    BackendFilesystem,
			Bucket:  t.TempDir(),
			Options: map[string]string{"encryptionKey": "too-short"},
		}, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := OpenBackend(ctx, tt.cfg, DefaultRetryConfig(), nil, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if backend != nil {
				backend.Close()
			}
		})
	}
}

func TestOpenBackend_EncryptedFilesystem(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := BackendConfig{
		Type:    BackendFilesystem,
		Bucket:  dir,
		Options: map[string]string{"encryptionKey": base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))},
	}
	backend, err := OpenBackend(ctx, cfg, DefaultRetryConfig(), nil, nil)
	if err != nil {
		t.Fatalf("OpenBackend failed: %v", err)
	}
	d := New(backend, testRegistry(t))
	defer d.Close()
	s := openSession(t, d)

	key := orderKey(t, d, 1)
	mustWrite(t, d, s, key, newOrder(d, key, "classified-status"))
	expectColumn(t, mustGet(t, d, s, key), "status", "classified-status")

	files := 0
	err = filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		files++
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.Contains(data, []byte("classified-status")) {
			t.Errorf("%s holds plaintext", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WalkDir failed: %v", err)
	}
	if files == 0 {
		t.Error("expected at least one stored object")
	}
}
