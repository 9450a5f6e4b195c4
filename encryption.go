package dialect

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

// EncryptedObjectStore encrypts documents at rest with AES-256-GCM. Each object
// is nonce || ciphertext. ETags are those of the stored ciphertext, so
// conditional writes behave exactly as on the wrapped store.
//
//	key, _ := ParseEncryptionKey(os.Getenv("DIALECT_ENCRYPTION_KEY"))
//	store, _ := NewEncryptedObjectStore(NewFilesystemStore(dir), key)
//	backend := NewObjectDocumentBackend(BackendFilesystem, store, "", DefaultRetryConfig(), logger)
type EncryptedObjectStore struct {
	ObjectStore
	aead cipher.AEAD
}

// NewEncryptedObjectStore wraps store. Key must be exactly 32 bytes.
func NewEncryptedObjectStore(store ObjectStore, key []byte) (*EncryptedObjectStore, error) {
	if len(key) != 32 {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"expected_key_length": 32,
			"actual_key_length":   len(key),
			"reason":              "AES-256 requires 32-byte key",
		})
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &EncryptedObjectStore{ObjectStore: store, aead: gcm}, nil
}

// ParseEncryptionKey decodes a base64 (standard or URL alphabet) 32-byte key.
func ParseEncryptionKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil && len(key) == 32 {
			return key, nil
		}
	}
	return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
		"field":  "encryptionKey",
		"reason": "expected 32 bytes, base64 encoded",
	})
}

func (e *EncryptedObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	encrypted, err := e.ObjectStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.decrypt(key, encrypted)
}

func (e *EncryptedObjectStore) Put(ctx context.Context, key string, data []byte) error {
	encrypted, err := e.encrypt(data)
	if err != nil {
		return err
	}
	return e.ObjectStore.Put(ctx, key, encrypted)
}

func (e *EncryptedObjectStore) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	encrypted, etag, err := e.ObjectStore.GetWithETag(ctx, key)
	if err != nil {
		return nil, "", err
	}
	decrypted, err := e.decrypt(key, encrypted)
	if err != nil {
		return nil, "", err
	}
	return decrypted, etag, nil
}

func (e *EncryptedObjectStore) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	encrypted, err := e.encrypt(data)
	if err != nil {
		return "", err
	}
	return e.ObjectStore.PutIfMatch(ctx, key, encrypted, expectedETag)
}

func (e *EncryptedObjectStore) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	encrypted, err := e.encrypt(data)
	if err != nil {
		return "", err
	}
	return e.ObjectStore.PutIfAbsent(ctx, key, encrypted)
}

// GetStream buffers the object; GCM cannot authenticate a partial read.
func (e *EncryptedObjectStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	data, err := e.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (e *EncryptedObjectStore) encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (e *EncryptedObjectStore) decrypt(key string, ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":        key,
			"reason":     "ciphertext too short",
			"min_length": nonceSize,
			"actual":     len(ciphertext),
		})
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, WithContext(ErrInvalidData, map[string]interface{}{
			"key":    key,
			"reason": "decryption failed",
		})
	}
	return plaintext, nil
}
