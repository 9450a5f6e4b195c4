package dialect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Store implements ObjectStore using AWS S3 (or S3-compatible storage).
// Conditional writes use the If-Match and If-None-Match preconditions of
// PutObject.
type S3Store struct {
	client     *s3.Client
	bucket     string
	headChecks bool
}

// S3StoreOption configures an S3Store.
type S3StoreOption func(*S3Store)

// WithHeadCheckedWrites replaces PutObject preconditions with a HeadObject check
// before the write, for S3-compatible services that reject conditional puts.
//
// ⚠️ There is a race window between HeadObject and PutObject. Wrap the store in a
// LockedObjectStore when more than one writer can touch the same key.
func WithHeadCheckedWrites() S3StoreOption {
	return func(s *S3Store) { s.headChecks = true }
}

// NewS3Store creates a new S3 store
func NewS3Store(client *s3.Client, bucket string, opts ...S3StoreOption) *S3Store {
	s := &S3Store{client: client, bucket: bucket}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), "\"")
}

func quoteETag(etag string) *string {
	return aws.String("\"" + etag + "\"")
}

// s3Error maps S3 error codes onto package sentinels.
func s3Error(err error, key string) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "PreconditionFailed", "ConditionalRequestConflict":
			return WithContext(ErrConflict, map[string]interface{}{
				"key":    key,
				"reason": apiErr.ErrorCode(),
			})
		}
	}
	return err
}

// Get retrieves data for the given key from S3
func (b *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.GetWithETag(ctx, key)
	return data, err
}

// Put stores data for the given key to S3
func (b *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// Delete removes the object at the given key. S3 deletes are idempotent, so the
// object is checked first to report ErrNotFound.
func (b *S3Store) Delete(ctx context.Context, key string) error {
	exists, err := b.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return err
}

// Exists checks if an object exists at the given key in S3
func (b *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if IsNotFound(s3Error(err, key)) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetWithETag retrieves data and its ETag for optimistic locking from S3
func (b *S3Store) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", s3Error(err, key)
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", err
	}
	return data, trimETag(result.ETag), nil
}

// PutIfMatch writes only while the object still carries expectedETag.
func (b *S3Store) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if expectedETag != "" {
		if b.headChecks {
			head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(b.bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				if IsNotFound(s3Error(err, key)) {
					return "", WithContext(ErrConflict, map[string]interface{}{"key": key, "expected": expectedETag, "actual": ""})
				}
				return "", err
			}
			if current := trimETag(head.ETag); current != expectedETag {
				return "", WithContext(ErrConflict, map[string]interface{}{"key": key, "expected": expectedETag, "actual": current})
			}
		} else {
			input.IfMatch = quoteETag(expectedETag)
		}
	}

	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		err = s3Error(err, key)
		if IsNotFound(err) {
			return "", WithContext(ErrConflict, map[string]interface{}{"key": key, "expected": expectedETag, "actual": ""})
		}
		return "", err
	}
	return trimETag(out.ETag), nil
}

// PutIfAbsent creates the object only when the key is free.
func (b *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if b.headChecks {
		exists, err := b.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			return "", WithContext(ErrConflict, map[string]interface{}{"key": key, "reason": "already exists"})
		}
	} else {
		input.IfNoneMatch = aws.String("*")
	}

	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		return "", s3Error(err, key)
	}
	return trimETag(out.ETag), nil
}

// List returns all keys with the given prefix from S3
func (b *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.ListPaginated(ctx, prefix, func(batch []string) error {
		keys = append(keys, batch...)
		return nil
	})
	return keys, err
}

// ListPaginated streams keys with the given prefix in batches from S3
func (b *S3Store) ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return err
		}

		keys := make([]string, 0, len(output.Contents))
		for _, obj := range output.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if len(keys) == 0 {
			continue
		}
		if err := handler(keys); err != nil {
			return err
		}
	}
	return nil
}

// GetStream returns a reader for streaming large objects from S3
func (b *S3Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s3Error(err, key)
	}
	return result.Body, nil
}

// Ping checks if the bucket is accessible
func (b *S3Store) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	return err
}

// Close releases any resources held by the S3 store
func (b *S3Store) Close() error {
	// S3 client doesn't need explicit closing
	return nil
}
