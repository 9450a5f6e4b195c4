package dialect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// OpenBackend builds the backend described by cfg.
//
// Object-store backends (s3, minio, gcs, filesystem) store documents; s3 and
// minio use conditional writes unless options["conditionalWrites"] is "false",
// in which case writes are checked with HEAD and, when cfg.Redis.Addr is set,
// serialized through a Redis lock.
func OpenBackend(ctx context.Context, cfg BackendConfig, retry RetryConfig, logger Logger, metrics Metrics) (Backend, error) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case BackendGrid:
		return NewFileGridBackend(cfg.Path, logger)

	case BackendPostgres:
		return NewPostgresGridBackend(ctx, cfg.DSN, logger)

	case BackendFilesystem:
		if err := ensureDir(cfg.Bucket); err != nil {
			return nil, err
		}
		return objectBackend(BackendFilesystem, NewFilesystemStore(cfg.Bucket), cfg, retry, logger, metrics)

	case BackendS3:
		awsCfg, err := loadAWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
				o.UsePathStyle = true
			}
		})
		return objectBackend(BackendS3, NewS3Store(client, cfg.Bucket, s3Options(cfg)...), cfg, retry, logger, metrics)

	case BackendMinIO:
		store := NewMinIOStore(MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.Options["accessKeyID"],
			SecretAccessKey: cfg.Options["secretAccessKey"],
			UseSSL:          cfg.Options["useSSL"] == "true",
			Bucket:          cfg.Bucket,
		}, s3Options(cfg)...)
		return objectBackend(BackendMinIO, store, cfg, retry, logger, metrics)

	case BackendGCS:
		store, err := NewGCSStore(ctx, GCSConfig{
			ProjectID:       cfg.Options["projectID"],
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.Options["credentialsFile"],
			Endpoint:        cfg.Endpoint,
		})
		if err != nil {
			return nil, err
		}
		return objectBackend(BackendGCS, store, cfg, retry, logger, metrics)

	case BackendRedis:
		client := redis.NewClient(cfg.Redis.Options())
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, WithContext(ErrBackendUnavailable, map[string]interface{}{
				"backend": BackendRedis,
				"addr":    cfg.Redis.Addr,
				"reason":  err.Error(),
			})
		}
		return newOwnedRedisBackend(client, cfg.KeyPrefix, retry, logger, metrics), nil

	case BackendBolt:
		return NewBoltBackend(cfg.Path, logger)

	case BackendDynamoDB:
		awsCfg, err := loadAWSConfig(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
		return NewDynamoDBBackend(client, cfg.Table, retry, logger, metrics), nil
	}

	return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
		"field": "Type",
		"value": cfg.Type,
	})
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}
	return awsCfg, nil
}

func s3Options(cfg BackendConfig) []S3StoreOption {
	if v, ok := cfg.Options["conditionalWrites"]; ok {
		if conditional, err := strconv.ParseBool(v); err == nil && !conditional {
			return []S3StoreOption{WithHeadCheckedWrites()}
		}
	}
	return nil
}

// objectBackend builds a document backend over objects. S3 stores that only
// check writes with HEAD get the Redis write lock, and options["encryptionKey"]
// turns on encryption at rest.
func objectBackend(name string, objects ObjectStore, cfg BackendConfig, retry RetryConfig, logger Logger, metrics Metrics) (Backend, error) {
	if store, ok := objects.(*S3Store); ok && store.headChecks {
		if cfg.Redis.Addr == "" {
			logger.Warn("object store writes are HEAD-checked without a lock; concurrent writers may race",
				"backend", name, "bucket", cfg.Bucket)
		} else {
			lock := NewDistributedLockWithOwnedClient(redis.NewClient(cfg.Redis.Options()), cfg.KeyPrefix).
				WithObservability(logger, metrics)
			objects = NewLockedObjectStore(store, lock)
		}
	}
	if encoded := cfg.Options["encryptionKey"]; encoded != "" {
		key, err := ParseEncryptionKey(encoded)
		if err != nil {
			return nil, err
		}
		if objects, err = NewEncryptedObjectStore(objects, key); err != nil {
			return nil, err
		}
	}
	return NewObjectDocumentBackend(name, objects, cfg.PathPrefix, retry, logger), nil
}

func ensureDir(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	return errors.Wrapf(os.MkdirAll(abs, DefaultDirPermissions), "create base directory %s", abs)
}
