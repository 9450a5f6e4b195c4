package dialect

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Configuration constants for dialect operations
const (
	// Compare-and-swap retry configuration
	DefaultMaxRetries      = 5
	DefaultInitialBackoff  = 10 * time.Millisecond
	DefaultBackoffMultiple = 2
	DefaultJitterPercent   = 0.5

	DefaultListPaginatedSize = 100
	DefaultScanPageSize      = 200

	// File backend configuration
	DefaultFilePermissions = 0644
	DefaultDirPermissions  = 0755

	DefaultKeyPrefix = "dialect"
)

// Backend type names accepted by BackendConfig.Type.
const (
	BackendGrid       = "grid"
	BackendPostgres   = "postgres"
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendMinIO      = "minio"
	BackendGCS        = "gcs"
	BackendRedis      = "redis"
	BackendBolt       = "bolt"
	BackendDynamoDB   = "dynamodb"
)

// Config is the top-level configuration loaded by LoadConfig.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Retry   RetryConfig   `yaml:"retry"`
}

// BackendConfig holds configuration for any backend
type BackendConfig struct {
	Type       string            `yaml:"type"`       // see Backend* constants
	Bucket     string            `yaml:"bucket"`     // object-store bucket or base directory
	Path       string            `yaml:"path"`       // grid data directory or bolt file
	Region     string            `yaml:"region"`     // AWS region (s3, dynamodb)
	Endpoint   string            `yaml:"endpoint"`   // custom endpoint (minio, localstack)
	PathPrefix string            `yaml:"pathPrefix"` // optional prefix for object keys
	DSN        string            `yaml:"dsn"`        // postgres connection string
	Table      string            `yaml:"table"`      // dynamodb table
	KeyPrefix  string            `yaml:"keyPrefix"`  // redis key namespace
	Redis      RedisConfig       `yaml:"redis"`
	Options    map[string]string `yaml:"options"` // backend-specific options
}

// RedisConfig configures the redis backend and the S3 write lock.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string   `yaml:"level"`
	Development bool     `yaml:"development"`
	OutputPaths []string `yaml:"outputPaths"`
}

func (c LoggingConfig) levelOrDefault() string {
	if c.Level == "" {
		return "info"
	}
	return c.Level
}

// MetricsConfig enables Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int           `yaml:"maxRetries"`
	InitialBackoff  time.Duration `yaml:"initialBackoff"`
	BackoffMultiple int           `yaml:"backoffMultiple"`
	JitterPercent   float64       `yaml:"jitterPercent"`
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.BackoffMultiple < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiple",
			"value":  c.BackoffMultiple,
			"reason": "must be >= 1",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Type == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}

	required := func(field, value, reason string) error {
		if value != "" {
			return nil
		}
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  field,
			"value":  c.Type,
			"reason": reason,
		})
	}

	// Type-specific validation
	switch c.Type {
	case BackendGrid, BackendBolt:
		return required("Path", c.Path, "data path is required")
	case BackendPostgres:
		return required("DSN", c.DSN, "postgres backend requires a DSN")
	case BackendFilesystem, BackendGCS:
		return required("Bucket", c.Bucket, "bucket/base path is required")
	case BackendS3, BackendMinIO:
		if err := required("Bucket", c.Bucket, "bucket is required"); err != nil {
			return err
		}
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case BackendRedis:
		return required("Redis.Addr", c.Redis.Addr, "redis address is required")
	case BackendDynamoDB:
		if err := required("Table", c.Table, "dynamodb table is required"); err != nil {
			return err
		}
		return required("Region", c.Region, "dynamodb region is required")
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Backend.Validate(); err != nil {
		return err
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.levelOrDefault()) {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Logging.Level",
			"value":  c.Logging.Level,
			"reason": "unknown log level",
		})
	}
	return nil
}

// DefaultConfig returns a configuration for the embedded grid engine under ./data.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{Type: BackendGrid, Path: "./data", KeyPrefix: DefaultKeyPrefix},
		Logging: LoggingConfig{Level: "info"},
		Retry:   DefaultRetryConfig(),
	}
}

// LoadConfig reads a YAML configuration file. A .env file next to the working
// directory is loaded first when present; ${VAR} references in the YAML are expanded
// and DIALECT_* / REDIS_* variables override file values.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"file":   ".env",
			"reason": err.Error(),
		})
	}

	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
			return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
				"file":   path,
				"reason": err.Error(),
			})
		}
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]*string{
		"DIALECT_BACKEND":    &cfg.Backend.Type,
		"DIALECT_PATH":       &cfg.Backend.Path,
		"DIALECT_BUCKET":     &cfg.Backend.Bucket,
		"DIALECT_REGION":     &cfg.Backend.Region,
		"DIALECT_ENDPOINT":   &cfg.Backend.Endpoint,
		"DIALECT_DSN":        &cfg.Backend.DSN,
		"DIALECT_TABLE":      &cfg.Backend.Table,
		"DIALECT_KEY_PREFIX": &cfg.Backend.KeyPrefix,
		"DIALECT_LOG_LEVEL":  &cfg.Logging.Level,
		"REDIS_ADDR":         &cfg.Backend.Redis.Addr,
		"REDIS_PASSWORD":     &cfg.Backend.Redis.Password,
	}
	for env, field := range overrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			*field = v
		}
	}
	cfg.Backend.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Backend.Redis.DB)
	if v := os.Getenv("DIALECT_METRICS"); v != "" {
		cfg.Metrics.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}
