package dialect

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRetryConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  RetryConfig
		wantErr bool
	}{
		{
			name: "valid config",
			config: RetryConfig{
				MaxRetries:      3,
				InitialBackoff:  10 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   0.1,
			},
			wantErr: false,
		},
		{
			name: "default config",
			config: RetryConfig{
				MaxRetries:      5,
				InitialBackoff:  50 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   0.2,
			},
			wantErr: false,
		},
		{
			name: "zero retries valid",
			config: RetryConfig{
				MaxRetries:      0,
				InitialBackoff:  10 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   0.1,
			},
			wantErr: false,
		},
		{
			name: "negative retries invalid",
			config: RetryConfig{
				MaxRetries:      -1,
				InitialBackoff:  10 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   0.1,
			},
			wantErr: true,
		},
		{
			name: "zero backoff invalid",
			config: RetryConfig{
				MaxRetries:      3,
				InitialBackoff:  0,
				BackoffMultiple: 2,
				JitterPercent:   0.1,
			},
			wantErr: true,
		},
		{
			name: "negative backoff invalid",
			config: RetryConfig{
				MaxRetries:      3,
				InitialBackoff:  -1 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   0.1,
			},
			wantErr: true,
		},
		{
			name: "negative jitter invalid",
			config: RetryConfig{
				MaxRetries:      3,
				InitialBackoff:  10 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   -0.1,
			},
			wantErr: true,
		},
		{
			name: "jitter > 1 invalid",
			config: RetryConfig{
				MaxRetries:      3,
				InitialBackoff:  10 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   1.5,
			},
			wantErr: true,
		},
		{
			name: "jitter exactly 1 valid",
			config: RetryConfig{
				MaxRetries:      3,
				InitialBackoff:  10 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   1.0,
			},
			wantErr: false,
		},
		{
			name: "zero jitter valid",
			config: RetryConfig{
				MaxRetries:      3,
				InitialBackoff:  10 * time.Millisecond,
				BackoffMultiple: 2,
				JitterPercent:   0.0,
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}

			if tt.wantErr && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestBackendConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  BackendConfig
		wantErr bool
	}{
		{
			name:   "valid grid config",
			config: BackendConfig{Type: BackendGrid, Path: "/tmp/grid"},
		},
		{
			name:    "grid without path invalid",
			config:  BackendConfig{Type: BackendGrid},
			wantErr: true,
		},
		{
			name:   "valid postgres config",
			config: BackendConfig{Type: BackendPostgres, DSN: "postgres://localhost/dialect"},
		},
		{
			name:    "postgres without dsn invalid",
			config:  BackendConfig{Type: BackendPostgres},
			wantErr: true,
		},
		{
			name:   "valid S3 config",
			config: BackendConfig{Type: BackendS3, Bucket: "my-bucket", Region: "us-west-2"},
		},
		{
			name:   "S3 with endpoint only valid",
			config: BackendConfig{Type: BackendS3, Bucket: "my-bucket", Endpoint: "http://localhost:9000"},
		},
		{
			name:    "S3 without bucket invalid",
			config:  BackendConfig{Type: BackendS3, Region: "us-west-2"},
			wantErr: true,
		},
		{
			name:    "S3 without region or endpoint invalid",
			config:  BackendConfig{Type: BackendS3, Bucket: "my-bucket"},
			wantErr: true,
		},
		{
			name:   "valid minio config",
			config: BackendConfig{Type: BackendMinIO, Bucket: "dialect", Endpoint: "localhost:9000"},
		},
		{
			name:   "valid filesystem config",
			config: BackendConfig{Type: BackendFilesystem, Bucket: "/tmp/data"},
		},
		{
			name:    "filesystem without bucket invalid",
			config:  BackendConfig{Type: BackendFilesystem},
			wantErr: true,
		},
		{
			name:   "valid gcs config",
			config: BackendConfig{Type: BackendGCS, Bucket: "dialect"},
		},
		{
			name:   "valid redis config",
			config: BackendConfig{Type: BackendRedis, Redis: RedisConfig{Addr: "localhost:6379"}},
		},
		{
			name:    "redis without address invalid",
			config:  BackendConfig{Type: BackendRedis},
			wantErr: true,
		},
		{
			name:   "valid bolt config",
			config: BackendConfig{Type: BackendBolt, Path: "/tmp/dialect.db"},
		},
		{
			name:   "valid dynamodb config",
			config: BackendConfig{Type: BackendDynamoDB, Table: "dialect", Region: "eu-west-1"},
		},
		{
			name:    "dynamodb without table invalid",
			config:  BackendConfig{Type: BackendDynamoDB, Region: "eu-west-1"},
			wantErr: true,
		},
		{
			name:    "dynamodb without region invalid",
			config:  BackendConfig{Type: BackendDynamoDB, Table: "dialect"},
			wantErr: true,
		},
		{
			name:    "empty type invalid",
			config:  BackendConfig{Bucket: "my-bucket"},
			wantErr: true,
		},
		{
			name:    "unknown type invalid",
			config:  BackendConfig{Type: "cassandra", Bucket: "/tmp"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestConfigValidate_LogLevel(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig should be valid: %v", err)
	}

	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown level, got %v", err)
	}

	cfg.Logging.Level = "WARN"
	if err := cfg.Validate(); err != nil {
		t.Errorf("log level should be case-insensitive: %v", err)
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if err := config.Validate(); err != nil {
		t.Errorf("DefaultRetryConfig should be valid: %v", err)
	}
	if config.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", config.MaxRetries, DefaultMaxRetries)
	}
	if config.InitialBackoff != DefaultInitialBackoff {
		t.Errorf("InitialBackoff = %v, want %v", config.InitialBackoff, DefaultInitialBackoff)
	}
	if config.BackoffMultiple != DefaultBackoffMultiple {
		t.Errorf("BackoffMultiple = %d, want %d", config.BackoffMultiple, DefaultBackoffMultiple)
	}
	if config.JitterPercent != DefaultJitterPercent {
		t.Errorf("JitterPercent = %f, want %f", config.JitterPercent, DefaultJitterPercent)
	}
}

func TestRetryConfigBackoff(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialBackoff: 10 * time.Millisecond, BackoffMultiple: 2}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		if got := cfg.backoff(i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}

	cfg.JitterPercent = 0.5
	if got := cfg.backoff(0); got != 15*time.Millisecond {
		t.Errorf("backoff(0) with full jitter = %v, want 15ms", got)
	}
	if got := cfg.backoff(1); got != 25*time.Millisecond {
		t.Errorf("backoff(1) with half jitter = %v, want 25ms", got)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dialect.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// clearConfigEnv blanks every variable LoadConfig reads.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"DIALECT_BACKEND", "DIALECT_PATH", "DIALECT_BUCKET", "DIALECT_REGION",
		"DIALECT_ENDPOINT", "DIALECT_DSN", "DIALECT_TABLE", "DIALECT_KEY_PREFIX",
		"DIALECT_LOG_LEVEL", "DIALECT_METRICS", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	} {
		t.Setenv(env, "")
	}
}

func TestLoadConfig_YAML(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("TEST_REDIS_HOST", "cache.internal")

	path := writeConfig(t, `
backend:
  type: redis
  keyPrefix: shop
  redis:
    addr: ${TEST_REDIS_HOST}:6380
    db: 2
logging:
  level: debug
metrics:
  enabled: true
  namespace: shop
retry:
  maxRetries: 7
  initialBackoff: 25ms
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Backend.Type != BackendRedis {
		t.Errorf("Backend.Type = %q, want redis", cfg.Backend.Type)
	}
	if cfg.Backend.KeyPrefix != "shop" {
		t.Errorf("Backend.KeyPrefix = %q, want shop", cfg.Backend.KeyPrefix)
	}
	if cfg.Backend.Redis.Addr != "cache.internal:6380" {
		t.Errorf("Redis.Addr = %q, want expanded address", cfg.Backend.Redis.Addr)
	}
	if cfg.Backend.Redis.DB != 2 {
		t.Errorf("Redis.DB = %d, want 2", cfg.Backend.Redis.DB)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Namespace != "shop" {
		t.Errorf("Metrics = %+v, want enabled with namespace shop", cfg.Metrics)
	}
	if cfg.Retry.MaxRetries != 7 || cfg.Retry.InitialBackoff != 25*time.Millisecond {
		t.Errorf("Retry = %+v, want 7 retries from 25ms", cfg.Retry)
	}
	// Unset retry fields keep their defaults
	if cfg.Retry.BackoffMultiple != DefaultBackoffMultiple {
		t.Errorf("Retry.BackoffMultiple = %d, want default %d", cfg.Retry.BackoffMultiple, DefaultBackoffMultiple)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	dir := t.TempDir()
	t.Setenv("DIALECT_BACKEND", BackendBolt)
	t.Setenv("DIALECT_PATH", filepath.Join(dir, "dialect.db"))
	t.Setenv("DIALECT_LOG_LEVEL", "warn")
	t.Setenv("DIALECT_METRICS", "true")

	path := writeConfig(t, `
backend:
  type: grid
  path: ./ignored
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Backend.Type != BackendBolt {
		t.Errorf("Backend.Type = %q, want bolt", cfg.Backend.Type)
	}
	if cfg.Backend.Path != filepath.Join(dir, "dialect.db") {
		t.Errorf("Backend.Path = %q, want override", cfg.Backend.Path)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled {
		t.Error("DIALECT_METRICS=true should enable metrics")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	clearConfigEnv(t)

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig(\"\") failed: %v", err)
	}
	if cfg.Backend.Type != BackendGrid || cfg.Backend.Path != "./data" {
		t.Errorf("expected default grid backend, got %+v", cfg.Backend)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	clearConfigEnv(t)

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "backend: [unterminated")
		if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})

	t.Run("invalid backend", func(t *testing.T) {
		path := writeConfig(t, "backend:\n  type: redis\n")
		if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
