package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type CacheBackend string

const (
	CacheBackendLocal    CacheBackend = "local"
	CacheBackendS3       CacheBackend = "s3"
	CacheBackendPostgres CacheBackend = "postgres"
	CacheBackendNone     CacheBackend = "none"
)

const APIKeyEnv = "DUNE_API_KEY"

type Config struct {
	Service       ServiceConfig
	API           APIConfig
	Retry         RetryConfig
	Execution     ExecutionConfig
	Cache         CacheConfig
	Observability ObservabilityConfig
}

type ServiceConfig struct {
	Name string
}

type APIConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

type ExecutionConfig struct {
	PollInterval time.Duration
	Performance  string
}

type CacheConfig struct {
	Backend  CacheBackend
	Dir      string
	S3       S3Config
	Postgres PostgresConfig
}

type S3Config struct {
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ObservabilityConfig struct {
	LogLevel    slog.Level
	LogJSON     bool
	MetricsFile string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	cfg := Defaults()
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, APIKeyEnv, &cfg.API.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_API_URL", &cfg.API.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SPICE_HTTP_TIMEOUT", &cfg.API.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "SPICE_REQUESTS_PER_SECOND", &cfg.API.RequestsPerSecond); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SPICE_RATE_LIMIT_RETRIES", &cfg.Retry.MaxRetries); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SPICE_RATE_LIMIT_BACKOFF", &cfg.Retry.InitialBackoff); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SPICE_POLL_INTERVAL", &cfg.Execution.PollInterval); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_PERFORMANCE", &cfg.Execution.Performance); err != nil {
		return Config{}, err
	}
	if err := applyCacheBackend(lookup, "SPICE_CACHE_BACKEND", &cfg.Cache.Backend); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_CACHE_DIR", &cfg.Cache.Dir); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_CACHE_S3_ENDPOINT", &cfg.Cache.S3.Endpoint); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_CACHE_S3_REGION", &cfg.Cache.S3.Region); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_CACHE_S3_BUCKET", &cfg.Cache.S3.Bucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_CACHE_S3_ACCESS_KEY", &cfg.Cache.S3.AccessKeyID); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_CACHE_S3_SECRET_KEY", &cfg.Cache.S3.SecretAccessKey); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SPICE_CACHE_S3_USE_SSL", &cfg.Cache.S3.UseSSL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_CACHE_S3_PREFIX", &cfg.Cache.S3.Prefix); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SPICE_CACHE_S3_AUTO_CREATE_BUCKET", &cfg.Cache.S3.AutoCreateBucket); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_CACHE_DSN", &cfg.Cache.Postgres.DSN); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SPICE_CACHE_MAX_OPEN_CONNS", &cfg.Cache.Postgres.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "SPICE_CACHE_MAX_IDLE_CONNS", &cfg.Cache.Postgres.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SPICE_CACHE_CONN_MAX_IDLE_TIME", &cfg.Cache.Postgres.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "SPICE_CACHE_CONN_MAX_LIFETIME", &cfg.Cache.Postgres.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "SPICE_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "SPICE_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "SPICE_METRICS_FILE", &cfg.Observability.MetricsFile); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields that every consumer of Config relies on. The API
// key is deliberately not required here because callers may supply it per
// query.
func (c Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base url is required")
	}
	if c.API.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must be >= 0")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("rate limit retries must be >= 0")
	}
	if c.Retry.InitialBackoff <= 0 {
		return fmt.Errorf("rate limit backoff must be > 0")
	}
	if c.Execution.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be > 0")
	}
	switch c.Execution.Performance {
	case "medium", "large":
	default:
		return fmt.Errorf("invalid performance %q", c.Execution.Performance)
	}
	switch c.Cache.Backend {
	case CacheBackendLocal:
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache dir is required for the local cache backend")
		}
	case CacheBackendS3:
		if c.Cache.S3.Endpoint == "" || c.Cache.S3.Bucket == "" {
			return fmt.Errorf("s3 endpoint and bucket are required for the s3 cache backend")
		}
	case CacheBackendPostgres:
		if c.Cache.Postgres.DSN == "" {
			return fmt.Errorf("SPICE_CACHE_DSN is required for the postgres cache backend")
		}
	}
	return nil
}

func Defaults() Config {
	return Config{
		Service: ServiceConfig{Name: "spice"},
		API: APIConfig{
			BaseURL: "https://api.dune.com",
			Timeout: 60 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:     5,
			InitialBackoff: time.Second,
		},
		Execution: ExecutionConfig{
			PollInterval: time.Second,
			Performance:  "medium",
		},
		Cache: CacheConfig{
			Backend: CacheBackendLocal,
			Dir:     filepath.Join(os.TempDir(), "dune_spice"),
			S3: S3Config{
				Endpoint:         "localhost:9000",
				Region:           "us-east-1",
				Bucket:           "spice-cache",
				AccessKeyID:      "minio",
				SecretAccessKey:  "miniostorage",
				AutoCreateBucket: true,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    4,
				MaxIdleConns:    4,
				ConnMaxIdleTime: 5 * time.Minute,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelInfo,
			LogJSON:  false,
		},
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyCacheBackend(lookup LookupFunc, key string, dst *CacheBackend) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	backend := CacheBackend(strings.ToLower(strings.TrimSpace(raw)))
	switch backend {
	case CacheBackendLocal, CacheBackendS3, CacheBackendPostgres, CacheBackendNone:
		*dst = backend
		return nil
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level, err := ParseLogLevel(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = level
	return nil
}

func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", raw)
	}
}
