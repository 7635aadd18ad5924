// Package config provides unified configuration for the schema engine services.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dialect names the relational engine backing tenant stores.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Config holds the unified configuration.
type Config struct {
	// DataDir is the base directory for tenant databases (sqlite dialect)
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Limits bounds what a schema may contain
	Limits LimitsConfig `json:"limits" yaml:"limits"`

	// Migration controls the asynchronous index migration worker
	Migration MigrationConfig `json:"migration" yaml:"migration"`

	// Cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Metrics configuration
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// DatabaseConfig holds tenant store configuration.
type DatabaseConfig struct {
	// Dialect is the relational engine: sqlite, postgres
	Dialect Dialect `json:"dialect" yaml:"dialect"`

	// DSN is the PostgreSQL connection string (postgres dialect)
	DSN string `json:"dsn" yaml:"dsn"`

	// BusyTimeout is how long SQLite waits on a locked database file
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// LimitsConfig holds schema validation limits.
type LimitsConfig struct {
	// MaxFields is the maximum number of fields per klass
	MaxFields int `json:"max_fields" yaml:"max_fields"`

	// MaxIndexes is the maximum number of filter plus order indexes per klass
	MaxIndexes int `json:"max_indexes" yaml:"max_indexes"`

	// MaxIndexesPerType caps indexes for specific field types (e.g. geopoint: 1)
	MaxIndexesPerType map[string]int `json:"max_indexes_per_type" yaml:"max_indexes_per_type"`

	// IgnoredTargets are reference targets accepted without a registry lookup,
	// used when restoring klasses in bulk
	IgnoredTargets []string `json:"ignored_targets" yaml:"ignored_targets"`
}

// MigrationConfig holds index migration worker configuration.
type MigrationConfig struct {
	// MaxAttempts bounds how often a transient DDL failure is retried
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// RetryBackoff is the fixed delay between DDL attempts
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry_backoff"`

	// Concurrent enables non-blocking index builds where the dialect supports them
	Concurrent bool `json:"concurrent" yaml:"concurrent"`

	// LockTTL is the age after which a migration lock is considered abandoned
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl"`

	// PollInterval is how often the dispatcher scans tenant task queues
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`

	// RequeueDelay postpones tasks whose klass lock is held elsewhere
	RequeueDelay time.Duration `json:"requeue_delay" yaml:"requeue_delay"`

	// Workers bounds how many tenants are migrated in parallel
	Workers int `json:"workers" yaml:"workers"`

	// BatchSize bounds how many tasks one tenant pass dequeues
	BatchSize int `json:"batch_size" yaml:"batch_size"`
}

// CacheConfig holds klass cache configuration.
type CacheConfig struct {
	// Size is the number of klass records kept in memory (0 disables caching)
	Size int `json:"size" yaml:"size"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	// Addr is the HTTP address serving /metrics; empty disables the endpoint
	Addr string `json:"addr" yaml:"addr"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/syncano",
		Database: DatabaseConfig{
			Dialect:     DialectSQLite,
			BusyTimeout: 5 * time.Second,
		},
		Limits: LimitsConfig{
			MaxFields:         32,
			MaxIndexes:        16,
			MaxIndexesPerType: map[string]int{"geopoint": 1},
		},
		Migration: MigrationConfig{
			MaxAttempts:  3,
			RetryBackoff: 2 * time.Second,
			Concurrent:   true,
			LockTTL:      30 * time.Minute,
			PollInterval: 5 * time.Second,
			RequeueDelay: 10 * time.Second,
			Workers:      4,
			BatchSize:    50,
		},
		Cache: CacheConfig{
			Size: 10000,
		},
		Metrics: MetricsConfig{
			Addr: ":9102",
		},
	}
}

// Resolve fills in defaults that depend on other settings.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/syncano"
	}
	if c.Database.Dialect == "" {
		c.Database.Dialect = DialectSQLite
	}
	if c.Limits.MaxIndexesPerType == nil {
		c.Limits.MaxIndexesPerType = map[string]int{"geopoint": 1}
	}
}

// TenantDir returns the directory holding one SQLite file per tenant.
func (c *Config) TenantDir() string {
	return filepath.Join(c.DataDir, "tenants")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case DialectSQLite:
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for the sqlite dialect")
		}
	case DialectPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres dialect")
		}
	default:
		return fmt.Errorf("invalid database dialect: %s (must be sqlite or postgres)", c.Database.Dialect)
	}

	if c.Limits.MaxFields < 1 {
		return fmt.Errorf("limits.max_fields must be positive, got %d", c.Limits.MaxFields)
	}
	if c.Limits.MaxIndexes < 0 {
		return fmt.Errorf("limits.max_indexes must not be negative, got %d", c.Limits.MaxIndexes)
	}
	for typ, n := range c.Limits.MaxIndexesPerType {
		if n < 0 {
			return fmt.Errorf("limits.max_indexes_per_type[%s] must not be negative, got %d", typ, n)
		}
	}

	if c.Migration.MaxAttempts < 1 || c.Migration.MaxAttempts > 20 {
		return fmt.Errorf("migration.max_attempts must be between 1 and 20, got %d", c.Migration.MaxAttempts)
	}
	if c.Migration.RetryBackoff < 0 {
		return fmt.Errorf("migration.retry_backoff must not be negative")
	}
	if c.Migration.LockTTL <= 0 {
		return fmt.Errorf("migration.lock_ttl must be positive")
	}
	if c.Migration.PollInterval <= 0 {
		return fmt.Errorf("migration.poll_interval must be positive")
	}
	if c.Migration.Workers < 1 {
		return fmt.Errorf("migration.workers must be positive, got %d", c.Migration.Workers)
	}
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("migration.batch_size must be positive, got %d", c.Migration.BatchSize)
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size must not be negative, got %d", c.Cache.Size)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SYNCANO_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SYNCANO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Database configuration
	if v := os.Getenv("SYNCANO_DB_DIALECT"); v != "" {
		cfg.Database.Dialect = Dialect(v)
	}
	if v := os.Getenv("SYNCANO_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	// Limits
	if v := os.Getenv("SYNCANO_MAX_FIELDS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Limits.MaxFields)
	}
	if v := os.Getenv("SYNCANO_MAX_INDEXES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Limits.MaxIndexes)
	}
	if v := os.Getenv("SYNCANO_IGNORED_TARGETS"); v != "" {
		cfg.Limits.IgnoredTargets = strings.Split(v, ",")
	}

	// Migration configuration
	if v := os.Getenv("SYNCANO_MIGRATION_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Migration.MaxAttempts)
	}
	if v := os.Getenv("SYNCANO_MIGRATION_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Migration.RetryBackoff = d
		}
	}
	if v := os.Getenv("SYNCANO_MIGRATION_CONCURRENT"); v != "" {
		cfg.Migration.Concurrent = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCANO_MIGRATION_LOCK_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Migration.LockTTL = d
		}
	}
	if v := os.Getenv("SYNCANO_MIGRATION_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Migration.PollInterval = d
		}
	}
	if v := os.Getenv("SYNCANO_MIGRATION_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Migration.Workers)
	}

	// Cache and metrics
	if v := os.Getenv("SYNCANO_CACHE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Cache.Size)
	}
	if v, ok := os.LookupEnv("SYNCANO_METRICS_ADDR"); ok {
		cfg.Metrics.Addr = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	if c.Database.Dialect != DialectSQLite {
		return nil
	}
	for _, dir := range []string{c.DataDir, c.TenantDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
