// Package config provides centralized configuration management for the import service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Import    ImportConfig
	Security  SecurityConfig
	Logging   LoggingConfig
	Retention RetentionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including draining running jobs (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate runs embedded migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// RedisConfig holds the optional Redis connection used for job leases.
// When URL is empty, leases fall back to PostgreSQL advisory locks.
type RedisConfig struct {
	URL string `env:"REDIS_URL"`
}

// ImportConfig holds pipeline processing settings.
type ImportConfig struct {
	// MaxConcurrentJobs is the number of jobs one process runs in parallel (default: 4)
	MaxConcurrentJobs int `env:"IMPORT_MAX_CONCURRENT_JOBS" default:"4"`

	// MaxWaitTime bounds how long the dispatcher waits for a free run slot
	// before it gives up until the next poll (default: 30s)
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" default:"30s"`

	// Workers is the bounded row worker pool size within one phase (default: 8)
	Workers int `env:"IMPORT_WORKERS" default:"8"`

	// BatchSize is the number of staged rows loaded per batch (default: 500)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"500"`

	// CommitBatchSize is the number of rows sharing one transaction at commit (default: 50)
	CommitBatchSize int `env:"IMPORT_COMMIT_BATCH_SIZE" default:"50"`

	// MaxFileSize is the maximum accepted upload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// PhaseTimeout is advisory: exceeding it emits a performance warning (default: 10m)
	PhaseTimeout time.Duration `env:"IMPORT_PHASE_TIMEOUT" default:"10m"`

	// MinThroughput in rows per second below which a performance warning is logged (default: 5)
	MinThroughput float64 `env:"IMPORT_MIN_THROUGHPUT" default:"5"`

	// AbortOnPhaseTimeout turns the advisory phase timeout into a job failure (default: false)
	AbortOnPhaseTimeout bool `env:"IMPORT_ABORT_ON_PHASE_TIMEOUT" default:"false"`

	// LeaseTTL is the lifetime of a job lease and the staleness window for heartbeats (default: 2m)
	LeaseTTL time.Duration `env:"IMPORT_LEASE_TTL" default:"2m"`

	// PollInterval is how often the dispatcher looks for pending jobs (default: 2s)
	PollInterval time.Duration `env:"IMPORT_POLL_INTERVAL" default:"2s"`

	// StrictUnmapped fails a row when a source field has no applicable rule (default: false)
	StrictUnmapped bool `env:"IMPORT_STRICT_UNMAPPED" default:"false"`

	// HeuristicMapping maps columns without a rule by name similarity and
	// saves confident guesses as tenant rules (default: true)
	HeuristicMapping bool `env:"IMPORT_HEURISTIC_MAPPING" default:"true"`

	// DuplicateStrategy is the default for new jobs: update, skip or create_new (default: update)
	DuplicateStrategy string `env:"IMPORT_DUPLICATE_STRATEGY" default:"update"`

	// DefaultCurrency is used when neither the row nor the tenant supplies one (default: MKD)
	DefaultCurrency string `env:"IMPORT_DEFAULT_CURRENCY" default:"MKD"`

	// SeedRules upserts the embedded system mapping rules on startup (default: true)
	SeedRules bool `env:"IMPORT_SEED_RULES" default:"true"`
}

// SecurityConfig holds HTTP security settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey rejects API requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"SECURITY_REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"SECURITY_API_KEYS"`

	// RequestsPerMinute is the per-IP rate limit (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// RetentionConfig holds import log and staging retention settings.
type RetentionConfig struct {
	// LogRetentionDays applies to non-audit log entries (default: 90)
	LogRetentionDays int `env:"RETENTION_LOG_DAYS" default:"90"`

	// AuditRetentionYears applies to entries flagged for audit (default: 7)
	AuditRetentionYears int `env:"RETENTION_AUDIT_YEARS" default:"7"`

	// StagingPurgeDays removes staging rows of finished jobs after this many days (default: 30)
	StagingPurgeDays int `env:"RETENTION_STAGING_PURGE_DAYS" default:"30"`

	// BatchSize is rows deleted per purge statement (default: 5000)
	BatchSize int `env:"RETENTION_BATCH_SIZE" default:"5000"`

	// CheckInterval is how often the retention job runs (default: 24h)
	CheckInterval time.Duration `env:"RETENTION_CHECK_INTERVAL" default:"24h"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
