package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Lookup returns the raw value of a setting and whether it is set.
type Lookup func(key string) (string, bool)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from the process environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads configuration through lookup. Every missing or malformed
// setting is reported in one error.
func LoadFrom(lookup Lookup) (*Config, error) {
	cfg := &Config{}

	if errs := populate(reflect.ValueOf(cfg).Elem(), lookup); len(errs) > 0 {
		return nil, fmt.Errorf("config load: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// populate fills tagged fields of v, recursing into section structs.
// Tags: env (primary key), envAlt (fallback key), default, required.
func populate(v reflect.Value, lookup Lookup) []error {
	var errs []error
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		fv := v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if sf.Type.Kind() == reflect.Struct {
			errs = append(errs, populate(fv, lookup)...)
			continue
		}

		key := sf.Tag.Get("env")
		if key == "" {
			continue
		}
		value := firstSet(lookup, key, sf.Tag.Get("envAlt"))
		if value == "" {
			if sf.Tag.Get("required") == "true" {
				errs = append(errs, fmt.Errorf("required setting %s is not set", key))
				continue
			}
			value = sf.Tag.Get("default")
		}
		if value == "" {
			continue
		}
		if err := assign(fv, value); err != nil {
			errs = append(errs, fmt.Errorf("%s=%q: %w", key, value, err))
		}
	}
	return errs
}

// firstSet returns the first non-blank value among keys.
func firstSet(lookup Lookup, keys ...string) string {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// assign parses value into field according to the field's type.
func assign(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))

	case field.Kind() == reflect.String:
		field.SetString(value)

	case field.Kind() == reflect.Int, field.Kind() == reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(n)

	case field.Kind() == reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case field.Kind() == reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var items []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
		field.Set(reflect.ValueOf(items))

	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Redis validation
	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		errs = append(errs, "REDIS_URL must start with redis:// or rediss://")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Import validation
	if c.Import.MaxConcurrentJobs <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT_JOBS must be positive")
	}
	if c.Import.MaxWaitTime <= 0 {
		errs = append(errs, "IMPORT_MAX_WAIT_TIME must be positive")
	}
	if c.Import.Workers <= 0 {
		errs = append(errs, "IMPORT_WORKERS must be positive")
	}
	if c.Import.BatchSize <= 0 {
		errs = append(errs, "IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.CommitBatchSize <= 0 {
		errs = append(errs, "IMPORT_COMMIT_BATCH_SIZE must be positive")
	}
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Import.PhaseTimeout <= 0 {
		errs = append(errs, "IMPORT_PHASE_TIMEOUT must be positive")
	}
	if c.Import.MinThroughput < 0 {
		errs = append(errs, "IMPORT_MIN_THROUGHPUT must be non-negative")
	}
	if c.Import.LeaseTTL < time.Second {
		errs = append(errs, "IMPORT_LEASE_TTL must be at least 1s")
	}
	if c.Import.PollInterval <= 0 {
		errs = append(errs, "IMPORT_POLL_INTERVAL must be positive")
	}
	validStrategies := map[string]bool{"update": true, "skip": true, "create_new": true}
	if !validStrategies[strings.ToLower(c.Import.DuplicateStrategy)] {
		errs = append(errs, fmt.Sprintf("IMPORT_DUPLICATE_STRATEGY (%q) must be one of: update, skip, create_new", c.Import.DuplicateStrategy))
	}
	if len(c.Import.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Sprintf("IMPORT_DEFAULT_CURRENCY (%q) must be a 3-letter ISO code", c.Import.DefaultCurrency))
	}

	// Retention validation
	if c.Retention.LogRetentionDays <= 0 {
		errs = append(errs, "RETENTION_LOG_DAYS must be positive")
	}
	if c.Retention.AuditRetentionYears <= 0 {
		errs = append(errs, "RETENTION_AUDIT_YEARS must be positive")
	}
	if c.Retention.StagingPurgeDays <= 0 {
		errs = append(errs, "RETENTION_STAGING_PURGE_DAYS must be positive")
	}
	if c.Retention.BatchSize <= 0 {
		errs = append(errs, "RETENTION_BATCH_SIZE must be positive")
	}
	if c.Retention.CheckInterval <= 0 {
		errs = append(errs, "RETENTION_CHECK_INTERVAL must be positive")
	}

	// Security validation
	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "SECURITY_API_KEYS is required when SECURITY_REQUIRE_API_KEY is set")
	}
	if c.Security.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Connection URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	if c.Redis.URL != "" {
		b.WriteString("Redis: {URL: [MASKED]}, ")
	} else {
		b.WriteString("Redis: {disabled}, ")
	}
	b.WriteString(fmt.Sprintf("Import: {MaxConcurrentJobs: %d, Workers: %d, BatchSize: %d, CommitBatchSize: %d}, ",
		c.Import.MaxConcurrentJobs, c.Import.Workers, c.Import.BatchSize, c.Import.CommitBatchSize))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
