// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Storage settings.
	Backend     string // "postgres" or "sqlite"
	DatabaseURL string
	SQLitePath  string
	AutoMigrate bool

	// Redis settings. Empty disables the distributed rate limiter.
	RedisURL       string
	RateLimitRPS   float64
	RateLimitBurst int

	// NATS settings. Empty disables audit fan-out.
	NATSURL string

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Admin bootstrap.
	AdminAPIKey  string
	AdminTenant  string
	AdminActorID string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Governance settings.
	RetentionInterval    time.Duration // 0 disables the background sweep.
	RetentionConcurrency int
	WorkspaceCacheBytes  int64
	WorkspaceDir         string // Rollback target directory. Empty disables file application.

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	intVar := func(key string, def int) int {
		v, err := envInt(key, def)
		collect(err)
		return v
	}
	durVar := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		collect(err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := envBool(key, def)
		collect(err)
		return v
	}
	floatVar := func(key string, def float64) float64 {
		v, err := envFloat(key, def)
		collect(err)
		return v
	}

	cfg := Config{
		Port:                 intVar("SHUGO_PORT", 8080),
		ReadTimeout:          durVar("SHUGO_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         durVar("SHUGO_WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes:  int64(intVar("SHUGO_MAX_REQUEST_BODY_BYTES", 4*1024*1024)),
		Backend:              strings.ToLower(envStr("SHUGO_BACKEND", BackendSQLite)),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		SQLitePath:           envStr("SHUGO_SQLITE_PATH", "shugo.db"),
		AutoMigrate:          boolVar("SHUGO_AUTO_MIGRATE", true),
		RedisURL:             envStr("REDIS_URL", ""),
		RateLimitRPS:         floatVar("SHUGO_RATE_LIMIT_RPS", 50),
		RateLimitBurst:       intVar("SHUGO_RATE_LIMIT_BURST", 100),
		NATSURL:              envStr("NATS_URL", ""),
		JWTPrivateKeyPath:    envStr("SHUGO_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:     envStr("SHUGO_JWT_PUBLIC_KEY", ""),
		JWTExpiration:        durVar("SHUGO_JWT_EXPIRATION", 24*time.Hour),
		AdminAPIKey:          envStr("SHUGO_ADMIN_API_KEY", ""),
		AdminTenant:          envStr("SHUGO_ADMIN_TENANT", "default"),
		AdminActorID:         envStr("SHUGO_ADMIN_ACTOR", "admin"),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:         boolVar("SHUGO_OTEL_INSECURE", false),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "shugo"),
		RetentionInterval:    durVar("SHUGO_RETENTION_INTERVAL", time.Hour),
		RetentionConcurrency: intVar("SHUGO_RETENTION_CONCURRENCY", 4),
		WorkspaceCacheBytes:  int64(intVar("SHUGO_WORKSPACE_CACHE_BYTES", 64<<20)),
		WorkspaceDir:         envStr("SHUGO_WORKSPACE_DIR", ""),
		LogLevel:             envStr("SHUGO_LOG_LEVEL", "info"),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SHUGO_SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SHUGO_BACKEND=%q must be %q or %q", c.Backend, BackendPostgres, BackendSQLite))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("SHUGO_PORT=%d is out of range", c.Port))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("SHUGO_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("SHUGO_RATE_LIMIT_RPS and SHUGO_RATE_LIMIT_BURST must be positive"))
	}
	if c.RetentionInterval < 0 {
		errs = append(errs, errors.New("SHUGO_RETENTION_INTERVAL must not be negative"))
	}
	if c.RetentionConcurrency <= 0 {
		errs = append(errs, errors.New("SHUGO_RETENTION_CONCURRENCY must be positive"))
	}
	if c.WorkspaceCacheBytes <= 0 {
		errs = append(errs, errors.New("SHUGO_WORKSPACE_CACHE_BYTES must be positive"))
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		errs = append(errs, errors.New("SHUGO_JWT_PRIVATE_KEY and SHUGO_JWT_PUBLIC_KEY must be set together"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
