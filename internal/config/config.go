// Package config loads service settings from the environment and the
// account pool file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process settings
type Config struct {
	Addr string

	DatabaseDriver     string
	DatabaseURL        string
	DatabaseMaxRetries int

	RedisAddr     string
	RedisPassword string
	LeaseTTL      time.Duration

	AMQPURL string

	AccountsFile string

	TerraformBinary string
	TerraformRunner string
	TerraformImage  string
	WorkRoot        string

	ArchiveDir     string
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	ProvisionMode           string
	ProvisionTimeout        time.Duration
	DestroyTimeout          time.Duration
	CancelWait              time.Duration
	PendingGrace            time.Duration
	SessionDuration         time.Duration
	SessionScope            string
	MaxConcurrentProvisions int
	SweepInterval           time.Duration

	FederationEndpoint string
	FederationIssuer   string
	ConsoleDuration    time.Duration

	LogLevel  string
	LogFormat string

	RateLimitPerHour int
	RateLimitBurst   int
}

// LoadDotEnv loads .env if present. It reports whether a file was read.
func LoadDotEnv() bool {
	return godotenv.Load() == nil
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	e := &envReader{}
	cfg := &Config{
		Addr: e.str("LABFORGE_ADDR", ":8080"),

		DatabaseDriver:     e.str("DATABASE_DRIVER", "sqlite"),
		DatabaseURL:        e.str("DATABASE_URL", "file:labforge.db?_busy_timeout=5000"),
		DatabaseMaxRetries: e.int("DATABASE_MAX_RETRIES", 10),

		RedisAddr:     e.str("REDIS_ADDR", ""),
		RedisPassword: e.str("REDIS_PASSWORD", ""),
		LeaseTTL:      e.duration("LEASE_TTL", 0),

		AMQPURL: e.str("AMQP_URL", ""),

		AccountsFile: e.str("ACCOUNTS_FILE", "accounts.hcl"),

		TerraformBinary: e.str("TERRAFORM_BINARY", "terraform"),
		TerraformRunner: e.str("TERRAFORM_RUNNER", "exec"),
		TerraformImage:  e.str("TERRAFORM_IMAGE", ""),
		WorkRoot:        e.str("WORK_ROOT", "./storage/work"),

		ArchiveDir:     e.str("ARCHIVE_DIR", "./storage/archives"),
		MinioEndpoint:  e.str("MINIO_ENDPOINT", ""),
		MinioAccessKey: e.str("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: e.str("MINIO_SECRET_KEY", ""),
		MinioBucket:    e.str("MINIO_BUCKET", "labforge"),
		MinioUseSSL:    e.bool("MINIO_USE_SSL", false),

		ProvisionMode:           e.str("PROVISION_MODE", "async"),
		ProvisionTimeout:        e.duration("PROVISION_TIMEOUT", 5*time.Minute),
		DestroyTimeout:          e.duration("DESTROY_TIMEOUT", 5*time.Minute),
		CancelWait:              e.duration("CANCEL_WAIT", 30*time.Second),
		PendingGrace:            e.duration("PENDING_GRACE", 2*time.Minute),
		SessionDuration:         e.duration("SESSION_DURATION", time.Hour),
		SessionScope:            e.str("SESSION_SCOPE", "user"),
		MaxConcurrentProvisions: e.int("MAX_CONCURRENT_PROVISIONS", 0),
		SweepInterval:           e.duration("SWEEP_INTERVAL", time.Minute),

		FederationEndpoint: e.str("FEDERATION_ENDPOINT", ""),
		FederationIssuer:   e.str("FEDERATION_ISSUER", "labforge"),
		ConsoleDuration:    e.duration("CONSOLE_DURATION", time.Hour),

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "json"),

		RateLimitPerHour: e.int("RATE_LIMIT_PER_HOUR", 100),
		RateLimitBurst:   e.int("RATE_LIMIT_BURST", 10),
	}
	if err := e.err(); err != nil {
		return nil, err
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = cfg.longestLockedPath() + time.Minute
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver)
	}
	switch c.TerraformRunner {
	case "exec", "docker":
	default:
		return fmt.Errorf("TERRAFORM_RUNNER must be exec or docker, got %q", c.TerraformRunner)
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT")
	}
	if c.ProvisionTimeout <= 0 || c.DestroyTimeout <= 0 || c.SessionDuration <= 0 {
		return fmt.Errorf("timeouts and session duration must be positive")
	}
	if c.CancelWait <= 0 {
		return fmt.Errorf("CANCEL_WAIT must be positive")
	}
	if c.RedisAddr != "" && c.LeaseTTL <= c.longestLockedPath() {
		return fmt.Errorf("LEASE_TTL %s must exceed PROVISION_TIMEOUT + 2*DESTROY_TIMEOUT + CANCEL_WAIT (%s)",
			c.LeaseTTL, c.longestLockedPath())
	}
	if c.RateLimitPerHour <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_HOUR must be positive")
	}
	return nil
}

// longestLockedPath bounds how long one Start or End can hold a scope lease.
func (c *Config) longestLockedPath() time.Duration {
	return c.ProvisionTimeout + 2*c.DestroyTimeout + c.CancelWait
}

type envReader struct {
	errs []string
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return n
}

func (e *envReader) bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s: %v", key, err))
		return def
	}
	return d
}

func (e *envReader) err() error {
	if len(e.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid environment: %s", strings.Join(e.errs, "; "))
}
