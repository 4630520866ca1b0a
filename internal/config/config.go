package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerEnv  string // "development", "staging", or "production"
	ServerPort int
	APIBaseURL string // external URL prefix used to construct webhook URLs

	// Database
	DatabaseURL     string
	DatabaseMaxConn int
	DatabaseMinConn int

	// Redis (queue + rate limiting)
	RedisURL string

	// Credential vault
	EncryptionKey string // 64 hex chars (32 bytes) for AES-256-GCM

	// Queue
	QueueWorkers        int
	QueueMaxAttempts    int
	QueueBackoffBase    time.Duration
	QueueStallThreshold time.Duration
	QueueRequeueStalled bool
	QueueDrainTimeout   time.Duration

	// Rate limiting (per API key)
	RateLimitRequests      int
	RateLimitWindowSeconds int

	// Attachments
	MaxAttachmentSizeMB int

	// CORS
	CORSAllowOrigins string
}

// Load reads configuration from environment variables. It returns an error if
// any variable is set but cannot be parsed, or if required security values are
// missing for the configured environment.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerEnv:  envStr("SERVER_ENV", "production"),
		ServerPort: p.int("PORT", 3000),
		APIBaseURL: envStr("API_BASE_URL", ""),

		DatabaseURL:     envStr("DATABASE_URL", ""),
		DatabaseMaxConn: p.int("DATABASE_MAX_CONNS", 25),
		DatabaseMinConn: p.int("DATABASE_MIN_CONNS", 5),

		RedisURL: envStr("REDIS_URL", ""),

		EncryptionKey: envStr("ENCRYPTION_KEY", ""),

		QueueWorkers:        p.int("QUEUE_WORKERS", 4),
		QueueMaxAttempts:    p.int("QUEUE_MAX_ATTEMPTS", 3),
		QueueBackoffBase:    p.duration("QUEUE_BACKOFF_BASE", 2*time.Second),
		QueueStallThreshold: p.duration("QUEUE_STALL_THRESHOLD", 60*time.Second),
		QueueRequeueStalled: p.bool("QUEUE_REQUEUE_STALLED", false),
		QueueDrainTimeout:   p.duration("QUEUE_DRAIN_TIMEOUT", 30*time.Second),

		RateLimitRequests:      p.int("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindowSeconds: p.int("RATE_LIMIT_WINDOW_SECONDS", 60),

		MaxAttachmentSizeMB: p.int("MAX_ATTACHMENT_SIZE_MB", 25),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// MaxAttachmentSizeBytes returns the attachment size cap in bytes.
func (c *Config) MaxAttachmentSizeBytes() int64 {
	return int64(c.MaxAttachmentSizeMB) * 1024 * 1024
}

func (c *Config) validate() error {
	var errs []error

	switch c.ServerEnv {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("SERVER_ENV must be one of development, staging, production, got %q", c.ServerEnv))
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be between 1 and 65535"))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}
	if c.RedisURL == "" {
		errs = append(errs, fmt.Errorf("REDIS_URL is required"))
	}

	if c.APIBaseURL == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL is required"))
	} else if u, err := url.Parse(c.APIBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("API_BASE_URL must be an absolute URL, got %q", c.APIBaseURL))
	}

	// An unset vault key is fatal outside development. Development generates an
	// ephemeral key in main, with a loud warning, so credentials do not survive
	// a restart there.
	if c.EncryptionKey == "" {
		if !c.IsDevelopment() {
			errs = append(errs, fmt.Errorf("ENCRYPTION_KEY is required outside development"))
		}
	} else if b, err := hex.DecodeString(c.EncryptionKey); err != nil || len(b) != 32 {
		errs = append(errs, fmt.Errorf("ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes)"))
	}

	if c.DatabaseMaxConn < 1 {
		errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.DatabaseMinConn < 0 {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS must not be negative"))
	}
	if c.DatabaseMinConn > c.DatabaseMaxConn {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS (%d) must not exceed DATABASE_MAX_CONNS (%d)", c.DatabaseMinConn, c.DatabaseMaxConn))
	}

	if c.QueueWorkers < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_WORKERS must be at least 1"))
	}
	if c.QueueMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.QueueBackoffBase < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("QUEUE_BACKOFF_BASE must be at least 100ms"))
	}
	if c.QueueStallThreshold < time.Second {
		errs = append(errs, fmt.Errorf("QUEUE_STALL_THRESHOLD must be at least 1s"))
	}

	if c.RateLimitRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1"))
	}
	if c.RateLimitWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be at least 1"))
	}

	if c.MaxAttachmentSizeMB < 1 {
		errs = append(errs, fmt.Errorf("MAX_ATTACHMENT_SIZE_MB must be at least 1"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"30s\" or \"2m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
