// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - GRPC_ADDR: listen address for the gRPC server (default ":9090").
//   - STREAM_POLL_INTERVAL: polling interval for SSE and gRPC streaming
//     (default "1s", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - EVENT_BATCH_SIZE: max number of events returned per stream poll query
//     (default "1000", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
//   - LOG_FILE: path of a file that receives a copy of every log record.
//   - STRICT_RULE_ORDER: when true, rules that read a question ordered at or
//     after the question owning the rule evaluate to false (default "false").
//   - RUN_MIGRATIONS: apply embedded goose migrations at startup
//     (default "true").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr            = ":8080"
	defaultGRPCAddr            = ":9090"
	defaultStreamPollInterval  = time.Second
	defaultTSStateDir          = "tsnet-state"
	defaultAuthRateLimit       = 10
	defaultMaxJSONBodySize     = 1 << 20
	defaultEventBatchSize      = 1000
	defaultCacheResyncInterval = time.Minute
)

// Config holds the runtime configuration for the formz server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	GRPCAddr            string
	StreamPollInterval  time.Duration
	LogLevel            string
	LogFile             string
	AuthRateLimit       int
	AdminHostname       string
	TSAuthKey           string
	TSStateDir          string
	SessionSecret       string
	MaxJSONBodySize     int64
	EventBatchSize      int
	CacheResyncInterval time.Duration
	StrictRuleOrder     bool
	RunMigrations       bool
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	sessionSecret := strings.TrimSpace(os.Getenv("SESSION_SECRET"))
	adminHostname := strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME"))
	if adminHostname != "" && len(sessionSecret) < 32 {
		return Config{}, errors.New("SESSION_SECRET must be at least 32 characters when ADMIN_HOSTNAME is set")
	}

	var p envParser
	cfg := Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		GRPCAddr:            envOrDefault("GRPC_ADDR", defaultGRPCAddr),
		StreamPollInterval:  p.duration("STREAM_POLL_INTERVAL", defaultStreamPollInterval),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFile:             strings.TrimSpace(os.Getenv("LOG_FILE")),
		AuthRateLimit:       int(p.count("AUTH_RATE_LIMIT", defaultAuthRateLimit)),
		AdminHostname:       adminHostname,
		TSAuthKey:           os.Getenv("TS_AUTH_KEY"),
		TSStateDir:          envOrDefault("TS_STATE_DIR", defaultTSStateDir),
		SessionSecret:       sessionSecret,
		MaxJSONBodySize:     p.count("MAX_JSON_BODY_SIZE", defaultMaxJSONBodySize),
		EventBatchSize:      int(p.count("EVENT_BATCH_SIZE", defaultEventBatchSize)),
		CacheResyncInterval: p.duration("CACHE_RESYNC_INTERVAL", defaultCacheResyncInterval),
		StrictRuleOrder:     p.boolean("STRICT_RULE_ORDER", false),
		RunMigrations:       p.boolean("RUN_MIGRATIONS", true),
	}
	if p.err != nil {
		return Config{}, p.err
	}
	return cfg, nil
}

// envParser reads optional typed variables and keeps the first failure.
// Once err is set, later reads return their fallback untouched.
type envParser struct {
	err error
}

func (p *envParser) lookup(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

// duration parses a Go duration that must be > 0.
func (p *envParser) duration(key string, fallback time.Duration) time.Duration {
	value, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
		return fallback
	}
	if parsed <= 0 {
		p.err = fmt.Errorf("%s must be > 0", key)
		return fallback
	}
	return parsed
}

// count parses a positive base-10 integer.
func (p *envParser) count(key string, fallback int64) int64 {
	value, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
		return fallback
	}
	if n < 1 {
		p.err = fmt.Errorf("%s must be a positive integer", key)
		return fallback
	}
	return n
}

func (p *envParser) boolean(key string, fallback bool) bool {
	value, ok := p.lookup(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		p.err = fmt.Errorf("parse %s: %w", key, err)
		return fallback
	}
	return parsed
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
