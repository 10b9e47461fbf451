package config

import (
	"time"

	redisclient "github.com/vietddude/marketfetch/internal/infra/redis"
	"github.com/vietddude/marketfetch/internal/infra/storage/postgres"
	"github.com/vietddude/marketfetch/internal/source"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server         ServerConfig       `yaml:"server"`
	Logging        LoggingConfig      `yaml:"logging"`
	Redis          redisclient.Config `yaml:"redis"`
	Database       postgres.Config    `yaml:"database"`
	Source         SourceConfig       `yaml:"source"`
	Symbols        []string           `yaml:"symbols"`
	PollIntervalMs int                `yaml:"poll_interval_ms"`
	Resilience     ResilienceConfig   `yaml:"resilience"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// SourceConfig holds upstream quote API settings.
type SourceConfig struct {
	source.Config `yaml:",inline"`
	TimeoutMs     int `yaml:"timeout_ms"`
}

// ResilienceConfig tunes the call pipeline.
type ResilienceConfig struct {
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Cache          CacheConfig          `yaml:"cache"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Fallback       FallbackConfig       `yaml:"fallback"`
	TimeoutMs      int                  `yaml:"timeout_ms"`
}

// RateLimitConfig holds rate limiter settings.
type RateLimitConfig struct {
	Strategy        string  `yaml:"strategy"` // token_bucket, sliding_window
	MaxRequests     int     `yaml:"max_requests"`
	WindowMs        int     `yaml:"window_ms"`
	TokenRefillRate float64 `yaml:"token_refill_rate"`
	MaxConcurrent   int     `yaml:"max_concurrent"`
	OnLimit         string  `yaml:"on_limit"` // wait, reject
	MaxWaitMs       int     `yaml:"max_wait_ms"`
	// Shared counts admissions across instances through Redis.
	Shared bool `yaml:"shared"`
}

// CacheConfig holds cache settings.
type CacheConfig struct {
	Enabled         *bool  `yaml:"enabled"`
	TTLMs           int    `yaml:"ttl_ms"`
	MaxEntries      int    `yaml:"max_entries"`
	WarmConcurrency int    `yaml:"warm_concurrency"`
	Store           string `yaml:"store"` // memory, redis
}

// RetryConfig holds retry settings.
type RetryConfig struct {
	Enabled              *bool    `yaml:"enabled"`
	MaxRetries           *int     `yaml:"max_retries"`
	InitialDelayMs       int      `yaml:"initial_delay_ms"`
	MaxDelayMs           int      `yaml:"max_delay_ms"`
	BackoffMultiplier    float64  `yaml:"backoff_multiplier"`
	Jitter               *bool    `yaml:"jitter"`
	RetryableStatusCodes []int    `yaml:"retryable_status_codes"`
	RetryableErrorCodes  []string `yaml:"retryable_error_codes"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	Enabled                  *bool   `yaml:"enabled"`
	ErrorThresholdPercentage float64 `yaml:"error_threshold_percentage"`
	ResetTimeoutMs           int     `yaml:"reset_timeout_ms"`
	RollingCountBuckets      int     `yaml:"rolling_count_buckets"`
	RollingCountTimeoutMs    int     `yaml:"rolling_count_timeout_ms"`
	VolumeThreshold          int     `yaml:"volume_threshold"`
	HalfOpenMaxAttempts      int     `yaml:"half_open_max_attempts"`
	HalfOpenPolicy           string  `yaml:"half_open_policy"` // all_trials, first_success
}

// FallbackConfig selects where last-known-good values live.
type FallbackConfig struct {
	Store        string `yaml:"store"` // memory, redis, postgres
	RetentionMs  int64  `yaml:"retention_ms"`
	StoreTimeout int    `yaml:"store_timeout_ms"`
}

// PollInterval returns the poll interval as a duration.
func (c *AppConfig) PollInterval() time.Duration {
	return ms(c.PollIntervalMs)
}

func ms[T int | int64](v T) time.Duration {
	return time.Duration(v) * time.Millisecond
}
