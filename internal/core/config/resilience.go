package config

import (
	"github.com/vietddude/marketfetch/internal/resilience/breaker"
	"github.com/vietddude/marketfetch/internal/resilience/cache"
	"github.com/vietddude/marketfetch/internal/resilience/orchestrator"
	"github.com/vietddude/marketfetch/internal/resilience/quality"
	"github.com/vietddude/marketfetch/internal/resilience/ratelimit"
	"github.com/vietddude/marketfetch/internal/resilience/retry"
)

// Orchestrator converts the resilience section into component configs. Unset
// values keep the component defaults.
func (c *AppConfig) Orchestrator() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	r := c.Resilience

	oc.Cache = r.Cache.apply(oc.Cache)
	oc.RateLimit = r.RateLimit.apply(oc.RateLimit)
	oc.Retry = r.Retry.apply(oc.Retry)
	oc.Breaker = r.CircuitBreaker.apply(oc.Breaker)
	oc.Quality = quality.DefaultRules(oc.Cache.DefaultTTL)

	if r.TimeoutMs > 0 {
		oc.Timeout = ms(r.TimeoutMs)
	}
	if r.Fallback.StoreTimeout > 0 {
		oc.StoreTimeout = ms(r.Fallback.StoreTimeout)
	}
	return oc
}

func (c CacheConfig) apply(cc cache.Config) cache.Config {
	if c.Enabled != nil {
		cc.Enabled = *c.Enabled
	}
	if c.TTLMs > 0 {
		cc.DefaultTTL = ms(c.TTLMs)
	}
	if c.MaxEntries > 0 {
		cc.MaxEntries = c.MaxEntries
	}
	if c.WarmConcurrency > 0 {
		cc.WarmConcurrency = c.WarmConcurrency
	}
	return cc
}

func (c RateLimitConfig) apply(rc ratelimit.Config) ratelimit.Config {
	if c.Strategy != "" {
		rc.Strategy = ratelimit.Strategy(c.Strategy)
	}
	if c.MaxRequests > 0 {
		rc.MaxRequests = c.MaxRequests
	}
	if c.WindowMs > 0 {
		rc.Window = ms(c.WindowMs)
	}
	if c.TokenRefillRate > 0 {
		rc.TokenRefillRate = c.TokenRefillRate
	}
	if c.MaxConcurrent > 0 {
		rc.MaxConcurrent = c.MaxConcurrent
	}
	if c.OnLimit != "" {
		rc.OnLimit = ratelimit.LimitAction(c.OnLimit)
	}
	if c.MaxWaitMs > 0 {
		rc.MaxWait = ms(c.MaxWaitMs)
	}
	return rc
}

func (c RetryConfig) apply(rc retry.Config) retry.Config {
	if c.Enabled != nil {
		rc.Enabled = *c.Enabled
	}
	if c.MaxRetries != nil {
		rc.MaxRetries = *c.MaxRetries
	}
	if c.InitialDelayMs > 0 {
		rc.InitialDelay = ms(c.InitialDelayMs)
	}
	if c.MaxDelayMs > 0 {
		rc.MaxDelay = ms(c.MaxDelayMs)
	}
	if c.BackoffMultiplier > 0 {
		rc.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.Jitter != nil {
		rc.Jitter = *c.Jitter
	}
	if c.RetryableStatusCodes != nil {
		rc.RetryableStatusCodes = c.RetryableStatusCodes
	}
	if c.RetryableErrorCodes != nil {
		rc.RetryableErrorCodes = c.RetryableErrorCodes
	}
	return rc
}

func (c CircuitBreakerConfig) apply(bc breaker.Config) breaker.Config {
	if c.Enabled != nil {
		bc.Enabled = *c.Enabled
	}
	if c.ErrorThresholdPercentage > 0 {
		bc.ErrorThresholdPercentage = c.ErrorThresholdPercentage
	}
	if c.ResetTimeoutMs > 0 {
		bc.ResetTimeout = ms(c.ResetTimeoutMs)
	}
	if c.RollingCountBuckets > 0 {
		bc.RollingCountBuckets = c.RollingCountBuckets
	}
	if c.RollingCountTimeoutMs > 0 {
		bc.RollingCountTimeout = ms(c.RollingCountTimeoutMs)
	}
	if c.VolumeThreshold > 0 {
		bc.VolumeThreshold = c.VolumeThreshold
	}
	if c.HalfOpenMaxAttempts > 0 {
		bc.HalfOpenMaxAttempts = c.HalfOpenMaxAttempts
	}
	if c.HalfOpenPolicy != "" {
		bc.HalfOpenPolicy = breaker.HalfOpenPolicy(c.HalfOpenPolicy)
	}
	return bc
}
