package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = 60_000
	}
	if c.Source.BaseURL == "" {
		c.Source.BaseURL = "https://query1.finance.yahoo.com"
	}
	if c.Source.TimeoutMs == 0 {
		c.Source.TimeoutMs = 10_000
	}
	c.Source.Timeout = ms(c.Source.TimeoutMs)

	r := &c.Resilience
	if r.TimeoutMs == 0 {
		r.TimeoutMs = 30_000
	}
	if r.Cache.Store == "" {
		r.Cache.Store = "memory"
	}
	if r.Fallback.Store == "" {
		r.Fallback.Store = "memory"
	}
	if r.Fallback.StoreTimeout == 0 {
		r.Fallback.StoreTimeout = 2_000
	}
}

// Validate rejects unknown enum values.
func (c *AppConfig) Validate() error {
	r := c.Resilience
	if !oneOf(r.RateLimit.Strategy, "", "token_bucket", "sliding_window") {
		return fmt.Errorf("resilience.rate_limit.strategy %q", r.RateLimit.Strategy)
	}
	if !oneOf(r.RateLimit.OnLimit, "", "wait", "reject") {
		return fmt.Errorf("resilience.rate_limit.on_limit %q", r.RateLimit.OnLimit)
	}
	if !oneOf(r.CircuitBreaker.HalfOpenPolicy, "", "all_trials", "first_success") {
		return fmt.Errorf("resilience.circuit_breaker.half_open_policy %q", r.CircuitBreaker.HalfOpenPolicy)
	}
	if !oneOf(r.Cache.Store, "memory", "redis") {
		return fmt.Errorf("resilience.cache.store %q", r.Cache.Store)
	}
	if !oneOf(r.Fallback.Store, "memory", "redis", "postgres") {
		return fmt.Errorf("resilience.fallback.store %q", r.Fallback.Store)
	}
	if (r.Cache.Store == "redis" || r.Fallback.Store == "redis" || r.RateLimit.Shared) && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required by the configured stores")
	}
	if r.Fallback.Store == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database.url is required by the postgres fallback store")
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
