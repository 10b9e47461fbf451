// Package ratelimit provides admission control for outbound calls.
//
// Two mechanisms apply independently:
//   - rate: a token bucket (golang.org/x/time/rate) smooths bursts while a
//     sliding admission log guarantees at most MaxRequests admissions in any
//     Window, whatever the refill rate
//   - concurrency: a slot pool caps in-flight calls even when tokens are free
//
// When no token is available the limiter either waits (bounded by MaxWait) or
// rejects, depending on OnLimit. Rejections are classified as
// rate_limit_exceeded failures.
package ratelimit

import (
	"context"
	"time"
)

// Strategy selects how tokens are granted.
type Strategy string

const (
	// StrategyTokenBucket refills at TokenRefillRate up to MaxRequests.
	StrategyTokenBucket Strategy = "token_bucket"
	// StrategySlidingWindow only enforces the MaxRequests-per-Window log.
	StrategySlidingWindow Strategy = "sliding_window"
)

// LimitAction selects the behavior when admission is not possible right now.
type LimitAction string

const (
	ActionWait   LimitAction = "wait"
	ActionReject LimitAction = "reject"
)

// Config holds rate limiter configuration.
type Config struct {
	Strategy    Strategy
	MaxRequests int
	Window      time.Duration

	// TokenRefillRate is tokens per second. Zero derives MaxRequests/Window.
	TokenRefillRate float64

	// MaxConcurrent caps in-flight calls. Zero disables the ceiling.
	MaxConcurrent int

	OnLimit LimitAction

	// MaxWait bounds how long ActionWait blocks for a slot plus a token.
	MaxWait time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Strategy:      StrategyTokenBucket,
		MaxRequests:   60,
		Window:        time.Minute,
		MaxConcurrent: 4,
		OnLimit:       ActionWait,
		MaxWait:       10 * time.Second,
	}
}

// Stats is a snapshot of limiter state.
type Stats struct {
	Strategy           Strategy    `json:"strategy"`
	OnLimit            LimitAction `json:"on_limit"`
	RemainingTokens    float64     `json:"remaining_tokens"`
	RequestsInWindow   int         `json:"requests_in_window"`
	MaxRequests        int         `json:"max_requests"`
	RequestsLastMinute int         `json:"requests_last_minute"`
	RequestsLastHour   int         `json:"requests_last_hour"`
	Concurrent         int         `json:"concurrent"`
	MaxConcurrent      int         `json:"max_concurrent"`
	Waiting            int         `json:"waiting"`
	Admitted           int64       `json:"admitted"`
	Rejected           int64       `json:"rejected"`
}

// Counter is a shared windowed counter used to coordinate several limiter
// instances (the cache implements it, locally or through redis).
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}
