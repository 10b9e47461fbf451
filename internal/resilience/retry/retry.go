// Package retry runs a call again with exponential backoff while its failure
// is classified as retryable.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/vietddude/marketfetch/internal/resilience/failure"
)

// Config defines retry behavior.
type Config struct {
	Enabled           bool
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool

	// RetryableStatusCodes narrows which HTTP statuses of retryable kinds are
	// retried and widens unknown failures to these statuses.
	RetryableStatusCodes []int
	// RetryableErrorCodes widens unknown failures to these error codes.
	RetryableErrorCodes []string
}

// DefaultConfig provides sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxRetries:           3,
		InitialDelay:         time.Second,
		MaxDelay:             30 * time.Second,
		BackoffMultiplier:    2,
		Jitter:               true,
		RetryableStatusCodes: []int{408, 500, 502, 503, 504},
		RetryableErrorCodes:  []string{"ECONNRESET", "ECONNREFUSED", "ETIMEDOUT"},
	}
}

// Policy executes calls under a retry Config.
type Policy struct {
	config Config
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
	now    func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithSleep replaces the backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Policy) { p.sleep = sleep }
}

// WithRandom replaces the jitter source. fn returns values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(p *Policy) { p.random = fn }
}

// WithClock overrides the time source used for attempt timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

func New(config Config, opts ...Option) *Policy {
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 1
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = config.InitialDelay
	}
	p := &Policy{
		config: config,
		sleep:  sleepContext,
		random: rand.Float64,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the policy configuration.
func (p *Policy) Config() Config { return p.config }

// CalculateDelay returns the backoff before retry number attempt (1-based),
// without jitter.
func (p *Policy) CalculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.config.InitialDelay) * math.Pow(p.config.BackoffMultiplier, float64(attempt-1))
	if delay > float64(p.config.MaxDelay) {
		delay = float64(p.config.MaxDelay)
	}
	return time.Duration(delay)
}

// jittered draws uniformly from [delay/2, delay], so it never exceeds the
// un-jittered schedule.
func (p *Policy) jittered(delay time.Duration) time.Duration {
	if !p.config.Jitter || delay <= 0 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(p.random()*float64(delay-half))
}

// ShouldRetry reports whether retry number attempt (1-based) may run after err.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt > p.config.MaxRetries {
		return false
	}
	fe := failure.Classify(err)
	if fe.RateLimit || fe.HasPartialData() {
		return false
	}
	switch fe.Kind {
	case failure.KindCircuitOpen, failure.KindMaxRetriesExceeded:
		return false
	}

	if fe.Retryable {
		if fe.HTTPStatus != 0 && len(p.config.RetryableStatusCodes) > 0 {
			return slices.Contains(p.config.RetryableStatusCodes, fe.HTTPStatus)
		}
		return true
	}
	if fe.Kind != failure.KindUnknown || fe.Code == "canceled" {
		return false
	}
	if fe.HTTPStatus != 0 && slices.Contains(p.config.RetryableStatusCodes, fe.HTTPStatus) {
		return true
	}
	return fe.Code != "" && slices.Contains(p.config.RetryableErrorCodes, fe.Code)
}

// Execute calls fn, retrying per ShouldRetry. A non-retryable failure is
// returned unchanged; an exhausted budget returns max_retries_exceeded wrapping
// the last failure with the attempt history.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if !p.config.Enabled {
		return fn(ctx)
	}

	var attempts []failure.Attempt
	for n := 1; ; n++ {
		result, err := fn(ctx)
		if err == nil {
			if n > 1 {
				slog.Debug("Call succeeded after retry", "attempts", n)
			}
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		attempt := failure.Attempt{Number: n, Err: err.Error(), At: p.now()}
		if !p.ShouldRetry(err, n) {
			if n > p.config.MaxRetries && p.ShouldRetry(err, 1) {
				attempts = append(attempts, attempt)
				return nil, failure.MaxRetries(err, attempts)
			}
			return nil, err
		}

		attempt.Delay = p.jittered(p.CalculateDelay(n))
		attempts = append(attempts, attempt)
		slog.Debug("Retrying call", "attempt", n, "delay", attempt.Delay, "error", err)

		if werr := p.sleep(ctx, attempt.Delay); werr != nil {
			return nil, fmt.Errorf("waiting to retry after %q: %w", err.Error(), werr)
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
