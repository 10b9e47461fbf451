package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/marketfetch/internal/resilience/failure"
)

// Limiter gates calls by rate and concurrency.
type Limiter struct {
	config  Config
	counter Counter
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	slots chan struct{}

	mu          sync.Mutex
	bucket      *rate.Limiter
	admissions []time.Time
	// history holds admission times of the last hour for rolling counts.
	history  []time.Time
	waiting  int
	admitted int64
	rejected int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithCounter coordinates admissions with other instances through a shared counter.
func WithCounter(c Counter) Option {
	return func(l *Limiter) { l.counter = c }
}

// WithClock overrides the time source and the wait function. Tests pair a fake
// clock with a sleep that advances it.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) {
		l.now = now
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// New creates a limiter.
func New(config Config, opts ...Option) *Limiter {
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Strategy == "" {
		config.Strategy = StrategyTokenBucket
	}
	if config.OnLimit == "" {
		config.OnLimit = ActionWait
	}

	l := &Limiter{
		config: config,
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}

	if config.MaxConcurrent > 0 {
		l.slots = make(chan struct{}, config.MaxConcurrent)
	}
	l.bucket = l.newBucket()
	return l
}

func (l *Limiter) newBucket() *rate.Limiter {
	if l.config.Strategy != StrategyTokenBucket || l.config.MaxRequests <= 0 {
		return nil
	}
	refill := l.config.TokenRefillRate
	if refill <= 0 {
		refill = float64(l.config.MaxRequests) / l.config.Window.Seconds()
	}
	return rate.NewLimiter(rate.Limit(refill), l.config.MaxRequests)
}

// Execute runs fn once a concurrency slot and a token are granted. The slot is
// released when fn returns, even if the caller gave up waiting for it.
func (l *Limiter) Execute(
	ctx context.Context,
	key string,
	fn func(ctx context.Context) (any, error),
) (any, error) {
	deadline := l.now().Add(l.config.MaxWait)

	release, err := l.acquireSlot(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := l.acquireToken(ctx, key, deadline); err != nil {
		return nil, err
	}
	return fn(ctx)
}

func (l *Limiter) acquireSlot(ctx context.Context, key string) (func(), error) {
	if l.slots == nil {
		return func() {}, nil
	}
	release := func() { <-l.slots }

	select {
	case l.slots <- struct{}{}:
		return release, nil
	default:
	}

	if l.config.OnLimit == ActionReject || l.config.MaxWait <= 0 {
		l.reject()
		return nil, failure.RateLimited(key, 0)
	}

	l.setWaiting(1)
	defer l.setWaiting(-1)

	timer := time.NewTimer(l.config.MaxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		return release, nil
	case <-timer.C:
		l.reject()
		return nil, failure.New(failure.KindRateLimitExceeded,
			fmt.Sprintf("no concurrency slot for %q within %s", key, l.config.MaxWait),
			failure.WithContext(map[string]any{"key": key, "max_concurrent": l.config.MaxConcurrent}),
		)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for concurrency slot: %w", ctx.Err())
	}
}

func (l *Limiter) acquireToken(ctx context.Context, key string, deadline time.Time) error {
	if l.config.MaxRequests <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.now()
		wait := l.reserveLocked(now)
		if wait == 0 {
			l.mu.Unlock()
			return l.checkShared(ctx, key)
		}
		if l.config.OnLimit == ActionReject || now.Add(wait).After(deadline) {
			l.rejected++
			l.mu.Unlock()
			return failure.RateLimited(key, wait)
		}
		l.waiting++
		l.mu.Unlock()

		slog.Debug("Rate limit wait", "key", key, "wait", wait)
		err := l.sleep(ctx, wait)

		l.setWaiting(-1)
		if err != nil {
			return fmt.Errorf("waiting for rate limit token: %w", err)
		}
	}
}

// reserveLocked admits a call at now and returns 0, or returns how long to wait.
func (l *Limiter) reserveLocked(now time.Time) time.Duration {
	l.pruneLocked(now)

	var wait time.Duration
	if len(l.admissions) >= l.config.MaxRequests {
		wait = l.admissions[0].Add(l.config.Window).Sub(now)
	}
	if l.bucket != nil {
		if tokens := l.bucket.TokensAt(now); tokens < 1 {
			tw := time.Duration((1 - tokens) / float64(l.bucket.Limit()) * float64(time.Second))
			wait = max(wait, tw)
		}
	}
	if wait > 0 {
		return max(wait, time.Millisecond)
	}

	if l.bucket != nil {
		l.bucket.AllowN(now, 1)
	}
	l.admissions = append(l.admissions, now)
	l.admitted++
	l.pruneHistoryLocked(now)
	l.history = append(l.history, now)
	return 0
}

func (l *Limiter) checkShared(ctx context.Context, key string) error {
	if l.counter == nil || key == "" {
		return nil
	}
	n, err := l.counter.Incr(ctx, "ratelimit:"+key, l.config.Window)
	if err != nil {
		slog.Warn("Shared rate limit counter unavailable", "key", key, "error", err)
		return nil
	}
	if n > int64(l.config.MaxRequests) {
		l.reject()
		return failure.RateLimited(key, l.config.Window)
	}
	return nil
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.config.Window)
	i := 0
	for i < len(l.admissions) && !l.admissions[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.admissions = append(l.admissions[:0], l.admissions[i:]...)
	}
}

func (l *Limiter) pruneHistoryLocked(now time.Time) {
	i := l.countBeforeLocked(now.Add(-time.Hour))
	if i > 0 {
		l.history = append(l.history[:0], l.history[i:]...)
	}
}

// countBeforeLocked returns how many history entries are at or before t.
func (l *Limiter) countBeforeLocked(t time.Time) int {
	return sort.Search(len(l.history), func(i int) bool { return l.history[i].After(t) })
}

func (l *Limiter) reject() {
	l.mu.Lock()
	l.rejected++
	l.mu.Unlock()
}

func (l *Limiter) setWaiting(delta int) {
	l.mu.Lock()
	l.waiting += delta
	l.mu.Unlock()
}

// Stats returns current limiter statistics.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)
	l.pruneHistoryLocked(now)

	s := Stats{
		Strategy:           l.config.Strategy,
		OnLimit:            l.config.OnLimit,
		RequestsInWindow:   len(l.admissions),
		MaxRequests:        l.config.MaxRequests,
		RequestsLastMinute: len(l.history) - l.countBeforeLocked(now.Add(-time.Minute)),
		RequestsLastHour:   len(l.history),
		Concurrent:         len(l.slots),
		MaxConcurrent:      l.config.MaxConcurrent,
		Waiting:            l.waiting,
		Admitted:           l.admitted,
		Rejected:           l.rejected,
	}

	remaining := float64(l.config.MaxRequests - len(l.admissions))
	if l.bucket != nil {
		remaining = min(remaining, l.bucket.TokensAt(now))
	}
	s.RemainingTokens = max(remaining, 0)
	return s
}

// Reset clears tokens, window log and counters. In-flight calls keep their slots.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.bucket = l.newBucket()
	l.admissions = nil
	l.history = nil
	l.admitted = 0
	l.rejected = 0
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
