package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/marketfetch/internal/resilience/failure"
)

type bucket struct {
	start     time.Time
	successes int
	failures  int
}

// Breaker guards one protected operation.
type Breaker struct {
	operation string
	config    Config
	outcome   func(error) Outcome
	onChange  StateChangeFunc
	now       func() time.Time

	mu             sync.Mutex
	state          State
	buckets        []bucket
	width          time.Duration
	lastFailure    time.Time
	nextAttempt    time.Time
	trialsInFlight int
	trialSuccesses int
	// generation changes on every entry into half-open so trials admitted in
	// an earlier period do not touch the current one.
	generation uint64
	opens          int64
	rejected       int64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithOutcome overrides how finished calls are accounted.
func WithOutcome(fn func(error) Outcome) Option {
	return func(b *Breaker) { b.outcome = fn }
}

// WithStateChange registers a transition callback. It runs outside the lock.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New creates a breaker for operation.
func New(operation string, config Config, opts ...Option) *Breaker {
	if config.RollingCountBuckets <= 0 {
		config.RollingCountBuckets = 10
	}
	if config.RollingCountTimeout <= 0 {
		config.RollingCountTimeout = 10 * time.Second
	}
	if config.HalfOpenMaxAttempts <= 0 {
		config.HalfOpenMaxAttempts = 1
	}
	if config.HalfOpenPolicy == "" {
		config.HalfOpenPolicy = PolicyAllTrials
	}

	b := &Breaker{
		operation: operation,
		config:    config,
		outcome:   DefaultOutcome,
		now:       time.Now,
		buckets:   make([]bucket, config.RollingCountBuckets),
		width:     config.RollingCountTimeout / time.Duration(config.RollingCountBuckets),
	}
	if b.width <= 0 {
		b.width = time.Millisecond
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Operation returns the protected operation name.
func (b *Breaker) Operation() string { return b.operation }

// Execute invokes fn unless the circuit is open. While open, fn is never called.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (result any, err error) {
	if !b.config.Enabled {
		return fn(ctx)
	}

	t, err := b.allow()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.done(t, errors.New("panic in protected call"))
			panic(r)
		}
	}()

	result, err = fn(ctx)
	b.done(t, err)
	return result, err
}

// ticket identifies an admitted call. Trials carry the half-open generation
// they were admitted in.
type ticket struct {
	trial      bool
	generation uint64
}

// allow decides admission.
func (b *Breaker) allow() (ticket, error) {
	var changed func()

	b.mu.Lock()
	now := b.now()

	if b.state == StateOpen {
		if now.Before(b.nextAttempt) {
			b.rejected++
			retryAt := b.nextAttempt
			b.mu.Unlock()
			return ticket{}, failure.CircuitOpen(b.operation, retryAt, now)
		}
		changed = b.transitionLocked(StateHalfOpen, now)
	}

	if b.state == StateHalfOpen {
		if b.trialsInFlight >= b.config.HalfOpenMaxAttempts {
			b.rejected++
			b.mu.Unlock()
			b.notify(changed)
			return ticket{}, failure.CircuitOpen(b.operation, now, now)
		}
		b.trialsInFlight++
		t := ticket{trial: true, generation: b.generation}
		b.mu.Unlock()
		b.notify(changed)
		return t, nil
	}

	b.mu.Unlock()
	b.notify(changed)
	return ticket{}, nil
}

func (b *Breaker) done(t ticket, err error) {
	var changed func()

	b.mu.Lock()
	now := b.now()

	// A trial from an earlier half-open period has no say in this one.
	current := !t.trial || (b.state == StateHalfOpen && t.generation == b.generation)
	if t.trial && current {
		b.trialsInFlight--
	}

	outcome := b.outcome(err)
	if outcome == OutcomeIgnored || !current {
		b.mu.Unlock()
		return
	}

	failed := outcome == OutcomeFailure
	bk := b.bucketLocked(now)
	if failed {
		bk.failures++
		b.lastFailure = now
	} else {
		bk.successes++
	}

	switch b.state {
	case StateHalfOpen:
		if !t.trial {
			break
		}
		if failed {
			changed = b.transitionLocked(StateOpen, now)
			break
		}
		b.trialSuccesses++
		if b.config.HalfOpenPolicy == PolicyFirstSuccess ||
			b.trialSuccesses >= b.config.HalfOpenMaxAttempts {
			changed = b.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		requests, failures := b.countsLocked(now)
		if requests >= b.config.VolumeThreshold && requests > 0 &&
			float64(failures)/float64(requests)*100 >= b.config.ErrorThresholdPercentage {
			changed = b.transitionLocked(StateOpen, now)
		}
	}
	b.mu.Unlock()

	b.notify(changed)
}

// transitionLocked switches state and returns the deferred notification.
func (b *Breaker) transitionLocked(to State, now time.Time) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	switch to {
	case StateOpen:
		b.opens++
		b.nextAttempt = now.Add(b.config.ResetTimeout)
		b.trialsInFlight = 0
		b.trialSuccesses = 0
	case StateHalfOpen:
		b.generation++
		b.trialsInFlight = 0
		b.trialSuccesses = 0
	case StateClosed:
		b.trialsInFlight = 0
		b.trialSuccesses = 0
		b.nextAttempt = time.Time{}
		for i := range b.buckets {
			b.buckets[i] = bucket{}
		}
	}

	op, cb := b.operation, b.onChange
	return func() {
		slog.Info("Circuit breaker state changed", "operation", op, "from", from.String(), "to", to.String())
		if cb != nil {
			cb(op, from, to)
		}
	}
}

func (b *Breaker) notify(fn func()) {
	if fn != nil {
		fn()
	}
}

func (b *Breaker) bucketLocked(now time.Time) *bucket {
	start := now.Truncate(b.width)
	idx := int((start.UnixNano() / int64(b.width)) % int64(len(b.buckets)))
	bk := &b.buckets[idx]
	if !bk.start.Equal(start) {
		*bk = bucket{start: start}
	}
	return bk
}

func (b *Breaker) countsLocked(now time.Time) (requests, failures int) {
	cutoff := now.Add(-b.config.RollingCountTimeout)
	for _, bk := range b.buckets {
		if bk.start.IsZero() || !bk.start.After(cutoff) {
			continue
		}
		requests += bk.successes + bk.failures
		failures += bk.failures
	}
	return requests, failures
}

// State returns the current state, applying a due open → half-open transition
// only on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot for tests and operational visibility.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	requests, failures := b.countsLocked(now)
	m := Metrics{
		Operation:      b.operation,
		State:          b.state,
		Requests:       requests,
		Failures:       failures,
		Successes:      requests - failures,
		WindowStart:    now.Add(-b.config.RollingCountTimeout),
		LastFailureAt:  b.lastFailure,
		NextAttemptAt:  b.nextAttempt,
		HalfOpenTrials: b.trialsInFlight,
		Opens:          b.opens,
		Rejected:       b.rejected,
	}
	if requests > 0 {
		m.FailureRate = float64(failures) / float64(requests) * 100
		m.SuccessRate = 100 - m.FailureRate
	}
	return m
}

// Reset forces the breaker closed with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.transitionLocked(StateClosed, b.now())
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.mu.Unlock()
	b.notify(changed)
}
