package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/marketfetch/internal/resilience/failure"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.Advance(d)
	return nil
}

func ok(context.Context) (any, error) { return "ok", nil }

func TestLimiter_RejectsBeyondWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{
		Strategy:    StrategySlidingWindow,
		MaxRequests: 3,
		Window:      time.Second,
		OnLimit:     ActionReject,
	}, WithClock(clock.Now, clock.Sleep))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := l.Execute(ctx, "quote", ok)
		require.NoError(t, err)
	}

	_, err := l.Execute(ctx, "quote", ok)
	fe, isFailure := failure.As(err)
	require.True(t, isFailure)
	assert.Equal(t, failure.KindRateLimitExceeded, fe.Kind)
	assert.True(t, fe.RateLimit)
	assert.Equal(t, time.Second, fe.RetryAfter)

	clock.Advance(time.Second)
	_, err = l.Execute(ctx, "quote", ok)
	assert.NoError(t, err)

	s := l.Stats()
	assert.Equal(t, int64(4), s.Admitted)
	assert.Equal(t, int64(1), s.Rejected)
}

func TestLimiter_WaitStrategyBlocksUntilWindowFrees(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	l := New(Config{
		Strategy:    StrategySlidingWindow,
		MaxRequests: 2,
		Window:      time.Second,
		OnLimit:     ActionWait,
		MaxWait:     5 * time.Second,
	}, WithClock(clock.Now, clock.Sleep))

	for i := 0; i < 3; i++ {
		_, err := l.Execute(context.Background(), "quote", ok)
		require.NoError(t, err)
	}

	assert.Equal(t, time.Second, clock.Now().Sub(start))
}

func TestLimiter_WaitBudgetExceededRejects(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{
		Strategy:    StrategySlidingWindow,
		MaxRequests: 1,
		Window:      time.Minute,
		OnLimit:     ActionWait,
		MaxWait:     time.Second,
	}, WithClock(clock.Now, clock.Sleep))

	_, err := l.Execute(context.Background(), "quote", ok)
	require.NoError(t, err)

	_, err = l.Execute(context.Background(), "quote", ok)
	assert.Equal(t, failure.KindRateLimitExceeded, failure.KindOf(err))
}

// Admissions inside any window never exceed MaxRequests, even when the token
// bucket refills faster than the window allows.
func TestLimiter_WindowInvariant(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		Strategy:        StrategyTokenBucket,
		MaxRequests:     5,
		Window:          time.Second,
		TokenRefillRate: 50,
		OnLimit:         ActionWait,
		MaxWait:         time.Minute,
	}

	var mu sync.Mutex
	var admitted []time.Time
	l := New(cfg, WithClock(clock.Now, clock.Sleep))

	for i := 0; i < 40; i++ {
		_, err := l.Execute(context.Background(), "quote", func(context.Context) (any, error) {
			mu.Lock()
			admitted = append(admitted, clock.Now())
			mu.Unlock()
			clock.Advance(37 * time.Millisecond)
			return nil, nil
		})
		require.NoError(t, err)
	}

	for i := range admitted {
		inWindow := 0
		for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < cfg.Window; j++ {
			inWindow++
		}
		assert.LessOrEqual(t, inWindow, cfg.MaxRequests, "window starting at %d", i)
	}
}

func TestLimiter_TokenBucketRefill(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{
		Strategy:        StrategyTokenBucket,
		MaxRequests:     2,
		Window:          time.Second,
		TokenRefillRate: 2,
		OnLimit:         ActionReject,
	}, WithClock(clock.Now, clock.Sleep))

	ctx := context.Background()
	_, _ = l.Execute(ctx, "k", ok)
	_, _ = l.Execute(ctx, "k", ok)
	assert.InDelta(t, 0, l.Stats().RemainingTokens, 1e-9)

	clock.Advance(time.Second)
	assert.InDelta(t, 2, l.Stats().RemainingTokens, 1e-9)
}

func TestLimiter_ConcurrencyCeiling(t *testing.T) {
	l := New(Config{
		MaxRequests:   1000,
		Window:        time.Second,
		MaxConcurrent: 2,
		OnLimit:       ActionWait,
		MaxWait:       2 * time.Second,
	})

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Execute(context.Background(), "k", func(context.Context) (any, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, l.Stats().Concurrent)
}

func TestLimiter_ConcurrencyRejectAndRelease(t *testing.T) {
	l := New(Config{
		MaxRequests:   100,
		Window:        time.Second,
		MaxConcurrent: 1,
		OnLimit:       ActionReject,
	})

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = l.Execute(context.Background(), "k", func(context.Context) (any, error) {
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	_, err := l.Execute(context.Background(), "k", ok)
	assert.Equal(t, failure.KindRateLimitExceeded, failure.KindOf(err))
	assert.Equal(t, 1, l.Stats().Concurrent)

	close(release)
	<-done
	assert.Equal(t, 0, l.Stats().Concurrent)
}

func TestLimiter_SlotReleasedOnError(t *testing.T) {
	l := New(Config{MaxRequests: 10, Window: time.Second, MaxConcurrent: 1, OnLimit: ActionReject})

	boom := errors.New("boom")
	_, err := l.Execute(context.Background(), "k", func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	_, err = l.Execute(context.Background(), "k", ok)
	assert.NoError(t, err)
}

func TestLimiter_CanceledWhileWaiting(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{
		Strategy:    StrategySlidingWindow,
		MaxRequests: 1,
		Window:      time.Second,
		OnLimit:     ActionWait,
		MaxWait:     time.Minute,
	}, WithClock(clock.Now, clock.Sleep))

	_, err := l.Execute(context.Background(), "k", ok)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Execute(ctx, "k", ok)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, l.Stats().Waiting)
}

type sharedCounter struct {
	mu sync.Mutex
	n  map[string]int64
}

func (s *sharedCounter) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n[key]++
	return s.n[key], nil
}

func TestLimiter_SharedCounterCoordinatesInstances(t *testing.T) {
	shared := &sharedCounter{n: map[string]int64{}}
	cfg := Config{Strategy: StrategySlidingWindow, MaxRequests: 2, Window: time.Minute, OnLimit: ActionReject}
	a := New(cfg, WithCounter(shared))
	b := New(cfg, WithCounter(shared))

	_, err := a.Execute(context.Background(), "quote", ok)
	require.NoError(t, err)
	_, err = b.Execute(context.Background(), "quote", ok)
	require.NoError(t, err)

	_, err = b.Execute(context.Background(), "quote", ok)
	assert.Equal(t, failure.KindRateLimitExceeded, failure.KindOf(err))
}

func TestLimiter_Reset(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Strategy: StrategySlidingWindow, MaxRequests: 1, Window: time.Hour, OnLimit: ActionReject},
		WithClock(clock.Now, clock.Sleep))

	_, _ = l.Execute(context.Background(), "k", ok)
	_, err := l.Execute(context.Background(), "k", ok)
	require.Error(t, err)

	l.Reset()
	_, err = l.Execute(context.Background(), "k", ok)
	assert.NoError(t, err)
	assert.Equal(t, 1, l.Stats().RequestsLastMinute)
	assert.Equal(t, 1, l.Stats().RequestsLastHour)
}

func TestLimiter_RollingMinuteAndHourCounts(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Strategy: StrategySlidingWindow, MaxRequests: 100, Window: time.Second, OnLimit: ActionReject},
		WithClock(clock.Now, clock.Sleep))

	_, _ = l.Execute(context.Background(), "k", ok)
	clock.Advance(40 * time.Second)
	_, _ = l.Execute(context.Background(), "k", ok)
	_, _ = l.Execute(context.Background(), "k", ok)

	s := l.Stats()
	assert.Equal(t, 3, s.RequestsLastMinute)
	assert.Equal(t, 3, s.RequestsLastHour)

	// The first call leaves the minute, the other two stay.
	clock.Advance(30 * time.Second)
	s = l.Stats()
	assert.Equal(t, 2, s.RequestsLastMinute)
	assert.Equal(t, 3, s.RequestsLastHour)

	clock.Advance(59 * time.Minute)
	s = l.Stats()
	assert.Equal(t, 0, s.RequestsLastMinute)
	assert.Equal(t, 2, s.RequestsLastHour)

	clock.Advance(time.Minute)
	assert.Equal(t, 0, l.Stats().RequestsLastHour)
}
