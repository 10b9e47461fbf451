package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubPruner struct {
	cutoff time.Time
	n      int64
	err    error
}

func (s *stubPruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.cutoff = cutoff
	return s.n, s.err
}

func TestPruner_Prune(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	repo := &stubPruner{n: 3}
	p := NewPruner(48*time.Hour, repo)
	p.now = func() time.Time { return now }

	p.Prune(context.Background())
	if want := now.Add(-48 * time.Hour); !repo.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", repo.cutoff, want)
	}

	repo.err = errors.New("db down")
	p.Prune(context.Background())
}

func TestPruner_Interval(t *testing.T) {
	tests := []struct {
		retention time.Duration
		want      time.Duration
	}{
		{5 * time.Minute, time.Minute},
		{2 * time.Hour, 12 * time.Minute},
		{7 * 24 * time.Hour, time.Hour},
	}
	for _, tt := range tests {
		if got := NewPruner(tt.retention, &stubPruner{}).Interval(); got != tt.want {
			t.Errorf("Interval(%v) = %v, want %v", tt.retention, got, tt.want)
		}
	}
}

func TestPruner_DisabledReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewPruner(0, &stubPruner{}).Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start with zero retention did not return")
	}
}

func TestPoller_Round(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	var inFlight, peak atomic.Int32

	p := NewPoller([]string{"AAPL", "MSFT", "GOOG", "BAD"}, time.Minute, 2, func(_ context.Context, s string) error {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		seen[s]++
		mu.Unlock()
		if s == "BAD" {
			return errors.New("not found")
		}
		return nil
	})

	if got := p.Round(context.Background()); got != 3 {
		t.Errorf("Round() = %d, want 3", got)
	}
	if len(seen) != 4 {
		t.Errorf("polled %d symbols, want 4", len(seen))
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestPoller_CanceledSkips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	p := NewPoller([]string{"AAPL"}, time.Minute, 1, func(context.Context, string) error {
		calls++
		return nil
	})
	if got := p.Round(ctx); got != 0 || calls != 0 {
		t.Errorf("Round() = %d with %d calls, want 0 and 0", got, calls)
	}
}
