package source

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestMonitorSlidingWindow(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMonitor(c.now)

	m.RecordRequest(100 * time.Millisecond)
	c.t = c.t.Add(2 * time.Hour)
	for range 100 {
		m.RecordRequest(50 * time.Millisecond)
	}

	stats := m.Stats()
	if stats.RequestsLast24Hours != 101 {
		t.Errorf("RequestsLast24Hours = %d, want 101", stats.RequestsLast24Hours)
	}
	if stats.RequestsLast1Hour != 100 {
		t.Errorf("RequestsLast1Hour = %d, want 100", stats.RequestsLast1Hour)
	}

	c.t = c.t.Add(23 * time.Hour)
	m.RecordRequest(50 * time.Millisecond)
	if got := m.Stats().RequestsLast24Hours; got != 101 {
		t.Errorf("after window slide RequestsLast24Hours = %d, want 101", got)
	}
}

func TestMonitorStatus(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	t.Run("blocked then recovers", func(t *testing.T) {
		m := NewMonitor(c.now)
		m.RecordThrottle(403, 0)
		if got := m.Status(); got != StatusBlocked {
			t.Errorf("Status() = %v, want blocked", got)
		}
		c.t = c.t.Add(11 * time.Minute)
		if got := m.Status(); got != StatusHealthy {
			t.Errorf("Status() = %v, want healthy", got)
		}
	})

	t.Run("throttled after repeated 429", func(t *testing.T) {
		m := NewMonitor(c.now)
		for range 6 {
			m.RecordThrottle(429, 30*time.Second)
		}
		if got := m.Status(); got != StatusThrottled {
			t.Errorf("Status() = %v, want throttled", got)
		}
		if got := m.RetryAfter(); got != 30*time.Second {
			t.Errorf("RetryAfter() = %v, want 30s", got)
		}
		c.t = c.t.Add(31 * time.Second)
		if got := m.Status(); got != StatusHealthy {
			t.Errorf("Status() = %v, want healthy", got)
		}
	})

	t.Run("degraded when slow", func(t *testing.T) {
		m := NewMonitor(c.now)
		for range 11 {
			m.RecordRequest(5 * time.Second)
		}
		if got := m.Status(); got != StatusDegraded {
			t.Errorf("Status() = %v, want degraded", got)
		}
	})

	t.Run("throttled near daily limit", func(t *testing.T) {
		m := NewMonitor(c.now)
		m.SetDailyLimit(10)
		for range 10 {
			m.RecordRequest(time.Millisecond)
		}
		if got := m.Status(); got != StatusThrottled {
			t.Errorf("Status() = %v, want throttled", got)
		}
	})
}

func TestDetectThrottlePattern(t *testing.T) {
	m := NewMonitor(nil)
	tests := []struct {
		msg  string
		want bool
	}{
		{"Rate limit exceeded for this key", true},
		{"Too Many Requests", true},
		{"Daily request count exceeded", true},
		{"Not Found", false},
	}
	for _, tt := range tests {
		if got := m.DetectThrottlePattern(tt.msg); got != tt.want {
			t.Errorf("DetectThrottlePattern(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
