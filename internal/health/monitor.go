package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/marketfetch/internal/resilience/breaker"
	"github.com/vietddude/marketfetch/internal/source"
)

// CheckFunc pings one dependency.
type CheckFunc func(ctx context.Context) error

// BreakerLister lists circuit breaker metrics.
type BreakerLister interface {
	All() []breaker.Metrics
}

// SourceMonitor reports upstream throttling state.
type SourceMonitor interface {
	Stats() source.MonitorStats
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	checks   map[string]CheckFunc
	breakers BreakerLister
	source   SourceMonitor
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	lastCheck  time.Time
	lastReport *Report
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithCheck registers a dependency ping. A failing dependency degrades the system.
func WithCheck(name string, fn CheckFunc) Option {
	return func(m *Monitor) { m.checks[name] = fn }
}

func WithBreakers(b BreakerLister) Option { return func(m *Monitor) { m.breakers = b } }

func WithSource(s SourceMonitor) Option { return func(m *Monitor) { m.source = s } }

// WithInterval sets how long a report is reused before checks run again.
func WithInterval(d time.Duration) Option { return func(m *Monitor) { m.interval = d } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// NewMonitor creates a new health monitor.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		checks:   make(map[string]CheckFunc),
		interval: 10 * time.Second,
		timeout:  2 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckHealth runs all checks, reusing the previous report within the interval.
func (m *Monitor) CheckHealth(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid hammering dependencies
	if m.lastReport != nil && m.now().Sub(m.lastCheck) < m.interval {
		return *m.lastReport
	}

	report := Report{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.checks)),
		Breakers:     []breaker.Metrics{},
		CheckedAt:    m.now(),
	}

	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c := m.ping(ctx, name, m.checks[name])
		report.Components[name] = c
		report.SystemStatus = worse(report.SystemStatus, c.Status)
	}

	if m.breakers != nil {
		report.Breakers = m.breakers.All()
		open := 0
		for _, b := range report.Breakers {
			if b.State == breaker.StateOpen {
				open++
			}
		}
		switch {
		case open > 0 && open == len(report.Breakers):
			report.SystemStatus = StatusCritical
		case open > 0:
			report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
		}
	}

	if m.source != nil {
		stats := m.source.Stats()
		report.Source = &stats
		switch stats.Status {
		case source.StatusBlocked:
			report.SystemStatus = StatusCritical
		case source.StatusThrottled, source.StatusDegraded:
			report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
		}
	}

	m.lastCheck = report.CheckedAt
	m.lastReport = &report
	return report
}

func (m *Monitor) ping(ctx context.Context, name string, fn CheckFunc) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.now()
	err := fn(ctx)
	c := ComponentHealth{Name: name, Status: StatusHealthy, Latency: m.now().Sub(start)}
	if err != nil {
		c.Status = StatusDegraded
		c.Error = err.Error()
	}
	return c
}
