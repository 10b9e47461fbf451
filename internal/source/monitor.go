package source

import (
	"strings"
	"sync"
	"time"
)

// Status represents the health state of an upstream source.
type Status int

const (
	StatusHealthy   Status = iota // Source is working normally
	StatusDegraded                // Source is slow but working
	StatusThrottled               // Source is rate limiting
	StatusBlocked                 // Source has blocked this client
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusThrottled:
		return "throttled"
	case StatusBlocked:
		return "blocked"
	}
	return "unknown"
}

// MarshalText renders the status name in JSON output.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MonitorStats holds monitoring statistics for a source.
type MonitorStats struct {
	Status              Status        `json:"status"`
	AverageLatency      time.Duration `json:"average_latency"`
	ThrottleCount429    int           `json:"throttle_count_429"`
	ThrottleCount403    int           `json:"throttle_count_403"`
	RequestsLast1Hour   int           `json:"requests_last_1h"`
	RequestsLast24Hours int           `json:"requests_last_24h"`
	EstimatedDailyLimit int           `json:"estimated_daily_limit"`
	UsagePercentage     float64       `json:"usage_percentage"`
}

// Monitor tracks upstream health and throttling.
type Monitor struct {
	mu  sync.RWMutex
	now func() time.Time

	// Response time tracking
	recentLatencies  []time.Duration
	maxLatencyWindow int

	// Throttle tracking
	status429Count   int
	status403Count   int
	throttlePatterns []string
	lastThrottleTime time.Time
	retryAfter       time.Duration

	// Sliding window
	requestTimestamps   []time.Time
	estimatedDailyLimit int
	windowDuration      time.Duration

	// Thresholds
	slowResponseThreshold time.Duration
	throttledAfter429     int
}

// NewMonitor creates a monitor with default thresholds.
func NewMonitor(now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		now:              now,
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		throttlePatterns: []string{
			"rate limit exceeded",
			"too many requests",
			"daily request count exceeded",
			"request limit",
			"quota exceeded",
		},
		estimatedDailyLimit:   48000, // Conservative estimate for unauthenticated quote APIs
		windowDuration:        24 * time.Hour,
		slowResponseThreshold: 3 * time.Second,
		throttledAfter429:     5,
	}
}

// RecordRequest records a successful request with its latency.
func (m *Monitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}

	m.requestTimestamps = append(m.requestTimestamps, now)

	// Drop timestamps outside the window
	cutoff := now.Add(-m.windowDuration)
	i := 0
	for i < len(m.requestTimestamps) && !m.requestTimestamps[i].After(cutoff) {
		i++
	}
	m.requestTimestamps = m.requestTimestamps[i:]
}

// RecordThrottle records a 429 or 403 response. retryAfter is the server hint, if any.
func (m *Monitor) RecordThrottle(statusCode int, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastThrottleTime = m.now()

	switch statusCode {
	case 429:
		m.status429Count++
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}
		m.retryAfter = retryAfter
	case 403:
		m.status403Count++
		m.retryAfter = 10 * time.Minute // Longer for IP block
	}
}

// DetectThrottlePattern checks if a message contains throttle patterns.
func (m *Monitor) DetectThrottlePattern(message string) bool {
	lower := strings.ToLower(message)
	for _, pattern := range m.throttlePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// Status returns the current status of the source.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() Status {
	cooling := m.now().Sub(m.lastThrottleTime) < m.retryAfter

	if m.status403Count > 0 && cooling {
		return StatusBlocked
	}
	if m.status429Count > m.throttledAfter429 && cooling {
		return StatusThrottled
	}

	if len(m.recentLatencies) > 10 && m.averageLatencyLocked() > m.slowResponseThreshold {
		return StatusDegraded
	}

	if float64(len(m.requestTimestamps))/float64(m.estimatedDailyLimit) > 0.9 {
		return StatusThrottled
	}
	return StatusHealthy
}

// RetryAfter returns remaining time before requests should resume.
func (m *Monitor) RetryAfter() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if remaining := m.retryAfter - m.now().Sub(m.lastThrottleTime); remaining > 0 {
		return remaining
	}
	return 0
}

func (m *Monitor) averageLatencyLocked() time.Duration {
	if len(m.recentLatencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.recentLatencies {
		total += lat
	}
	return total / time.Duration(len(m.recentLatencies))
}

// Stats returns current monitoring statistics.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.now().Add(-time.Hour)
	lastHour := 0
	for _, t := range m.requestTimestamps {
		if t.After(cutoff) {
			lastHour++
		}
	}

	return MonitorStats{
		Status:              m.statusLocked(),
		AverageLatency:      m.averageLatencyLocked(),
		ThrottleCount429:    m.status429Count,
		ThrottleCount403:    m.status403Count,
		RequestsLast1Hour:   lastHour,
		RequestsLast24Hours: len(m.requestTimestamps),
		EstimatedDailyLimit: m.estimatedDailyLimit,
		UsagePercentage:     float64(len(m.requestTimestamps)) / float64(m.estimatedDailyLimit) * 100,
	}
}

// SetDailyLimit updates the estimated daily limit.
func (m *Monitor) SetDailyLimit(limit int) {
	if limit <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimatedDailyLimit = limit
}
