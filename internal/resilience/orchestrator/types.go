package orchestrator

import (
	"context"
	"time"

	"github.com/vietddude/marketfetch/internal/resilience/breaker"
	"github.com/vietddude/marketfetch/internal/resilience/cache"
	"github.com/vietddude/marketfetch/internal/resilience/failure"
	"github.com/vietddude/marketfetch/internal/resilience/quality"
	"github.com/vietddude/marketfetch/internal/resilience/ratelimit"
)

// Fetch is the caller-supplied call to the data source.
type Fetch func(ctx context.Context) (any, error)

// Source tells where a result's value came from.
type Source string

const (
	SourceCache         Source = "cache"
	SourceLive          Source = "live"
	SourceCacheFallback Source = "cache_fallback"
	SourceFallback      Source = "fallback"
	SourcePartial       Source = "partial"
)

// Request describes one logical call.
type Request struct {
	// Operation names the protected upstream call. It selects the breaker.
	Operation string
	// Key is the logical cache and fallback key. Empty means Operation.
	Key string
	// ForceRefresh skips the cache read. The live result still populates it.
	ForceRefresh bool
	// Timeout bounds the whole pipeline including retries. Zero uses the
	// orchestrator default.
	Timeout time.Duration
	// Fields overrides the expected field set for quality grading.
	Fields *quality.FieldSet
	// CacheTTL overrides the cache TTL. Negative disables caching the result.
	CacheTTL time.Duration
}

func (r Request) key() string {
	if r.Key != "" {
		return r.Key
	}
	return r.Operation
}

// Result is the terminal outcome of a call that produced a value.
type Result struct {
	RequestID string          `json:"request_id"`
	Value     any             `json:"value"`
	Source    Source          `json:"source"`
	Quality   *quality.Report `json:"quality,omitempty"`
	Warnings  []string        `json:"warnings"`
	IsPartial bool            `json:"is_partial"`
	// Err is the live failure a degraded result stands in for.
	Err       *failure.Error `json:"error,omitempty"`
	FetchedAt time.Time      `json:"fetched_at"`
	Duration  time.Duration  `json:"duration"`
}

// Stats aggregates the pipeline's components.
type Stats struct {
	Cache     cache.Stats            `json:"cache"`
	RateLimit ratelimit.Stats        `json:"rate_limit"`
	Breakers  []breaker.Metrics      `json:"circuit_breakers"`
	Outcomes  map[Source]int64       `json:"outcomes"`
	Failures  map[failure.Kind]int64 `json:"failures"`
	Stages    []string               `json:"stages"`
}

// Recorder receives per-call telemetry.
type Recorder interface {
	RecordOutcome(operation, source string, d time.Duration)
	RecordFailure(operation, kind string)
	RecordCompleteness(operation string, score float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutcome(string, string, time.Duration) {}
func (nopRecorder) RecordFailure(string, string)                 {}
func (nopRecorder) RecordCompleteness(string, float64)           {}
