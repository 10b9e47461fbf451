package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/marketfetch/internal/core/config"
	"github.com/vietddude/marketfetch/internal/resilience/failure"
	"github.com/vietddude/marketfetch/internal/resilience/orchestrator"
	"github.com/vietddude/marketfetch/internal/source"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *stubFetcher) Quote(_ context.Context, symbol string) (source.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[symbol]++
	if f.err != nil {
		return nil, f.err
	}
	return source.Quote{
		"symbol":                     symbol,
		"regularMarketPrice":         100.5,
		"regularMarketTime":          time.Now().Unix(),
		"regularMarketChangePercent": 0.4,
		"regularMarketVolume":        1200,
		"currency":                   "USD",
	}, nil
}

func (f *stubFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *stubFetcher) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

func testConfig() *config.AppConfig {
	off := false
	return &config.AppConfig{
		Symbols:        []string{"AAPL", "MSFT"},
		PollIntervalMs: 60_000,
		Resilience: config.ResilienceConfig{
			TimeoutMs: 2_000,
			Retry:     config.RetryConfig{Enabled: &off},
			Cache:     config.CacheConfig{Store: "memory", TTLMs: 60_000},
			Fallback:  config.FallbackConfig{Store: "memory"},
		},
	}
}

func newTestService(t *testing.T) (*Service, *stubFetcher) {
	t.Helper()
	f := &stubFetcher{}
	s, err := NewService(context.Background(), testConfig(), WithFetcher(f))
	require.NoError(t, err)
	return s, f
}

func TestService_QuoteLiveThenCache(t *testing.T) {
	s, f := newTestService(t)
	ctx := context.Background()

	q, res, err := s.Quote(ctx, " aapl ", false)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.SourceLive, res.Source)
	assert.Equal(t, "AAPL", q["symbol"])
	require.NotNil(t, res.Quality)

	_, res, err = s.Quote(ctx, "AAPL", false)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.SourceCache, res.Source)
	assert.Equal(t, 1, f.count("AAPL"))
}

func TestService_QuoteDegradesToCachedValue(t *testing.T) {
	s, f := newTestService(t)
	ctx := context.Background()

	_, _, err := s.Quote(ctx, "MSFT", false)
	require.NoError(t, err)

	f.setErr(&failure.StatusError{StatusCode: http.StatusServiceUnavailable})
	q, res, err := s.Quote(ctx, "MSFT", true)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.SourceCacheFallback, res.Source)
	assert.True(t, res.IsPartial)
	assert.Equal(t, "MSFT", q["symbol"])
	assert.Equal(t, failure.KindServer, res.Err.Kind)
}

func TestService_QuoteFailsWithoutFallback(t *testing.T) {
	s, f := newTestService(t)
	f.setErr(failure.ErrNotFound)

	_, res, err := s.Quote(context.Background(), "NOPE", false)
	assert.Nil(t, res)
	var fe *failure.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, failure.KindNotFound, fe.Kind)
}

func TestService_Warm(t *testing.T) {
	s, f := newTestService(t)

	assert.Equal(t, 2, s.Warm(context.Background()))
	assert.True(t, s.Orchestrator().Cache().Has("quote:AAPL"))
	assert.True(t, s.Orchestrator().Cache().Has("quote:MSFT"))

	f.setErr(errors.New("connection refused"))
	// Degraded values are not re-cached as fresh.
	assert.Equal(t, 0, s.Warm(context.Background()))
}

func TestService_PollRefreshes(t *testing.T) {
	s, f := newTestService(t)

	require.NoError(t, s.poll(context.Background(), "AAPL"))
	require.NoError(t, s.poll(context.Background(), "AAPL"))
	assert.Equal(t, 2, f.count("AAPL"))

	f.setErr(failure.ErrNotFound)
	assert.Error(t, s.poll(context.Background(), "ZZZZ"))
}

func TestService_StatsEndpoint(t *testing.T) {
	s, _ := newTestService(t)
	_, _, err := s.Quote(context.Background(), "AAPL", false)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats struct {
		Outcomes map[string]int64 `json:"outcomes"`
		Stages   []string         `json:"stages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Outcomes["live"])
	assert.Equal(t, []string{"circuit_breaker", "rate_limit", "retry"}, stats.Stages)
}

func TestService_Lifecycle(t *testing.T) {
	s, f := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, f.count("AAPL"))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	assert.NoError(t, s.Stop(stopCtx))
}
