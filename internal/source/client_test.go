package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/marketfetch/internal/resilience/failure"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return NewClient(Config{Name: "test", BaseURL: server.URL, Timeout: 2 * time.Second}), &hits
}

func TestClient_Quote(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v7/finance/quote", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbols"))
		_, _ = w.Write([]byte(`{"quoteResponse":{"result":[{"symbol":"AAPL","regularMarketPrice":189.5}],"error":null}}`))
	})

	q, err := c.Quote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q["symbol"])
	assert.Equal(t, 189.5, q["regularMarketPrice"])
	assert.True(t, c.Health().Available)
	assert.Equal(t, 1, c.Monitor.Stats().RequestsLast24Hours)
}

func TestClient_FailureShapes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		header map[string]string
		body   string
		want   failure.Kind
	}{
		{"rate limited", 429, map[string]string{"Retry-After": "7"}, "slow down", failure.KindRateLimitExceeded},
		{"forbidden", 403, nil, "", failure.KindSession},
		{"server error", 503, nil, "unavailable", failure.KindServer},
		{"gateway timeout", 504, nil, "", failure.KindTimeout},
		{"throttle in body", 400, nil, "Too Many Requests", failure.KindRateLimitExceeded},
		{"empty body", 200, nil, "", failure.KindDataIncomplete},
		{"missing envelope", 200, nil, `{"finance":{}}`, failure.KindAPIChanged},
		{"not json", 200, nil, `<html>`, failure.KindAPIChanged},
		{"unknown symbol", 200, nil, `{"quoteResponse":{"result":[],"error":null}}`, failure.KindNotFound},
		{"envelope error", 200, nil, `{"quoteResponse":{"result":null,"error":{"code":"x","description":"service unavailable"}}}`, failure.KindServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.Quote(context.Background(), "AAPL")
			require.Error(t, err)
			assert.Equal(t, tt.want, failure.Classify(err).Kind)
		})
	}
}

func TestClient_RetryAfterHint(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Quote(context.Background(), "AAPL")
	var se *failure.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 7*time.Second, se.RetryAfter)
	assert.Equal(t, 7*time.Second, failure.Classify(err).RetryAfter)
}

func TestClient_ThrottledSkipsRequest(t *testing.T) {
	c, hits := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	for range 6 {
		_, _ = c.Quote(context.Background(), "AAPL")
	}
	require.Equal(t, StatusThrottled, c.Monitor.Status())

	_, err := c.Quote(context.Background(), "AAPL")
	assert.Equal(t, failure.KindRateLimitExceeded, failure.Classify(err).Kind)
	assert.Equal(t, int32(6), hits.Load())
}

func TestClient_Quotes(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quoteResponse":{"result":[{"symbol":"AAPL"},{"symbol":"MSFT"}],"error":null}}`))
	})

	quotes, err := c.Quotes(context.Background(), []string{"AAPL", "MSFT"})
	require.NoError(t, err)
	assert.Len(t, quotes, 2)

	_, err = c.Quotes(context.Background(), []string{"AAPL", "MSFT", "NOPE"})
	fe := failure.Classify(err)
	assert.Equal(t, failure.KindPartialData, fe.Kind)
	assert.True(t, fe.HasPartialData())
	assert.Equal(t, []string{"No quote returned for NOPE"}, fe.Warnings)
	assert.Len(t, fe.PartialData, 2)
}

func TestClient_Timeout(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Quote(ctx, "AAPL")
	assert.Equal(t, failure.KindTimeout, failure.Classify(err).Kind)
	assert.False(t, c.Health().LastFailureAt.IsZero())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"garbage", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.in, now); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
