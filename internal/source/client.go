// Package source fetches market quotes from an upstream HTTP JSON API and maps
// its failure modes onto the shapes the failure classifier understands.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/marketfetch/internal/metrics"
	"github.com/vietddude/marketfetch/internal/resilience/failure"
)

// Quote is one upstream quote record, keyed by upstream field names.
type Quote map[string]any

// Config holds upstream connection settings.
type Config struct {
	Name      string        `yaml:"name"`
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"-"`
	// DailyLimit is the estimated upstream daily request budget.
	DailyLimit int `yaml:"daily_limit"`
}

// HealthStatus summarises recent request outcomes.
type HealthStatus struct {
	Available     bool          `json:"available"`
	Latency       time.Duration `json:"latency"`
	ErrorRate     float64       `json:"error_rate"`
	LastSuccessAt time.Time     `json:"last_success_at"`
	LastFailureAt time.Time     `json:"last_failure_at"`
}

// Client is an HTTP quote client.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
	now        func() time.Time

	mu           sync.RWMutex
	health       HealthStatus
	totalLatency time.Duration
	successCount int
	failureCount int
	requestCount int

	Monitor *Monitor
}

// NewClient creates a quote client.
func NewClient(cfg Config) *Client {
	if cfg.Name == "" {
		cfg.Name = "quotes"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "marketfetch/1.0"
	}

	c := &Client{
		name:      cfg.Name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now:     time.Now,
		health:  HealthStatus{Available: true, LastSuccessAt: time.Now()},
		Monitor: NewMonitor(nil),
	}
	c.Monitor.SetDailyLimit(cfg.DailyLimit)
	return c
}

// Name returns the source name.
func (c *Client) Name() string { return c.name }

// Quote fetches one symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (Quote, error) {
	quotes, err := c.fetch(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("quote %s: %w", symbol, failure.ErrNotFound)
	}
	return quotes[0], nil
}

// Quotes fetches several symbols in one request. When only some symbols come
// back the returned error is a *failure.PartialError carrying the found quotes.
func (c *Client) Quotes(ctx context.Context, symbols []string) ([]Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	quotes, err := c.fetch(ctx, symbols)
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("quotes %s: %w", strings.Join(symbols, ","), failure.ErrNotFound)
	}

	found := make(map[string]bool, len(quotes))
	for _, q := range quotes {
		if s, ok := q["symbol"].(string); ok {
			found[strings.ToUpper(s)] = true
		}
	}
	var warnings []string
	for _, s := range symbols {
		if !found[strings.ToUpper(s)] {
			warnings = append(warnings, fmt.Sprintf("No quote returned for %s", s))
		}
	}
	if len(warnings) > 0 {
		return nil, &failure.PartialError{
			Data:     quotes,
			Warnings: warnings,
			Err:      fmt.Errorf("%d of %d symbols missing", len(warnings), len(symbols)),
		}
	}
	return quotes, nil
}

type quoteEnvelope struct {
	QuoteResponse *struct {
		Result []Quote `json:"result"`
		Error  *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"quoteResponse"`
}

func (c *Client) fetch(ctx context.Context, symbols []string) ([]Quote, error) {
	// Pre-call checks
	switch c.Monitor.Status() {
	case StatusBlocked:
		return nil, &failure.StatusError{StatusCode: http.StatusForbidden, Body: "source blocked this client"}
	case StatusThrottled:
		return nil, &failure.StatusError{
			StatusCode: http.StatusTooManyRequests,
			Body:       "source throttled",
			RetryAfter: c.Monitor.RetryAfter(),
		}
	}

	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	endpoint := c.baseURL + "/v7/finance/quote?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure("error")
		return nil, fmt.Errorf("quote request: %w", err)
	}
	defer resp.Body.Close()

	latency := c.now().Sub(start)
	metrics.SourceLatency.WithLabelValues(c.name).Observe(latency.Seconds())

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure("error")
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		c.Monitor.RecordThrottle(resp.StatusCode, retryAfter)
		c.recordFailure(strconv.Itoa(resp.StatusCode))
		slog.Warn("Quote source rate limited", "source", c.name, "retry_after", retryAfter)
		return nil, &failure.StatusError{StatusCode: resp.StatusCode, Body: truncate(body), RetryAfter: retryAfter}

	case resp.StatusCode == http.StatusForbidden:
		c.Monitor.RecordThrottle(resp.StatusCode, 0)
		c.recordFailure(strconv.Itoa(resp.StatusCode))
		return nil, &failure.StatusError{StatusCode: resp.StatusCode, Body: truncate(body)}

	case resp.StatusCode != http.StatusOK:
		c.recordFailure(strconv.Itoa(resp.StatusCode))
		if c.Monitor.DetectThrottlePattern(string(body)) {
			c.Monitor.RecordThrottle(http.StatusTooManyRequests, 0)
			return nil, &failure.StatusError{StatusCode: http.StatusTooManyRequests, Body: truncate(body)}
		}
		return nil, &failure.StatusError{StatusCode: resp.StatusCode, Body: truncate(body)}
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		c.recordFailure("empty")
		return nil, failure.ErrEmptyResponse
	}

	var env quoteEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.recordFailure("invalid")
		return nil, &failure.SchemaError{Path: "$", Expected: "JSON object", Got: truncate(body)}
	}
	if env.QuoteResponse == nil {
		c.recordFailure("invalid")
		return nil, &failure.SchemaError{Path: "quoteResponse", Expected: "object", Got: "missing"}
	}
	if e := env.QuoteResponse.Error; e != nil {
		c.recordFailure("error")
		msg := e.Description
		if msg == "" {
			msg = e.Code
		}
		if c.Monitor.DetectThrottlePattern(msg) {
			c.Monitor.RecordThrottle(http.StatusTooManyRequests, 0)
			return nil, &failure.StatusError{StatusCode: http.StatusTooManyRequests, Body: msg}
		}
		return nil, errors.New("quote error: " + msg)
	}

	c.Monitor.RecordRequest(latency)
	c.recordSuccess(latency)
	return env.QuoteResponse.Result, nil
}

// Health returns the client's health status.
func (c *Client) Health() HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Close cleans up resources.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Client) recordSuccess(latency time.Duration) {
	metrics.SourceRequestsTotal.WithLabelValues(c.name, "200").Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.successCount++
	c.requestCount++
	c.totalLatency += latency
	c.health.LastSuccessAt = c.now()
	c.health.Available = true
	c.health.ErrorRate = float64(c.failureCount) / float64(c.requestCount)
	c.health.Latency = c.totalLatency / time.Duration(c.successCount)
}

func (c *Client) recordFailure(status string) {
	metrics.SourceRequestsTotal.WithLabelValues(c.name, status).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.failureCount++
	c.requestCount++
	c.health.LastFailureAt = c.now()
	c.health.ErrorRate = float64(c.failureCount) / float64(c.requestCount)
	if c.health.ErrorRate > 0.5 {
		c.health.Available = false
	}
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
