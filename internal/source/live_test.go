package source

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Live(t *testing.T) {
	if os.Getenv("E2E_LIVE") == "" {
		t.Skip("Skipping live source test. Set E2E_LIVE=true to run.")
	}

	baseURL := os.Getenv("QUOTE_BASE_URL")
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	c := NewClient(Config{BaseURL: baseURL, Timeout: 10 * time.Second})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	q, err := c.Quote(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", q["symbol"])
	assert.Contains(t, q, "regularMarketPrice")
}
