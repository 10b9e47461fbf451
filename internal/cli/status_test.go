package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/vietddude/marketfetch/internal/infra/storage/postgres"
)

func TestPrintSnapshots(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	snaps := []postgres.SnapshotInfo{
		{Key: "quote:AAPL", StoredAt: now.Add(-90 * time.Second)},
		{Key: "quote:MSFT", StoredAt: now.Add(-2 * time.Hour)},
	}

	var buf bytes.Buffer
	printSnapshots(&buf, snaps, now)
	out := buf.String()

	for _, want := range []string{
		"KEY", "STORED_AT", "AGE",
		"quote:AAPL", "2024-03-01T11:58:30Z", "1m30s",
		"quote:MSFT", "2h0m0s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if got := strings.Count(out, "\n"); got != 3 {
		t.Errorf("lines = %d, want 3", got)
	}
}
