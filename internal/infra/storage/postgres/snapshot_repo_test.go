package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/marketfetch/internal/resilience/fallback"
)

func openTestDB(t *testing.T, driver string) *DB {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("Skipping postgres test. Set DATABASE_URL to run.")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := NewDB(ctx, Config{URL: url, Driver: driver})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func TestNewDB_UnsupportedDriver(t *testing.T) {
	_, err := NewDB(context.Background(), Config{URL: "postgres://localhost/x", Driver: "mysql"})
	assert.ErrorContains(t, err, "unsupported database driver")
}

func TestSnapshotRepo(t *testing.T) {
	for _, driver := range []string{"pgx", "postgres"} {
		t.Run(driver, func(t *testing.T) {
			db := openTestDB(t, driver)
			repo := NewSnapshotRepo(db)
			ctx := context.Background()
			key := "quote:TEST-" + driver

			_, err := repo.Load(ctx, key+"-missing")
			assert.True(t, errors.Is(err, fallback.ErrNotFound))

			t0 := time.Now().UTC().Truncate(time.Second)
			require.NoError(t, repo.Save(ctx, fallback.Snapshot{
				Key: key, Value: map[string]any{"price": 101.5}, StoredAt: t0,
			}))
			// Older snapshot must not overwrite.
			require.NoError(t, repo.Save(ctx, fallback.Snapshot{
				Key: key, Value: map[string]any{"price": 1.0}, StoredAt: t0.Add(-time.Hour),
			}))

			snap, err := repo.Load(ctx, key)
			require.NoError(t, err)
			assert.True(t, snap.StoredAt.Equal(t0))

			var v map[string]float64
			require.NoError(t, json.Unmarshal(snap.Value.(json.RawMessage), &v))
			assert.Equal(t, 101.5, v["price"])

			list, err := repo.List(ctx)
			require.NoError(t, err)
			found := false
			for _, info := range list {
				if info.Key == key {
					found = true
					assert.True(t, info.StoredAt.Equal(t0))
				}
			}
			assert.True(t, found, "List missing %s", key)

			n, err := repo.Prune(ctx, t0.Add(time.Second))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, n, int64(1))
		})
	}
}
