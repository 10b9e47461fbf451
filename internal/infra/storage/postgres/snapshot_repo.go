package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/marketfetch/internal/resilience/fallback"
)

// SnapshotRepo stores last-known-good values in fallback_snapshots.
type SnapshotRepo struct {
	db *DB
}

// NewSnapshotRepo creates a new snapshot repository.
func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

type snapshotRow struct {
	Key      string    `db:"key"`
	Value    []byte    `db:"value"`
	StoredAt time.Time `db:"stored_at"`
}

// Save upserts a snapshot. An older snapshot never replaces a newer one.
func (r *SnapshotRepo) Save(ctx context.Context, snap fallback.Snapshot) error {
	value, err := json.Marshal(snap.Value)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	const query = `
		INSERT INTO fallback_snapshots (key, value, stored_at, updated_at)
		VALUES ($1, $2::jsonb, $3, NOW())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, stored_at = EXCLUDED.stored_at, updated_at = NOW()
		WHERE fallback_snapshots.stored_at <= EXCLUDED.stored_at`

	if _, err := r.db.ExecContext(ctx, query, snap.Key, string(value), snap.StoredAt.UTC()); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", snap.Key, err)
	}
	return nil
}

// Load returns the snapshot for key, or fallback.ErrNotFound.
func (r *SnapshotRepo) Load(ctx context.Context, key string) (fallback.Snapshot, error) {
	var row snapshotRow
	err := r.db.GetContext(ctx, &row,
		`SELECT key, value, stored_at FROM fallback_snapshots WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return fallback.Snapshot{}, fallback.ErrNotFound
	}
	if err != nil {
		return fallback.Snapshot{}, fmt.Errorf("failed to load snapshot %s: %w", key, err)
	}
	return fallback.Snapshot{
		Key:      row.Key,
		Value:    json.RawMessage(row.Value),
		StoredAt: row.StoredAt,
	}, nil
}

// SnapshotInfo describes a stored snapshot without its value.
type SnapshotInfo struct {
	Key      string    `db:"key"`
	StoredAt time.Time `db:"stored_at"`
}

// List returns every stored snapshot ordered by key.
func (r *SnapshotRepo) List(ctx context.Context) ([]SnapshotInfo, error) {
	var out []SnapshotInfo
	if err := r.db.SelectContext(ctx, &out,
		`SELECT key, stored_at FROM fallback_snapshots ORDER BY key`); err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return out, nil
}

// Prune deletes snapshots stored before cutoff and returns how many were removed.
func (r *SnapshotRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM fallback_snapshots WHERE stored_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
