// Package fallback holds last-known-good results.
//
// The store is separate from the TTL cache: entries never expire on their
// own and are only read after a live failure. Every successful live fetch
// overwrites the snapshot for its key.
package fallback

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Load when no snapshot exists for a key.
var ErrNotFound = errors.New("no fallback snapshot")

// Snapshot is one last-known-good result. Values loaded from remote stores
// arrive as json.RawMessage.
type Snapshot struct {
	Key      string    `json:"key"`
	Value    any       `json:"value"`
	StoredAt time.Time `json:"stored_at"`
}

// Store persists snapshots by logical key.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, key string) (Snapshot, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]Snapshot)}
}

// Save keeps the newer of the stored and the given snapshot.
func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.snaps[snap.Key]; ok && cur.StoredAt.After(snap.StoredAt) {
		return nil
	}
	m.snaps[snap.Key] = snap
	return nil
}

func (m *Memory) Load(_ context.Context, key string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[key]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}
