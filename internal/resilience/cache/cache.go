// Package cache provides the TTL key/value store used in front of the data source.
//
// This package contains:
//   - Cache: in-memory TTL cache with hit/miss accounting and lazy expiry
//   - Backend: optional shared second level (e.g. redis) written through on Set
//   - Warm: best-effort bulk loading with bounded fan-out
//   - Incr: windowed counters other components use for coordination
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"
)

// Entry is a single cached value. Entries are owned by the Cache and only
// copies are handed out.
type Entry struct {
	Key       string
	Value     any
	CreatedAt time.Time
	TTL       time.Duration
	ExpiresAt time.Time
	HitCount  int64
	Size      int
}

func (e *Entry) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Stats is a snapshot of cache effectiveness.
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Entries     int     `json:"entries"`
	Size        int     `json:"size"`
	Evictions   int64   `json:"evictions"`
	Expirations int64   `json:"expirations"`
}

// Backend is a shared second-level store. Values cross it JSON encoded.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Config holds cache configuration.
type Config struct {
	Enabled         bool
	DefaultTTL      time.Duration
	MaxEntries      int
	WarmConcurrency int
	BackendTimeout  time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		DefaultTTL:      60 * time.Second,
		MaxEntries:      10000,
		WarmConcurrency: 8,
		BackendTimeout:  500 * time.Millisecond,
	}
}

type counter struct {
	value     int64
	expiresAt time.Time
}

// Cache is a concurrency-safe TTL cache.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	counters map[string]*counter
	size     int

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	config  Config
	backend Backend
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithBackend enables write-through to a shared second-level store.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache.
func New(config Config, opts ...Option) *Cache {
	if config.WarmConcurrency <= 0 {
		config.WarmConcurrency = 8
	}
	if config.BackendTimeout <= 0 {
		config.BackendTimeout = 500 * time.Millisecond
	}
	c := &Cache{
		entries:  make(map[string]*Entry),
		counters: make(map[string]*counter),
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the cache stores anything at all.
func (c *Cache) Enabled() bool { return c.config.Enabled }

// DefaultTTL returns the TTL applied by SetDefault.
func (c *Cache) DefaultTTL() time.Duration { return c.config.DefaultTTL }

// Get returns the value for key. Expired entries are removed here.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.GetEntry(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetEntry returns a copy of the live entry for key.
func (c *Cache) GetEntry(key string) (Entry, bool) {
	if !c.config.Enabled {
		return Entry{}, false
	}

	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && e.expired(now) {
		c.removeLocked(key)
		c.expirations++
		ok = false
	}
	if ok {
		e.HitCount++
		c.hits++
		out := *e
		c.mu.Unlock()
		return out, true
	}
	c.mu.Unlock()

	if e, found := c.loadFromBackend(key, now); found {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return e, true
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return Entry{}, false
}

// Has reports whether key is live without counting a hit or miss.
func (c *Cache) Has(key string) bool {
	if !c.config.Enabled {
		return false
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		c.removeLocked(key)
		c.expirations++
		return false
	}
	return true
}

// Peek returns a copy of the live local entry without touching statistics.
func (c *Cache) Peek(key string) (Entry, bool) {
	if !c.config.Enabled {
		return Entry{}, false
	}
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		return Entry{}, false
	}
	return *e, true
}

// Set stores value under key. A ttl <= 0 means "do not cache" and drops any
// existing entry.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if !c.config.Enabled {
		return
	}
	if ttl <= 0 {
		c.Delete(key)
		return
	}

	now := c.now()
	e := &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: now,
		TTL:       ttl,
		ExpiresAt: now.Add(ttl),
		Size:      estimateSize(value),
	}

	c.mu.Lock()
	c.removeLocked(key)
	c.entries[key] = e
	c.size += e.Size
	c.enforceLimitLocked(now)
	c.mu.Unlock()

	c.writeBackend(key, value, now, ttl)
}

// SetDefault stores value with the configured default TTL.
func (c *Cache) SetDefault(key string, value any) {
	c.Set(key, value, c.config.DefaultTTL)
}

// Touch extends a live entry's expiry by its own TTL.
func (c *Cache) Touch(key string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		return false
	}
	e.ExpiresAt = now.Add(e.TTL)
	return true
}

// Delete removes key. It reports whether a live local entry existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	_, ok := c.entries[key]
	c.removeLocked(key)
	c.mu.Unlock()

	if c.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.BackendTimeout)
		defer cancel()
		if err := c.backend.Delete(ctx, key); err != nil {
			slog.Debug("Cache backend delete failed", "key", key, "error", err)
		}
	}
	return ok
}

// Clear drops every entry and counter. Statistics are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.counters = make(map[string]*counter)
	c.size = 0
	c.mu.Unlock()

	if c.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.BackendTimeout)
		defer cancel()
		if err := c.backend.Clear(ctx); err != nil {
			slog.Debug("Cache backend clear failed", "error", err)
		}
	}
}

// Keys returns live keys matching a path.Match glob, sorted. An empty pattern
// matches everything.
func (c *Cache) Keys(pattern string) []string {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if e.expired(now) {
			continue
		}
		if pattern != "" {
			if ok, err := path.Match(pattern, k); err != nil || !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	live := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			live++
		}
	}

	s := Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Entries:     live,
		Size:        c.size,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}

// Incr increments the counter for key inside a fixed window and returns the
// new value. With a backend configured the shared counter is authoritative.
func (c *Cache) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if c.backend != nil {
		n, err := c.backend.Incr(ctx, key, window)
		if err == nil {
			return n, nil
		}
		slog.Debug("Cache backend incr failed, using local counter", "key", key, "error", err)
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ct, ok := c.counters[key]
	if !ok || !now.Before(ct.expiresAt) {
		ct = &counter{expiresAt: now.Add(window)}
		c.counters[key] = ct
	}
	ct.value++
	return ct.value, nil
}

// StartJanitor periodically sweeps expired entries until ctx is done.
func (c *Cache) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k)
			c.expirations++
		}
	}
	for k, ct := range c.counters {
		if !now.Before(ct.expiresAt) {
			delete(c.counters, k)
		}
	}
}

func (c *Cache) removeLocked(key string) {
	if e, ok := c.entries[key]; ok {
		c.size -= e.Size
		delete(c.entries, key)
	}
}

// enforceLimitLocked drops expired entries first, then the oldest ones.
func (c *Cache) enforceLimitLocked(now time.Time) {
	if c.config.MaxEntries <= 0 || len(c.entries) <= c.config.MaxEntries {
		return
	}
	for k, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(k)
			c.expirations++
		}
	}
	for len(c.entries) > c.config.MaxEntries {
		var oldest *Entry
		for _, e := range c.entries {
			if oldest == nil || e.CreatedAt.Before(oldest.CreatedAt) {
				oldest = e
			}
		}
		c.removeLocked(oldest.Key)
		c.evictions++
	}
}

func (c *Cache) loadFromBackend(key string, now time.Time) (Entry, bool) {
	if c.backend == nil {
		return Entry{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.BackendTimeout)
	defer cancel()

	raw, ttl, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		slog.Debug("Cache backend get failed", "key", key, "error", err)
		return Entry{}, false
	}
	if !ok || ttl <= 0 {
		return Entry{}, false
	}

	value, createdAt := decodeBackend(raw, now)
	e := &Entry{
		Key:       key,
		Value:     value,
		CreatedAt: createdAt,
		TTL:       now.Sub(createdAt) + ttl,
		ExpiresAt: now.Add(ttl),
		HitCount:  1,
		Size:      len(value),
	}

	c.mu.Lock()
	c.removeLocked(key)
	c.entries[key] = e
	c.size += e.Size
	c.enforceLimitLocked(now)
	c.mu.Unlock()

	return *e, true
}

// backendRecord is the value as stored in the backend. CreatedAt survives the
// round trip so promoted entries keep their age.
type backendRecord struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
}

// decodeBackend unwraps a backend record. Bytes that are not a record are
// taken as the bare value created at now.
func decodeBackend(raw []byte, now time.Time) (json.RawMessage, time.Time) {
	var rec backendRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Value == nil || rec.CreatedAt.IsZero() {
		return json.RawMessage(raw), now
	}
	if rec.CreatedAt.After(now) {
		rec.CreatedAt = now
	}
	return rec.Value, rec.CreatedAt
}

func (c *Cache) writeBackend(key string, value any, createdAt time.Time, ttl time.Duration) {
	if c.backend == nil {
		return
	}
	v, err := json.Marshal(value)
	if err != nil {
		slog.Debug("Cache value not encodable for backend", "key", key, "error", err)
		return
	}
	raw, err := json.Marshal(backendRecord{Value: v, CreatedAt: createdAt})
	if err != nil {
		slog.Debug("Cache value not encodable for backend", "key", key, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.config.BackendTimeout)
	defer cancel()
	if err := c.backend.Set(ctx, key, raw, ttl); err != nil {
		slog.Debug("Cache backend set failed", "key", key, "error", err)
	}
}

func estimateSize(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return len(t)
	case []byte:
		return len(t)
	case json.RawMessage:
		return len(t)
	}
	if b, err := json.Marshal(v); err == nil {
		return len(b)
	}
	return len(fmt.Sprint(v))
}
