package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/marketfetch/internal/resilience/cache"
	"github.com/vietddude/marketfetch/internal/resilience/fallback"
	"github.com/vietddude/marketfetch/internal/resilience/ratelimit"
)

// Client wraps Redis as the shared cache level, the cross-instance rate limit
// counter and a last-known-good store.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration.
type Config struct {
	URL       string `yaml:"url"`
	Password  string `yaml:"password"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewClient creates a new Redis client.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewFromRedis(rdb, cfg.KeyPrefix), nil
}

// NewFromRedis wraps an existing go-redis client.
func NewFromRedis(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = "marketfetch"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health pings Redis.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func (c *Client) cacheKey(key string) string {
	return fmt.Sprintf("%s:cache:%s", c.prefix, key)
}

func (c *Client) counterKey(key string) string {
	return fmt.Sprintf("%s:counter:%s", c.prefix, key)
}

func (c *Client) snapshotKey(key string) string {
	return fmt.Sprintf("%s:lkg:%s", c.prefix, key)
}

// Get returns the raw value and remaining TTL of a cache key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	k := c.cacheKey(key)

	pipe := c.rdb.Pipeline()
	getCmd := pipe.Get(ctx, k)
	ttlCmd := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, false, fmt.Errorf("get failed: %w", err)
	}

	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("get failed: %w", err)
	}
	return raw, ttlCmd.Val(), true, nil
}

// Set stores a raw cache value with ttl.
func (c *Client) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, c.cacheKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Delete removes a cache key.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.cacheKey(key)).Err()
}

// Clear removes every cache key under the prefix. Snapshots are kept.
func (c *Client) Clear(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.cacheKey("*"), 500).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 500 {
			if err := c.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("del failed: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	if len(batch) > 0 {
		return c.rdb.Del(ctx, batch...).Err()
	}
	return nil
}

// Incr increments a fixed-window counter. The first increment starts the
// window. INCR and EXPIRE NX run in one transaction so a counter never
// outlives its window.
func (c *Client) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := c.counterKey(key)
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		if window > 0 {
			pipe.ExpireNX(ctx, k, window)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr failed: %w", err)
	}
	return incr.Val(), nil
}

type snapshotRecord struct {
	Value    json.RawMessage `json:"value"`
	StoredAt time.Time       `json:"stored_at"`
}

// Save writes a last-known-good snapshot. Snapshots do not expire.
func (c *Client) Save(ctx context.Context, snap fallback.Snapshot) error {
	value, err := json.Marshal(snap.Value)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	raw, err := json.Marshal(snapshotRecord{Value: value, StoredAt: snap.StoredAt})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := c.rdb.Set(ctx, c.snapshotKey(snap.Key), raw, 0).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Load reads a snapshot. The value is returned as json.RawMessage.
func (c *Client) Load(ctx context.Context, key string) (fallback.Snapshot, error) {
	raw, err := c.rdb.Get(ctx, c.snapshotKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return fallback.Snapshot{}, fallback.ErrNotFound
	}
	if err != nil {
		return fallback.Snapshot{}, fmt.Errorf("get failed: %w", err)
	}

	var rec snapshotRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fallback.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return fallback.Snapshot{Key: key, Value: rec.Value, StoredAt: rec.StoredAt}, nil
}

var (
	_ cache.Backend     = (*Client)(nil)
	_ ratelimit.Counter = (*Client)(nil)
	_ fallback.Store    = (*Client)(nil)
)
