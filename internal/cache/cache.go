// Package cache wraps Redis as a short-TTL, best-effort cache in front of
// the Evidence Store and Consensus Engine (spec.md §4.5). A cache miss, a
// timeout, or Redis being entirely unreachable must never fail the caller —
// it only means the caller falls through to the durable read path.
//
// Adapted from internal/infra/redis_adapter.go's GoRedisAdapter, trimmed to
// the Get/Set/Del surface this service actually needs and with Get/Set
// swallowing connection errors instead of propagating them.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a best-effort key-value front for frequently read, short-lived
// data: consensus snapshots and recently written proofs.
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis. A connection failure is returned so the caller can
// decide whether to run without a cache (spec.md [AMBIENT]: caching is an
// optimization, not a dependency).
func New(addr, password string, db int, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Cache{rdb: rdb, logger: logger}, nil
}

// NewDisabled returns a Cache with no backing connection; every call is a
// silent miss. Used when Redis is not configured for local development.
func NewDisabled(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{rdb: nil, logger: logger}
}

func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// SnapshotKey is the cache key for a claim's latest consensus snapshot.
func SnapshotKey(claimID string) string { return "snapshot:" + claimID }

// ProofKey is the cache key for a claim's most recently signed proof.
func ProofKey(claimID string) string { return "proof:" + claimID }

// PutJSON best-effort serializes v and stores it under key with the given
// TTL. Errors are logged, never returned — the caller proceeds either way.
func (c *Cache) PutJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	if c.rdb == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// GetJSON attempts to populate dst from the cache and reports whether it hit.
// Any error (miss, timeout, connection failure) is treated as a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	if c.rdb == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("cache get failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		c.logger.Warn("cache unmarshal failed", "key", key, "error", err)
		return false
	}
	return true
}

// Invalidate best-effort removes a key, e.g. once a claim seals and the
// cached snapshot is superseded by the durable proof record.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("cache invalidate failed", "key", key, "error", err)
	}
}
