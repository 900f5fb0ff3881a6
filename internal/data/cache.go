// Package data provides data access layer implementations.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"OpsMender/internal/conf"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// ErrCacheNotFound is returned when a cache key does not exist.
var ErrCacheNotFound = errors.New("cache: key not found")

// CacheClient defines the interface for cache operations.
// Implementations must be thread-safe and handle serialization.
type CacheClient interface {
	// Get retrieves a value from cache and deserializes it into dest.
	// Returns ErrCacheNotFound if key doesn't exist.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores a value in cache with the specified TTL.
	// The value is serialized to JSON before storage.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key from cache.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists in cache.
	Exists(ctx context.Context, key string) (bool, error)
}

// localEntry is a cached payload with its own expiry, stored in the LRU tier.
type localEntry struct {
	payload   []byte
	expiresAt time.Time
}

// tieredCache is a two-tier CacheClient: an in-process LRU in front of Redis.
// The local tier keeps hot degraded-mode responses available even when Redis
// is down; Redis keeps entries shared across instances.
type tieredCache struct {
	local  *lru.Cache[string, localEntry]
	client *redis.Client
	now    func() time.Time
}

// NewCacheClient creates a two-tier cache client. A nil Redis client
// degrades to local-only caching.
func NewCacheClient(c *conf.Resilience, rdb *redis.Client) (CacheClient, error) {
	size := 512
	if c != nil && c.Cache != nil && c.Cache.LocalSize > 0 {
		size = int(c.Cache.LocalSize)
	}
	local, err := lru.New[string, localEntry](size)
	if err != nil {
		return nil, fmt.Errorf("cache: failed to create local tier: %w", err)
	}
	return &tieredCache{
		local:  local,
		client: rdb,
		now:    time.Now,
	}, nil
}

// Get reads from the local tier first, then Redis. A Redis hit refreshes
// the local tier with the key's remaining TTL.
func (c *tieredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if entry, ok := c.local.Get(key); ok {
		if c.now().Before(entry.expiresAt) {
			if err := json.Unmarshal(entry.payload, dest); err != nil {
				return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
			}
			return nil
		}
		c.local.Remove(key)
	}

	if c.client == nil {
		return ErrCacheNotFound
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		return fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	if ttl, ttlErr := c.client.TTL(ctx, key).Result(); ttlErr == nil && ttl > 0 {
		c.local.Add(key, localEntry{payload: []byte(val), expiresAt: c.now().Add(ttl)})
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

// Set writes to both tiers. A Redis write failure is not fatal as long as
// the local tier accepted the entry.
func (c *tieredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	c.local.Add(key, localEntry{payload: data, expiresAt: c.now().Add(ttl)})

	if c.client == nil {
		return nil
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key from both tiers.
func (c *tieredCache) Delete(ctx context.Context, key string) error {
	c.local.Remove(key)

	if c.client == nil {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
	}
	return nil
}

// Exists checks if a key exists in either tier.
func (c *tieredCache) Exists(ctx context.Context, key string) (bool, error) {
	if entry, ok := c.local.Get(key); ok && c.now().Before(entry.expiresAt) {
		return true, nil
	}

	if c.client == nil {
		return false, nil
	}
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache: failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}
