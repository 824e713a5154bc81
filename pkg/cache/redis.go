package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix namespaces every key written by RedisCache.
	DefaultKeyPrefix = "reqdispatch:"

	// DefaultRetention keeps expired entries around so their validators can
	// still drive conditional requests.
	DefaultRetention = time.Hour

	// invalidateAttempts bounds WATCH retries when the key keeps changing
	invalidateAttempts = 5
)

// RedisCache stores entries in Redis as JSON documents.
type RedisCache struct {
	redis     *redis.Client
	prefix    string
	retention time.Duration
}

// RedisOption configures a RedisCache.
type RedisOption func(*RedisCache)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(c *RedisCache) { c.prefix = prefix }
}

// WithRetention overrides how long an entry outlives its TTL in Redis.
func WithRetention(d time.Duration) RedisOption {
	return func(c *RedisCache) {
		if d >= 0 {
			c.retention = d
		}
	}
}

// NewRedisCache creates a new cache with Redis backend.
func NewRedisCache(redisClient *redis.Client, opts ...RedisOption) *RedisCache {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	c := &RedisCache{
		redis:     redisClient,
		prefix:    DefaultKeyPrefix,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize verifies the connection.
func (c *RedisCache) Initialize(ctx context.Context) error {
	if err := c.redis.Ping(ctx).Err(); err != nil {
		CacheErrors.WithLabelValues(layerRedis, "init").Inc()
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get retrieves a cache entry by key.
// Returns ErrCacheMiss if the key doesn't exist.
func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(layerRedis).Inc()
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(layerRedis, "get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues(layerRedis, "get").Inc()
		_ = c.Remove(ctx, key)
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	CacheHits.WithLabelValues(layerRedis).Inc()
	return &entry, nil
}

// Put stores entry under key. Redis drops it once TTL plus the retention
// window has passed.
func (c *RedisCache) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}

	expiry := time.Until(entry.TTL) + c.retention
	if expiry <= 0 {
		// nothing left worth keeping
		return c.Remove(ctx, key)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues(layerRedis, "put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	if err := c.redis.Set(ctx, c.prefix+key, data, expiry).Err(); err != nil {
		CacheErrors.WithLabelValues(layerRedis, "put").Inc()
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate clears the soft TTL (and TTL when fullExpire) of a stored entry.
// The read and the rewrite run under WATCH, so a concurrent Put is never
// overwritten by the invalidated copy.
func (c *RedisCache) Invalidate(ctx context.Context, key string, fullExpire bool) error {
	k := c.prefix + key

	rewrite := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		if err != nil {
			return fmt.Errorf("redis get: %w", err)
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		invalidate(&entry, fullExpire)
		if data, err = json.Marshal(&entry); err != nil {
			return fmt.Errorf("marshal cache entry: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// keep the remaining lifetime, the validators are still useful
			pipe.Set(ctx, k, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < invalidateAttempts; attempt++ {
		err = c.redis.Watch(ctx, rewrite, k)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}

	switch {
	case err == nil, errors.Is(err, ErrCacheMiss):
		return nil
	case errors.Is(err, ErrInvalidEntry):
		_ = c.Remove(ctx, key)
	}
	CacheErrors.WithLabelValues(layerRedis, "invalidate").Inc()
	return err
}

// Remove deletes a cache entry.
func (c *RedisCache) Remove(ctx context.Context, key string) error {
	if err := c.redis.Del(ctx, c.prefix+key).Err(); err != nil {
		CacheErrors.WithLabelValues(layerRedis, "remove").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix. Other keys in the same
// database are left alone.
func (c *RedisCache) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.redis.Scan(ctx, cursor, c.prefix+"*", 100).Result()
		if err != nil {
			CacheErrors.WithLabelValues(layerRedis, "clear").Inc()
			return fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			if err := c.redis.Del(ctx, keys...).Err(); err != nil {
				CacheErrors.WithLabelValues(layerRedis, "clear").Inc()
				return fmt.Errorf("redis del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}
