// Package cache stores semantic classifier answers so repeated visits reuse them.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/webtime/internal/domain"
)

// RedisVerdictCache keeps verdicts in Redis with a TTL.
type RedisVerdictCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisVerdictCache constructs a cache; ttl <= 0 keeps entries forever.
func NewRedisVerdictCache(client *redis.Client, ttl time.Duration) *RedisVerdictCache {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisVerdictCache{client: client, ttl: ttl}
}

// Get returns the cached label for key.
func (c *RedisVerdictCache) Get(ctx context.Context, key string) (domain.Productivity, bool, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	label, err := domain.ParseProductivity(value)
	if err != nil {
		// Unreadable entries are treated as misses and overwritten later.
		return "", false, nil
	}
	return label, true, nil
}

// Set stores label under key.
func (c *RedisVerdictCache) Set(ctx context.Context, key string, label domain.Productivity) error {
	return c.client.Set(ctx, key, string(label), c.ttl).Err()
}

// Close releases the underlying client.
func (c *RedisVerdictCache) Close() error {
	return c.client.Close()
}

// MemoryVerdictCache is an in-process cache used when Redis is not configured.
type MemoryVerdictCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	label     domain.Productivity
	expiresAt time.Time
}

// NewMemoryVerdictCache constructs an in-memory cache; ttl <= 0 keeps entries forever.
func NewMemoryVerdictCache(ttl time.Duration) *MemoryVerdictCache {
	return &MemoryVerdictCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

// Get returns the cached label for key.
func (c *MemoryVerdictCache) Get(_ context.Context, key string) (domain.Productivity, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return "", false, nil
	}
	return entry.label, true, nil
}

// Set stores label under key.
func (c *MemoryVerdictCache) Set(_ context.Context, key string, label domain.Productivity) error {
	entry := memoryEntry{label: label}
	if c.ttl > 0 {
		entry.expiresAt = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}
