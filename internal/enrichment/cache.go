package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shulchan/shulchan/internal/model"
)

const cacheKeyPrefix = "shulchan:enrich:cache:"

// CacheService stores the resolved (or definitively NOT_FOUND) deep-link
// for a (provider, placeId) key, TTL-expiring (spec §4.M step 2/4).
type CacheService interface {
	Get(ctx context.Context, key string) (model.EnrichmentCacheEntry, bool, error)
	Set(ctx context.Context, key string, entry model.EnrichmentCacheEntry, ttl time.Duration) error
}

// RedisCache implements CacheService as JSON blobs under a TTL key,
// mirroring push.RedisTicketService's marshal-then-SET shape.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) (model.EnrichmentCacheEntry, bool, error) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.EnrichmentCacheEntry{}, false, nil
	}
	if err != nil {
		return model.EnrichmentCacheEntry{}, false, fmt.Errorf("enrichment: read cache: %w", err)
	}
	var entry model.EnrichmentCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return model.EnrichmentCacheEntry{}, false, fmt.Errorf("enrichment: decode cache entry: %w", err)
	}
	return entry, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry model.EnrichmentCacheEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("enrichment: encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("enrichment: write cache: %w", err)
	}
	return nil
}

var _ CacheService = (*RedisCache)(nil)

// MemoryCache is the process-local CacheService backend.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]model.EnrichmentCacheEntry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]model.EnrichmentCacheEntry)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (model.EnrichmentCacheEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return model.EnrichmentCacheEntry{}, false, nil
	}
	return entry, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, entry model.EnrichmentCacheEntry, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry
	return nil
}

var _ CacheService = (*MemoryCache)(nil)
