package enrichment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "shulchan:enrich:lock:"

// LockService grants short-TTL mutual exclusion on a (provider, placeId)
// resolution so only one worker, process-wide, ever calls searchWeb for
// the same place at once (spec §4.M step 1).
type LockService interface {
	// Acquire returns true if the caller now holds key for ttl.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisLock implements LockService with Redis SET-NX semantics: a single
// SET NX with a TTL acquires the lock atomically, and expiry releases it.
type RedisLock struct {
	client *redis.Client
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("enrichment: acquire lock: %w", err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, lockKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("enrichment: release lock: %w", err)
	}
	return nil
}

var _ LockService = (*RedisLock)(nil)

// MemoryLock is the process-local LockService backend, used when no
// Redis client is configured (single-instance deployments, tests).
type MemoryLock struct {
	mu  sync.Mutex
	exp map[string]time.Time
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{exp: make(map[string]time.Time)}
}

func (l *MemoryLock) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, held := l.exp[key]; held && time.Now().Before(exp) {
		return false, nil
	}
	l.exp[key] = time.Now().Add(ttl)
	return true, nil
}

func (l *MemoryLock) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.exp, key)
	return nil
}

var _ LockService = (*MemoryLock)(nil)
