package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements the same Allow(ctx, Rule, key) Result contract
// as Limiter, using an in-memory token bucket per (rule prefix, key) pair
// instead of Redis. It is the single-node fallback selected at startup
// when no Redis client is configured (the same selection spec §9 uses for
// the job store and enrichment cache/lock).
//
// A request's rule supplies the refill rate (rule.Limit per rule.Window)
// and the burst capacity (rule.Limit). A background goroutine evicts
// buckets not touched in the last ten minutes to bound memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token-bucket limiter rate-derived per call
// from the Rule passed to Allow.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for (rule.Prefix, key). The
// bucket's capacity is rule.Limit and it refills at rule.Limit per
// rule.Window, so the behavior matches the Redis sliding-window limiter's
// "N requests per window" contract closely enough for single-node use.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) Result {
	burst := float64(rule.Limit)
	rate := burst / rule.Window.Seconds()
	bucketKey := rule.Prefix + ":" + key

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[bucketKey]
	if !ok {
		b = &bucket{tokens: burst, lastAccess: now}
		m.buckets[bucketKey] = b
	} else {
		elapsed := now.Sub(b.lastAccess).Seconds()
		b.tokens += elapsed * rate
		if b.tokens > burst {
			b.tokens = burst
		}
		b.lastAccess = now
	}

	resetAt := now.Add(rule.Window)
	if b.tokens < 1 {
		return Result{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: resetAt}
	}
	b.tokens--
	remaining := int(b.tokens)
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: rule.Limit, Remaining: remaining, ResetAt: resetAt}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

var _ Allower = (*MemoryLimiter)(nil)
