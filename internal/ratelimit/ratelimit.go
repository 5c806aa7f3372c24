// Package ratelimit limits inbound requests per client key (the caller's IP
// address) over a sliding one-minute window. The in-memory backend suits a
// single instance; the Redis backend shares the window across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const Window = time.Minute

// RateLimiter reports whether a request for key fits within limit requests
// per Window, the quota left, and when the oldest counted request expires.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter keeps a log of request times per key.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string][]time.Time
	sweptAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		now:     time.Now,
		entries: make(map[string][]time.Time),
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	hits := prune(r.entries[key], now)

	if len(hits) >= limit {
		r.entries[key] = hits
		resetAt := now.Add(Window)
		if len(hits) > 0 {
			resetAt = hits[0].Add(Window)
		}
		return false, 0, resetAt, nil
	}

	hits = append(hits, now)
	r.entries[key] = hits

	return true, limit - len(hits), hits[0].Add(Window), nil
}

// sweep drops idle keys at most once per window so the map does not grow
// with every address ever seen.
func (r *InMemoryRateLimiter) sweep(now time.Time) {
	if now.Sub(r.sweptAt) < Window {
		return
	}
	r.sweptAt = now
	for key, hits := range r.entries {
		if hits = prune(hits, now); len(hits) == 0 {
			delete(r.entries, key)
		} else {
			r.entries[key] = hits
		}
	}
}

func prune(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	return hits[i:]
}
