package data

import (
	"context"
	"sync"
	"time"
)

// maxWindowEntries caps how many timestamps one identifier can hold, which
// bounds memory if a caller configures an absurd budget.
const maxWindowEntries = 10000

// LocalRateLimitRepo implements biz.RateLimitRepo with in-process sliding
// windows. It only sees this process's attempts, so it serves as the
// degraded fallback when the shared store is unreachable, and as the
// primary backend in single-process deployments without Redis.
type LocalRateLimitRepo struct {
	mu      sync.Mutex
	windows map[string][]time.Time

	now func() time.Time
}

// NewLocalRateLimitRepo creates the process-local admission backend.
func NewLocalRateLimitRepo() *LocalRateLimitRepo {
	return &LocalRateLimitRepo{
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// CheckAndRecord implements biz.RateLimitRepo. The mutex makes the
// evict-count-record sequence atomic within this process.
func (r *LocalRateLimitRepo) CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (bool, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)
	kept := r.windows[identifier][:0]
	for _, ts := range r.windows[identifier] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		r.windows[identifier] = kept
		retryAfter := kept[0].Add(window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return true, retryAfter, nil
	}

	kept = append(kept, now)
	if len(kept) > maxWindowEntries {
		kept = kept[len(kept)-maxWindowEntries:]
	}
	r.windows[identifier] = kept
	return false, 0, nil
}

// Evict drops identifiers whose every entry has aged out of its window.
// Called from the housekeeping cron so idle identifiers do not accumulate.
func (r *LocalRateLimitRepo) Evict(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	evicted := 0
	for id, window := range r.windows {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(r.windows, id)
			evicted++
		}
	}
	return evicted
}
