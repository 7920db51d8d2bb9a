package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SlotLane/internal/biz"
	"SlotLane/internal/conf"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// RedisIdempotencyRepo implements biz.IdempotencyRepo over plain Redis
// strings with SET NX, so only the first writer of a key wins across all
// processes sharing the store.
type RedisIdempotencyRepo struct {
	rdb *redis.Client
}

// NewRedisIdempotencyRepo creates the shared dedup backend.
func NewRedisIdempotencyRepo(rdb *redis.Client) *RedisIdempotencyRepo {
	return &RedisIdempotencyRepo{rdb: rdb}
}

// Get implements biz.IdempotencyRepo.
func (r *RedisIdempotencyRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if r.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	value, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, biz.ErrIdempotencyMiss
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get failed for %s: %w", key, err)
	}
	return value, nil
}

// SetNX implements biz.IdempotencyRepo.
func (r *RedisIdempotencyRepo) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if r.rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	stored, err := r.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency setnx failed for %s: %w", key, err)
	}
	return stored, nil
}

// localIdempotencyEntries bounds the in-process cache. At one record per
// discovered slot this is far more than a realistic day's volume.
const localIdempotencyEntries = 4096

// LocalIdempotencyRepo implements biz.IdempotencyRepo with an in-process
// expiring LRU. Entries expire at the configured TTL; an LRU bound keeps
// memory flat if the TTL is generous.
//
// The TTL is fixed at construction because the expirable LRU applies one
// TTL cache-wide; per-call ttl arguments shorter than the configured one
// only make entries live longer than asked, which is safe for dedup.
type LocalIdempotencyRepo struct {
	// mu makes the check-then-add in SetNX atomic; the LRU's own locking
	// only covers single calls.
	mu    sync.Mutex
	cache *expirable.LRU[string, []byte]
}

// NewLocalIdempotencyRepo creates the process-local dedup backend.
func NewLocalIdempotencyRepo(cfg *conf.Idempotency) *LocalIdempotencyRepo {
	ttl := 24 * time.Hour
	if cfg != nil && cfg.TTL > 0 {
		ttl = cfg.TTL
	}
	return &LocalIdempotencyRepo{
		cache: expirable.NewLRU[string, []byte](localIdempotencyEntries, nil, ttl),
	}
}

// Get implements biz.IdempotencyRepo.
func (r *LocalIdempotencyRepo) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	value, ok := r.cache.Get(key)
	if !ok {
		return nil, biz.ErrIdempotencyMiss
	}
	return value, nil
}

// SetNX implements biz.IdempotencyRepo.
func (r *LocalIdempotencyRepo) SetNX(ctx context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cache.Get(key); ok {
		return false, nil
	}
	r.cache.Add(key, value)
	return true, nil
}
