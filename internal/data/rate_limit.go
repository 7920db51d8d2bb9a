package data

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// checkAndRecordScript performs the sliding-window admission check as one
// atomic step: evict entries older than the window, count, reject without
// recording at/over the limit, otherwise record the attempt. Splitting
// check and record into separate round trips would let concurrent
// processes overshoot the budget.
//
// KEYS[1] window key; ARGV: now-ms, window-ms, limit, member.
// Returns {limited, retry-after-ms}.
var checkAndRecordScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
    local retry = window
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    if oldest[2] then
        retry = tonumber(oldest[2]) + window - now
    end
    if retry < 0 then
        retry = 0
    end
    return {1, retry}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {0, 0}
`)

// RedisRateLimitRepo implements biz.RateLimitRepo over a shared Redis
// sorted set per identifier, so the budget holds across every process that
// shares the store.
type RedisRateLimitRepo struct {
	rdb    *redis.Client
	logger *log.Helper
}

// NewRedisRateLimitRepo creates the shared admission backend.
func NewRedisRateLimitRepo(rdb *redis.Client, logger log.Logger) *RedisRateLimitRepo {
	return &RedisRateLimitRepo{
		rdb:    rdb,
		logger: log.NewHelper(logger),
	}
}

// CheckAndRecord implements biz.RateLimitRepo.
func (r *RedisRateLimitRepo) CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (bool, time.Duration, error) {
	if r.rdb == nil {
		return false, 0, fmt.Errorf("redis client is nil")
	}

	key := "ratelimit:" + identifier
	now := time.Now().UnixMilli()
	res, err := checkAndRecordScript.Run(ctx, r.rdb,
		[]string{key},
		now,
		window.Milliseconds(),
		limit,
		uuid.NewString(),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script failed for %s: %w", identifier, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("rate limit script returned %d values for %s", len(res), identifier)
	}

	limited, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("rate limit script returned non-integer verdict for %s", identifier)
	}
	retryMs, _ := res[1].(int64)
	return limited == 1, time.Duration(retryMs) * time.Millisecond, nil
}
