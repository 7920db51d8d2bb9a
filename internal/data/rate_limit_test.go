package data

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() log.Logger {
	return log.NewStdLogger(os.Stdout)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisRateLimit_AdmitsUpToLimit(t *testing.T) {
	repo := NewRedisRateLimitRepo(newTestRedis(t), testLogger())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		limited, _, err := repo.CheckAndRecord(ctx, "slot_check:cred-1", 5, time.Minute)
		require.NoError(t, err)
		assert.False(t, limited, "attempt %d should be admitted", i+1)
	}

	limited, retryAfter, err := repo.CheckAndRecord(ctx, "slot_check:cred-1", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, limited)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestRedisRateLimit_RejectionDoesNotRecord(t *testing.T) {
	rdb := newTestRedis(t)
	repo := NewRedisRateLimitRepo(rdb, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := repo.CheckAndRecord(ctx, "login:cred-1", 2, time.Minute)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		limited, _, err := repo.CheckAndRecord(ctx, "login:cred-1", 2, time.Minute)
		require.NoError(t, err)
		require.True(t, limited)
	}

	count, err := rdb.ZCard(ctx, "ratelimit:login:cred-1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "rejected attempts must not consume the budget")
}

func TestRedisRateLimit_WindowSlides(t *testing.T) {
	repo := NewRedisRateLimitRepo(newTestRedis(t), testLogger())
	ctx := context.Background()
	window := 100 * time.Millisecond

	for i := 0; i < 3; i++ {
		limited, _, err := repo.CheckAndRecord(ctx, "slot_check:cred-1", 3, window)
		require.NoError(t, err)
		require.False(t, limited)
	}
	limited, _, err := repo.CheckAndRecord(ctx, "slot_check:cred-1", 3, window)
	require.NoError(t, err)
	require.True(t, limited)

	time.Sleep(window + 50*time.Millisecond)

	limited, _, err = repo.CheckAndRecord(ctx, "slot_check:cred-1", 3, window)
	require.NoError(t, err)
	assert.False(t, limited, "entries outside the window are evicted")
}

func TestRedisRateLimit_IdentifiersAreIndependent(t *testing.T) {
	repo := NewRedisRateLimitRepo(newTestRedis(t), testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := repo.CheckAndRecord(ctx, "login:cred-1", 3, time.Minute)
		require.NoError(t, err)
	}
	limited, _, err := repo.CheckAndRecord(ctx, "login:cred-1", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, limited)

	limited, _, err = repo.CheckAndRecord(ctx, "login:cred-2", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestRedisRateLimit_AtomicUnderConcurrency(t *testing.T) {
	// The whole point of the Lua script: N concurrent callers against a
	// budget of K admit exactly K.
	repo := NewRedisRateLimitRepo(newTestRedis(t), testLogger())
	ctx := context.Background()

	const callers = 20
	const limit = 5

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limited, _, err := repo.CheckAndRecord(ctx, "booking:cred-1", limit, time.Minute)
			if err != nil {
				t.Error(err)
				return
			}
			if !limited {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, admitted)
}

func TestRedisRateLimit_NilClient(t *testing.T) {
	repo := NewRedisRateLimitRepo(nil, testLogger())
	_, _, err := repo.CheckAndRecord(context.Background(), "login:cred-1", 3, time.Minute)
	assert.Error(t, err)
}
