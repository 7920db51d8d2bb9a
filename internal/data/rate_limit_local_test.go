package data

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRateLimit_AdmitsUpToLimit(t *testing.T) {
	repo := NewLocalRateLimitRepo()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		limited, _, err := repo.CheckAndRecord(ctx, "slot_check:cred-1", 5, time.Minute)
		require.NoError(t, err)
		assert.False(t, limited)
	}

	limited, retryAfter, err := repo.CheckAndRecord(ctx, "slot_check:cred-1", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, limited)
	assert.Greater(t, retryAfter, time.Duration(0))
}

func TestLocalRateLimit_WindowSlides(t *testing.T) {
	repo := NewLocalRateLimitRepo()
	base := time.Now()
	repo.now = func() time.Time { return base }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		limited, _, err := repo.CheckAndRecord(ctx, "login:cred-1", 3, time.Minute)
		require.NoError(t, err)
		require.False(t, limited)
	}

	limited, retryAfter, err := repo.CheckAndRecord(ctx, "login:cred-1", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, limited)
	assert.InDelta(t, time.Minute, retryAfter, float64(time.Second))

	repo.now = func() time.Time { return base.Add(61 * time.Second) }
	limited, _, err = repo.CheckAndRecord(ctx, "login:cred-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, limited)
}

func TestLocalRateLimit_CancelledContext(t *testing.T) {
	repo := NewLocalRateLimitRepo()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := repo.CheckAndRecord(ctx, "login:cred-1", 3, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalRateLimit_ConcurrentAdmission(t *testing.T) {
	repo := NewLocalRateLimitRepo()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limited, _, err := repo.CheckAndRecord(ctx, "booking:cred-1", 5, time.Minute)
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

	assert.Equal(t, 5, admitted)
}

func TestLocalRateLimit_Evict(t *testing.T) {
	repo := NewLocalRateLimitRepo()
	base := time.Now()
	repo.now = func() time.Time { return base }
	ctx := context.Background()

	_, _, err := repo.CheckAndRecord(ctx, "login:cred-1", 3, time.Minute)
	require.NoError(t, err)
	_, _, err = repo.CheckAndRecord(ctx, "login:cred-2", 3, time.Minute)
	require.NoError(t, err)

	assert.Zero(t, repo.Evict(time.Minute), "live windows are kept")

	repo.now = func() time.Time { return base.Add(2 * time.Minute) }
	assert.Equal(t, 2, repo.Evict(time.Minute))
}
