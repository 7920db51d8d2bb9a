package data

import (
	"context"
	"testing"
	"time"

	"SlotLane/internal/biz"
	"SlotLane/internal/conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisIdempotency_GetMiss(t *testing.T) {
	repo := NewRedisIdempotencyRepo(newTestRedis(t))

	_, err := repo.Get(context.Background(), "idem:absent")
	assert.ErrorIs(t, err, biz.ErrIdempotencyMiss)
}

func TestRedisIdempotency_FirstWriterWins(t *testing.T) {
	repo := NewRedisIdempotencyRepo(newTestRedis(t))
	ctx := context.Background()

	stored, err := repo.SetNX(ctx, "idem:key", []byte(`"first"`), time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = repo.SetNX(ctx, "idem:key", []byte(`"second"`), time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)

	value, err := repo.Get(ctx, "idem:key")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"first"`), value)
}

func TestRedisIdempotency_TTLApplied(t *testing.T) {
	rdb := newTestRedis(t)
	repo := NewRedisIdempotencyRepo(rdb)
	ctx := context.Background()

	_, err := repo.SetNX(ctx, "idem:key", []byte(`"v"`), time.Hour)
	require.NoError(t, err)

	ttl, err := rdb.TTL(ctx, "idem:key").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
}

func TestRedisIdempotency_NilClient(t *testing.T) {
	repo := NewRedisIdempotencyRepo(nil)

	_, err := repo.Get(context.Background(), "idem:key")
	assert.Error(t, err)
	_, err = repo.SetNX(context.Background(), "idem:key", nil, time.Hour)
	assert.Error(t, err)
}

func TestLocalIdempotency_FirstWriterWins(t *testing.T) {
	repo := NewLocalIdempotencyRepo(&conf.Idempotency{TTL: time.Hour})
	ctx := context.Background()

	_, err := repo.Get(ctx, "idem:key")
	assert.ErrorIs(t, err, biz.ErrIdempotencyMiss)

	stored, err := repo.SetNX(ctx, "idem:key", []byte(`"first"`), time.Hour)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = repo.SetNX(ctx, "idem:key", []byte(`"second"`), time.Hour)
	require.NoError(t, err)
	assert.False(t, stored)

	value, err := repo.Get(ctx, "idem:key")
	require.NoError(t, err)
	assert.Equal(t, []byte(`"first"`), value)
}

func TestLocalIdempotency_EntriesExpire(t *testing.T) {
	repo := NewLocalIdempotencyRepo(&conf.Idempotency{TTL: 50 * time.Millisecond})
	ctx := context.Background()

	_, err := repo.SetNX(ctx, "idem:key", []byte(`"v"`), 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(120 * time.Millisecond)

	_, err = repo.Get(ctx, "idem:key")
	assert.ErrorIs(t, err, biz.ErrIdempotencyMiss)

	stored, err := repo.SetNX(ctx, "idem:key", []byte(`"again"`), 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, stored, "an expired key can be claimed again")
}
