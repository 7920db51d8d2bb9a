// Package data provides data access layer implementations.
package data

import (
	"context"
	"time"

	"SlotLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates the shared-store Redis client. It returns the
// client, a cleanup function, and an error. An empty address disables the
// shared store entirely; connection failure does not prevent startup
// because the biz layer degrades to process-local backends.
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func(), error) {
	helper := log.NewHelper(logger)

	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Warn("Redis address is empty, shared store disabled")
		return nil, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            c.Redis.Addr,
		DB:              0,
		PoolSize:        100,
		MinIdleConns:    10,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     c.Redis.ReadTimeout,
		WriteTimeout:    c.Redis.WriteTimeout,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	cleanup := func() {
		helper.Info("closing Redis client")
		if err := rdb.Close(); err != nil {
			helper.Errorf("failed to close Redis client: %v", err)
		}
	}

	// Health check only; a failed ping still returns the client so a
	// Redis that comes up later is picked up without a restart.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnf("failed to connect to Redis at %s: %v (continuing with local backends)", c.Redis.Addr, err)
		return rdb, cleanup, nil
	}

	helper.Infof("connected to Redis at %s", c.Redis.Addr)
	return rdb, cleanup, nil
}
