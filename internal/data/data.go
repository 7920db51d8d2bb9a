// Package data provides data access layer implementations.
// It holds the shared-store backends (Redis), their process-local
// fallbacks, and the database source of truth.
package data

import (
	"SlotLane/internal/biz"
	"SlotLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ProviderSet is data providers.
var ProviderSet = wire.NewSet(
	NewData,
	NewRedisClient,
	NewMySQLClient,
	NewLocalRateLimitRepo,
	NewRateLimitBackends,
	NewIdempotencyBackends,
	NewSourceStore,
	wire.Bind(new(biz.SourceRepo), new(*SourceStore)),
	NewHTTPSurfaceFactory,
	wire.Bind(new(biz.SurfaceFactory), new(*HTTPSurfaceFactory)),
)

// Data contains all data layer dependencies.
type Data struct {
	rdb *redis.Client
	db  *gorm.DB
}

// NewData creates a new Data instance. The database is required; Redis
// being unavailable does not prevent startup because the biz layer
// degrades to the process-local backends.
func NewData(_ *conf.Data, logger log.Logger, rdb *redis.Client, db *gorm.DB) (*Data, func(), error) {
	helper := log.NewHelper(logger)

	if rdb == nil {
		helper.Warn("Redis client is nil, rate limiting and idempotency run process-local")
	}

	cleanup := func() {
		helper.Info("closing the data resources")
	}
	return &Data{rdb: rdb, db: db}, cleanup, nil
}

// NewRateLimitBackends pairs the shared Redis admission backend with its
// process-local fallback. Without Redis the local backend is primary and
// there is no fallback tier.
func NewRateLimitBackends(d *Data, local *LocalRateLimitRepo, logger log.Logger) *biz.RateLimitBackends {
	if d.rdb == nil {
		return &biz.RateLimitBackends{Primary: local}
	}
	return &biz.RateLimitBackends{
		Primary:  NewRedisRateLimitRepo(d.rdb, logger),
		Fallback: local,
	}
}

// NewIdempotencyBackends pairs the shared Redis dedup backend with its
// process-local fallback.
func NewIdempotencyBackends(d *Data, cfg *conf.Idempotency, logger log.Logger) *biz.IdempotencyBackends {
	local := NewLocalIdempotencyRepo(cfg)
	if d.rdb == nil {
		return &biz.IdempotencyBackends{Primary: local}
	}
	return &biz.IdempotencyBackends{
		Primary:  NewRedisIdempotencyRepo(d.rdb),
		Fallback: local,
	}
}
