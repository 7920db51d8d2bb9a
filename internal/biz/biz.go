package biz

import (
	"SlotLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewStateClassifier,
	NewPools,
	NewRateLimiter,
	NewIdempotency,
	NewSlotCheckAttempt,
	NewAttemptFunc,
	NewOrchestrator,
)

// Pools bundles the two shared pools so injection stays unambiguous.
type Pools struct {
	Credentials *ResourcePool
	Proxies     *ResourcePool
}

// NewPools creates the shared credential and proxy pools. Contents are
// loaded by the orchestrator's first refresh.
func NewPools(logger log.Logger) *Pools {
	return &Pools{
		Credentials: NewResourcePool("credentials", logger),
		Proxies:     NewResourcePool("proxies", logger),
	}
}

// RateLimitBackends pairs the shared admission backend with its
// process-local fallback. Provided by the data layer.
type RateLimitBackends struct {
	Primary  RateLimitRepo
	Fallback RateLimitRepo
}

// IdempotencyBackends pairs the shared dedup backend with its
// process-local fallback. Provided by the data layer.
type IdempotencyBackends struct {
	Primary  IdempotencyRepo
	Fallback IdempotencyRepo
}

// NewRateLimiter assembles the per-class limiter from its backends.
func NewRateLimiter(backends *RateLimitBackends, cfg *conf.RateLimit, logger log.Logger) *RateLimiterUseCase {
	return NewRateLimiterUseCase(backends.Primary, backends.Fallback, cfg, logger)
}

// NewIdempotency assembles the dedup store from its backends.
func NewIdempotency(backends *IdempotencyBackends, cfg *conf.Idempotency, logger log.Logger) *IdempotencyStore {
	var ttl = defaultIdempotencyTTL
	if cfg != nil && cfg.TTL > 0 {
		ttl = cfg.TTL
	}
	return NewIdempotencyStore(backends.Primary, backends.Fallback, ttl, logger)
}

// NewAttemptFunc exposes the default slot-check attempt as the worker
// callback.
func NewAttemptFunc(attempt *SlotCheckAttempt) AttemptFunc {
	return attempt.Run
}
