package main

import (
	"context"
	"fmt"
	"time"

	"SlotLane/internal/biz"
	"SlotLane/internal/conf"
	"SlotLane/internal/data"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// housekeeping runs the periodic maintenance jobs: a pool-refresh safety
// net in case the orchestrator's in-loop refresh ever wedges, and eviction
// of idle process-local rate limit windows. It follows the application
// lifecycle as a transport server.
type housekeeping struct {
	cron         *cron.Cron
	orchestrator *biz.Orchestrator
	localLimiter *data.LocalRateLimitRepo
	cfg          *conf.Orchestrator
	helper       *log.Helper
}

// newHousekeeping creates the maintenance scheduler.
func newHousekeeping(orchestrator *biz.Orchestrator, localLimiter *data.LocalRateLimitRepo, cfg *conf.Orchestrator, logger log.Logger) *housekeeping {
	return &housekeeping{
		cron:         cron.New(),
		orchestrator: orchestrator,
		localLimiter: localLimiter,
		cfg:          cfg,
		helper:       log.NewHelper(logger),
	}
}

// Start registers the jobs and starts the scheduler.
func (h *housekeeping) Start(context.Context) error {
	// Safety-net refresh at twice the orchestrator's own cadence.
	refreshEvery := 2 * h.cfg.PoolRefreshInterval
	_, err := h.cron.AddFunc(fmt.Sprintf("@every %s", refreshEvery), func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := h.orchestrator.RefreshPools(ctx); err != nil {
			h.helper.Errorw("msg", "housekeeping pool refresh failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register pool refresh job: %w", err)
	}

	_, err = h.cron.AddFunc("@hourly", func() {
		if evicted := h.localLimiter.Evict(time.Hour); evicted > 0 {
			h.helper.Infow("msg", "evicted idle rate limit windows", "count", evicted)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register limiter eviction job: %w", err)
	}

	h.cron.Start()
	h.helper.Infow("msg", "housekeeping started", "pool_refresh_every", refreshEvery)
	return nil
}

// Stop waits for any running job before returning.
func (h *housekeeping) Stop(ctx context.Context) error {
	select {
	case <-h.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
