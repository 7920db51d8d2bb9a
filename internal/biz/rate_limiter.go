package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"SlotLane/internal/conf"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// RateLimitRepo is the admission-control backend. Implementations must make
// CheckAndRecord a single atomic step: evict expired entries, count, reject
// without recording at/over the limit, otherwise record. A check followed by
// a separate record is unsafe across concurrent processes.
//
// Following Kratos DDD architecture, the interface is defined in the biz
// layer and implemented in data (Redis Lua script or process-local windows).
type RateLimitRepo interface {
	// CheckAndRecord returns limited=true (attempt NOT recorded) when the
	// identifier is at or over limit within the trailing window, and
	// limited=false (attempt recorded) otherwise. retryAfter estimates
	// the wait until the oldest entry leaves the window.
	CheckAndRecord(ctx context.Context, identifier string, limit int, window time.Duration) (limited bool, retryAfter time.Duration, err error)
}

// RateLimitExceededError represents a rate limit rejection with retry information.
type RateLimitExceededError struct {
	Class      string
	Identifier string
	Limit      int
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded: class=%s identifier=%s limit=%d retry_after=%s",
		e.Class, e.Identifier, e.Limit, e.RetryAfter)
}

// NewRateLimitHTTPError creates an HTTP-429-shaped error for transport layers.
func NewRateLimitHTTPError(class string, limit int, retryAfter time.Duration) error {
	return kerrors.New(
		429,
		"RATE_LIMIT_EXCEEDED",
		fmt.Sprintf("rate limit exceeded: class=%s limit=%d retry_after=%s", class, limit, retryAfter),
	)
}

// IsRateLimited reports whether err is a rate limit rejection.
func IsRateLimited(err error) bool {
	var rle *RateLimitExceededError
	if errors.As(err, &rle) {
		return true
	}
	return kerrors.Code(err) == 429
}

const (
	// ClassLogin covers portal authentication calls.
	ClassLogin = "login"
	// ClassSlotCheck covers slot list/availability probes.
	ClassSlotCheck = "slot_check"
	// ClassBooking covers side-effecting booking submissions.
	ClassBooking = "booking"
	// ClassDefault covers everything else.
	ClassDefault = "default"
)

// defaultRetryWait is used when the backend cannot estimate a retry time.
const defaultRetryWait = 500 * time.Millisecond

// sharedStoreRetryInterval is how long a degraded store keeps using its
// local fallback before probing the shared backend again. A transient
// outage must not disable cross-process enforcement for the rest of the
// process lifetime.
const sharedStoreRetryInterval = 30 * time.Second

// RateLimiterUseCase is the per-class admission controller. Each call class
// has an independently configured sliding-window budget because the portal
// imposes different limits per endpoint. Server-imposed "too many requests"
// hints are tracked per class and enforced as a hard floor superseding the
// local budget until they elapse.
//
// If the shared backend becomes unreachable the limiter degrades to the
// process-local backend. That degradation is security-relevant (limits are
// no longer enforced across the full process set), so it is logged at Error.
type RateLimiterUseCase struct {
	repo     RateLimitRepo
	fallback RateLimitRepo
	classes  map[string]*conf.RateLimitClass
	logger   *log.Helper

	mu            sync.Mutex
	overrides     map[string]time.Time // class -> earliest next attempt
	degraded      bool
	degradedUntil time.Time // next shared-store probe while degraded

	allowed int64
	limited int64

	now func() time.Time
}

// RateLimiterStats is a point-in-time snapshot for the observability layer.
type RateLimiterStats struct {
	Allowed         int64                    `json:"allowed"`
	Limited         int64                    `json:"limited"`
	Degraded        bool                     `json:"degraded"`
	ActiveOverrides map[string]time.Duration `json:"active_overrides,omitempty"`
}

// NewRateLimiterUseCase creates the per-class limiter. repo is the primary
// backend (shared store when available); fallback is the process-local
// backend used when the primary fails.
func NewRateLimiterUseCase(repo RateLimitRepo, fallback RateLimitRepo, cfg *conf.RateLimit, logger log.Logger) *RateLimiterUseCase {
	classes := map[string]*conf.RateLimitClass{}
	if cfg != nil {
		classes = cfg.Classes
	}
	return &RateLimiterUseCase{
		repo:      repo,
		fallback:  fallback,
		classes:   classes,
		overrides: make(map[string]time.Time),
		logger:    log.NewHelper(logger),
		now:       time.Now,
	}
}

// classBudget resolves the budget for a class, falling back to "default".
func (uc *RateLimiterUseCase) classBudget(class string) (string, *conf.RateLimitClass) {
	if c, ok := uc.classes[class]; ok {
		return class, c
	}
	return ClassDefault, uc.classes[ClassDefault]
}

// Acquire blocks until one attempt of the given class is admitted for the
// identifier, or ctx is cancelled. The wait happens outside of any lock so
// competing callers interleave.
func (uc *RateLimiterUseCase) Acquire(ctx context.Context, class, identifier string) error {
	name, budget := uc.classBudget(class)
	if budget == nil {
		return nil
	}

	for {
		if wait := uc.overrideWait(name); wait > 0 {
			uc.logger.Debugw("msg", "honoring server retry hint",
				"class", name,
				"wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		limited, retryAfter, err := uc.checkAndRecord(ctx, name, identifier, budget)
		if err != nil {
			return err
		}
		if !limited {
			uc.bump(&uc.allowed)
			return nil
		}
		uc.bump(&uc.limited)

		if retryAfter <= 0 {
			retryAfter = defaultRetryWait
		}
		if err := sleepCtx(ctx, retryAfter); err != nil {
			return err
		}
	}
}

// TryAcquire performs a single non-blocking admission check. It returns a
// typed rate-limit error when the attempt is rejected.
func (uc *RateLimiterUseCase) TryAcquire(ctx context.Context, class, identifier string) error {
	name, budget := uc.classBudget(class)
	if budget == nil {
		return nil
	}

	if wait := uc.overrideWait(name); wait > 0 {
		uc.bump(&uc.limited)
		return &RateLimitExceededError{Class: name, Identifier: identifier, Limit: budget.MaxAttempts, RetryAfter: wait}
	}

	limited, retryAfter, err := uc.checkAndRecord(ctx, name, identifier, budget)
	if err != nil {
		return err
	}
	if limited {
		uc.bump(&uc.limited)
		return &RateLimitExceededError{Class: name, Identifier: identifier, Limit: budget.MaxAttempts, RetryAfter: retryAfter}
	}
	uc.bump(&uc.allowed)
	return nil
}

// CheckAndRecord exposes the raw atomic primitive for callers that manage
// their own waiting. limited=true means the attempt was NOT recorded.
func (uc *RateLimiterUseCase) CheckAndRecord(ctx context.Context, class, identifier string) (bool, error) {
	name, budget := uc.classBudget(class)
	if budget == nil {
		return false, nil
	}
	limited, _, err := uc.checkAndRecord(ctx, name, identifier, budget)
	if err != nil {
		return false, err
	}
	if limited {
		uc.bump(&uc.limited)
	} else {
		uc.bump(&uc.allowed)
	}
	return limited, nil
}

// checkAndRecord runs the backend primitive, degrading to the local
// fallback on backend failure. Degradation is not permanent: after
// sharedStoreRetryInterval the next call probes the shared backend again,
// and a successful round trip restores it.
func (uc *RateLimiterUseCase) checkAndRecord(ctx context.Context, class, identifier string, budget *conf.RateLimitClass) (bool, time.Duration, error) {
	key := class + ":" + identifier

	repo := uc.currentRepo()
	limited, retryAfter, err := repo.CheckAndRecord(ctx, key, budget.MaxAttempts, budget.Window)
	if err == nil {
		if repo != uc.fallback {
			uc.noteRecovered()
		}
		return limited, retryAfter, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, 0, err
	}

	if uc.fallback == nil || repo == uc.fallback {
		return false, 0, fmt.Errorf("rate limit backend failed for %s: %w", key, err)
	}

	// Shared store unreachable: degrade to local-only limiting. Limits
	// are no longer enforced across the full process set.
	uc.mu.Lock()
	wasDegraded := uc.degraded
	uc.degraded = true
	uc.degradedUntil = uc.now().Add(sharedStoreRetryInterval)
	uc.mu.Unlock()
	if !wasDegraded {
		uc.logger.Errorw("msg", "shared rate limit store unreachable, degrading to local-only limiting",
			"class", class,
			"error", err)
	}

	limited, retryAfter, err = uc.fallback.CheckAndRecord(ctx, key, budget.MaxAttempts, budget.Window)
	if err != nil {
		return false, 0, fmt.Errorf("local rate limit fallback failed for %s: %w", key, err)
	}
	return limited, retryAfter, nil
}

// currentRepo returns the active backend. While degraded the fallback is
// used until the retry interval elapses; then the shared backend gets the
// next call as a recovery probe.
func (uc *RateLimiterUseCase) currentRepo() RateLimitRepo {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	if uc.degraded && uc.fallback != nil && uc.now().Before(uc.degradedUntil) {
		return uc.fallback
	}
	return uc.repo
}

// noteRecovered clears the degraded state after a successful shared-store
// round trip.
func (uc *RateLimiterUseCase) noteRecovered() {
	uc.mu.Lock()
	wasDegraded := uc.degraded
	uc.degraded = false
	uc.degradedUntil = time.Time{}
	uc.mu.Unlock()
	if wasDegraded {
		uc.logger.Infow("msg", "shared rate limit store recovered, resuming cross-process limiting")
	}
}

// NoteRetryAfter records a server-imposed retry hint for a class. The hint
// is enforced as a hard floor on the next Acquire/TryAcquire for that
// class, superseding the local budget until it elapses.
func (uc *RateLimiterUseCase) NoteRetryAfter(class string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	name, _ := uc.classBudget(class)

	uc.mu.Lock()
	defer uc.mu.Unlock()
	until := uc.now().Add(retryAfter)
	if until.After(uc.overrides[name]) {
		uc.overrides[name] = until
	}
	uc.logger.Warnw("msg", "server retry hint recorded",
		"class", name,
		"retry_after", retryAfter)
}

// overrideWait returns the remaining server-imposed wait for a class, and
// clears elapsed overrides.
func (uc *RateLimiterUseCase) overrideWait(class string) time.Duration {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	until, ok := uc.overrides[class]
	if !ok {
		return 0
	}
	wait := until.Sub(uc.now())
	if wait <= 0 {
		delete(uc.overrides, class)
		return 0
	}
	return wait
}

// Stats returns a snapshot of limiter counters.
func (uc *RateLimiterUseCase) Stats() RateLimiterStats {
	uc.mu.Lock()
	defer uc.mu.Unlock()

	var active map[string]time.Duration
	now := uc.now()
	for class, until := range uc.overrides {
		if wait := until.Sub(now); wait > 0 {
			if active == nil {
				active = make(map[string]time.Duration)
			}
			active[class] = wait
		}
	}

	return RateLimiterStats{
		Allowed:         uc.allowed,
		Limited:         uc.limited,
		Degraded:        uc.degraded,
		ActiveOverrides: active,
	}
}

// bump increments a counter under the limiter lock.
func (uc *RateLimiterUseCase) bump(counter *int64) {
	uc.mu.Lock()
	*counter++
	uc.mu.Unlock()
}

// sleepCtx sleeps for d, waking early when ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
