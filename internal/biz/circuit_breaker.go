package biz

import (
	"errors"
	"sync"
	"time"

	"SlotLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// ErrCircuitOpen is returned by Allow when the circuit is open. It is an
// expected operating condition, not a fault: callers back off and retry.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// backoffExponentCap bounds the backoff exponent so sleeps cannot grow
// without limit.
const backoffExponentCap = 10

// CircuitBreaker tracks failures for one protected resource and opens the
// circuit when failures pile up. The circuit opens when consecutive errors
// reach MaxConsecutiveErrors or when errors within the trailing ErrorWindow
// reach MaxErrorsPerWindow. Any recorded success closes it again: a single
// success is treated as sufficient evidence of recovery, no probe period.
//
// All mutation is serialized through one internal lock, so RecordFailure,
// RecordSuccess and WaitTime are consistent under concurrent callers.
type CircuitBreaker struct {
	name string

	maxConsecutive int
	maxPerWindow   int
	window         time.Duration
	backoffBase    time.Duration
	backoffCap     time.Duration

	mu          sync.Mutex
	consecutive int
	failures    []time.Time // bounded: trimmed to the window, capped at maxPerWindow
	open        bool
	openedAt    time.Time
	openCount   int64

	logger *log.Helper
	now    func() time.Time
}

// CircuitStats is a point-in-time snapshot for the observability layer.
type CircuitStats struct {
	Name              string        `json:"name"`
	Open              bool          `json:"open"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	WindowErrors      int           `json:"window_errors"`
	OpenedAt          time.Time     `json:"opened_at,omitempty"`
	TimesOpened       int64         `json:"times_opened"`
	WaitTime          time.Duration `json:"wait_time"`
}

// NewCircuitBreaker creates a breaker for one protected resource.
func NewCircuitBreaker(name string, cfg *conf.Breaker, logger log.Logger) *CircuitBreaker {
	b := &CircuitBreaker{
		name:           name,
		maxConsecutive: 5,
		maxPerWindow:   10,
		window:         10 * time.Minute,
		backoffBase:    30 * time.Second,
		backoffCap:     30 * time.Minute,
		logger:         log.NewHelper(logger),
		now:            time.Now,
	}
	if cfg != nil {
		if cfg.MaxConsecutiveErrors > 0 {
			b.maxConsecutive = cfg.MaxConsecutiveErrors
		}
		if cfg.MaxErrorsPerWindow > 0 {
			b.maxPerWindow = cfg.MaxErrorsPerWindow
		}
		if cfg.ErrorWindow > 0 {
			b.window = cfg.ErrorWindow
		}
		if cfg.BackoffBase > 0 {
			b.backoffBase = cfg.BackoffBase
		}
		if cfg.BackoffCap > 0 {
			b.backoffCap = cfg.BackoffCap
		}
	}
	return b
}

// RecordFailure registers one failed call against the resource.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.consecutive++
	b.failures = append(b.failures, now)
	b.trimLocked(now)

	if b.open {
		return
	}
	if b.consecutive >= b.maxConsecutive || len(b.failures) >= b.maxPerWindow {
		b.open = true
		b.openedAt = now
		b.openCount++
		b.logger.Warnw("msg", "circuit opened",
			"resource", b.name,
			"consecutive_errors", b.consecutive,
			"window_errors", len(b.failures))
	}
}

// RecordSuccess registers one successful call and closes the circuit.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasOpen := b.open
	b.consecutive = 0
	b.failures = b.failures[:0]
	b.open = false
	b.openedAt = time.Time{}

	if wasOpen {
		b.logger.Infow("msg", "circuit closed after success", "resource", b.name)
	}
}

// IsAvailable reports whether calls to the resource are currently permitted.
func (b *CircuitBreaker) IsAvailable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.open
}

// Allow returns ErrCircuitOpen when the circuit is open.
func (b *CircuitBreaker) Allow() error {
	if !b.IsAvailable() {
		return ErrCircuitOpen
	}
	return nil
}

// WaitTime returns the capped exponential backoff for the current failure
// count: min(base * 2^(min(n,10)-1), cap). Zero when no failures are
// recorded.
func (b *CircuitBreaker) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.consecutive
	if n <= 0 {
		return 0
	}
	if n > backoffExponentCap {
		n = backoffExponentCap
	}
	wait := b.backoffBase << (n - 1)
	if wait > b.backoffCap || wait <= 0 {
		wait = b.backoffCap
	}
	return wait
}

// Reset closes the circuit and clears all failure history.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.failures = b.failures[:0]
	b.open = false
	b.openedAt = time.Time{}
	b.logger.Infow("msg", "circuit reset", "resource", b.name)
}

// Stats returns a snapshot of the breaker state.
func (b *CircuitBreaker) Stats() CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trimLocked(b.now())
	stats := CircuitStats{
		Name:              b.name,
		Open:              b.open,
		ConsecutiveErrors: b.consecutive,
		WindowErrors:      len(b.failures),
		OpenedAt:          b.openedAt,
		TimesOpened:       b.openCount,
	}

	n := b.consecutive
	if n > 0 {
		if n > backoffExponentCap {
			n = backoffExponentCap
		}
		wait := b.backoffBase << (n - 1)
		if wait > b.backoffCap || wait <= 0 {
			wait = b.backoffCap
		}
		stats.WaitTime = wait
	}
	return stats
}

// trimLocked drops failure timestamps outside the trailing window and caps
// the queue length. Callers must hold b.mu.
func (b *CircuitBreaker) trimLocked(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
	if len(b.failures) > b.maxPerWindow {
		b.failures = append(b.failures[:0], b.failures[len(b.failures)-b.maxPerWindow:]...)
	}
}
