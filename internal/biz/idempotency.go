package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// ErrIdempotencyMiss is returned by IdempotencyRepo.Get when no record
// exists for a key.
var ErrIdempotencyMiss = errors.New("idempotency: key not found")

// IdempotencyRepo is the storage backend for deduplicated operation
// results. Implementations live in the data layer (Redis SET NX, or a
// process-local expiring cache).
type IdempotencyRepo interface {
	// Get returns the stored result for key, or ErrIdempotencyMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetNX stores value under key with the given TTL only if the key is
	// absent. It returns true when the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// defaultIdempotencyTTL bounds how long a completed side effect suppresses
// re-execution.
const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore deduplicates side-effecting operations by content
// fingerprint. The key is a stable hash over the operation name and a
// canonical serialization of its parameters, so identical logical calls map
// to the same slot regardless of caller-side key ordering.
type IdempotencyStore struct {
	repo     IdempotencyRepo
	fallback IdempotencyRepo
	ttl      time.Duration
	logger   *log.Helper

	mu            sync.Mutex
	hits          int64
	misses        int64
	degraded      bool
	degradedUntil time.Time // next shared-store probe while degraded

	now func() time.Time
}

// IdempotencyStats is a point-in-time snapshot for the observability layer.
type IdempotencyStats struct {
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Degraded bool  `json:"degraded"`
}

// NewIdempotencyStore creates a store over the given backend. fallback is
// used when the primary backend fails; it may be nil.
func NewIdempotencyStore(repo IdempotencyRepo, fallback IdempotencyRepo, ttl time.Duration, logger log.Logger) *IdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &IdempotencyStore{
		repo:     repo,
		fallback: fallback,
		ttl:      ttl,
		logger:   log.NewHelper(logger),
		now:      time.Now,
	}
}

// IdempotencyKey computes the deterministic fingerprint of an operation and
// its parameters. Params are serialized to JSON, which sorts map keys at
// every nesting level, giving a canonical form for free.
func IdempotencyKey(operation string, params map[string]any) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("idempotency: failed to canonicalize params for %s: %w", operation, err)
	}
	sum := sha256.Sum256(append([]byte(operation+"\x00"), canonical...))
	return "idem:" + hex.EncodeToString(sum[:]), nil
}

// CheckAndSet executes fn at most once for the given operation identity.
// On a miss fn runs, its JSON-encoded result is stored with the configured
// TTL and returned with cached=false. On a hit the stored result is
// returned with cached=true and fn does not run.
func (s *IdempotencyStore) CheckAndSet(ctx context.Context, operation string, params map[string]any, fn func(ctx context.Context) (any, error)) (json.RawMessage, bool, error) {
	key, err := IdempotencyKey(operation, params)
	if err != nil {
		return nil, false, err
	}

	if cached, ok := s.lookup(ctx, key, operation); ok {
		s.bumpHit()
		return cached, true, nil
	}
	s.bumpMiss()

	result, err := fn(ctx)
	if err != nil {
		// Failed executions are not recorded: the next identical call
		// retries.
		return nil, false, err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: failed to encode result for %s: %w", operation, err)
	}

	stored, err := s.store(ctx, key, encoded)
	if err != nil {
		// The side effect already happened; losing the record only
		// risks a redundant (idempotent) re-execution later.
		s.logger.Warnw("msg", "failed to record idempotency result",
			"operation", operation,
			"error", err)
		return encoded, false, nil
	}
	if !stored {
		// Another process won the race; its stored result is the
		// canonical one.
		if cached, ok := s.lookup(ctx, key, operation); ok {
			return cached, true, nil
		}
	}
	return encoded, false, nil
}

// lookup reads a record, degrading to the fallback backend on error.
func (s *IdempotencyStore) lookup(ctx context.Context, key, operation string) (json.RawMessage, bool) {
	repo := s.currentRepo()
	value, err := repo.Get(ctx, key)
	if err == nil || errors.Is(err, ErrIdempotencyMiss) {
		// A miss is still a successful round trip to the backend.
		if repo != s.fallback {
			s.recovered()
		}
		return value, err == nil
	}

	s.degrade(operation, err)
	if s.fallback != nil {
		if value, err := s.fallback.Get(ctx, key); err == nil {
			return value, true
		}
	}
	return nil, false
}

// store writes a record, degrading to the fallback backend on error.
func (s *IdempotencyStore) store(ctx context.Context, key string, value []byte) (bool, error) {
	repo := s.currentRepo()
	stored, err := repo.SetNX(ctx, key, value, s.ttl)
	if err == nil {
		if repo != s.fallback {
			s.recovered()
		}
		return stored, nil
	}

	s.degrade("", err)
	if s.fallback != nil {
		return s.fallback.SetNX(ctx, key, value, s.ttl)
	}
	return false, err
}

// currentRepo returns the active backend. While degraded the fallback is
// used until the retry interval elapses; then the shared backend gets the
// next call as a recovery probe.
func (s *IdempotencyStore) currentRepo() IdempotencyRepo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded && s.fallback != nil && s.now().Before(s.degradedUntil) {
		return s.fallback
	}
	return s.repo
}

// degrade switches to the local backend after a shared-store failure. The
// switch holds for sharedStoreRetryInterval, after which the shared store
// is probed again.
func (s *IdempotencyStore) degrade(operation string, err error) {
	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = true
	s.degradedUntil = s.now().Add(sharedStoreRetryInterval)
	s.mu.Unlock()
	if !wasDegraded {
		s.logger.Errorw("msg", "shared idempotency store unreachable, degrading to local cache",
			"operation", operation,
			"error", err)
	}
}

// recovered clears the degraded state after a successful shared-store
// round trip.
func (s *IdempotencyStore) recovered() {
	s.mu.Lock()
	wasDegraded := s.degraded
	s.degraded = false
	s.degradedUntil = time.Time{}
	s.mu.Unlock()
	if wasDegraded {
		s.logger.Infow("msg", "shared idempotency store recovered")
	}
}

// Stats returns a snapshot of cache counters.
func (s *IdempotencyStore) Stats() IdempotencyStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IdempotencyStats{Hits: s.hits, Misses: s.misses, Degraded: s.degraded}
}

func (s *IdempotencyStore) bumpHit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *IdempotencyStore) bumpMiss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}
