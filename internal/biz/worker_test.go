package biz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"SlotLane/internal/conf"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingFactory builds fakeSurfaces and remembers every instance so
// tests can verify teardown.
type recordingFactory struct {
	mu       sync.Mutex
	built    []*fakeSurface
	failWith error
	proxies  []string
}

func (f *recordingFactory) New(_ context.Context, proxy Resource) (Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	s := newFakeSurface("https://portal/slots")
	f.built = append(f.built, s)
	f.proxies = append(f.proxies, proxy.ID)
	return s, nil
}

func (f *recordingFactory) allTornDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.built {
		s.mu.Lock()
		down := s.tornDown
		s.mu.Unlock()
		if !down {
			return false
		}
	}
	return true
}

func (f *recordingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func testWorkerConf() *conf.Orchestrator {
	return &conf.Orchestrator{
		Interval:            20 * time.Millisecond,
		PoolRefreshInterval: time.Hour,
		CycleSleep:          5 * time.Millisecond,
		CycleTimeout:        time.Second,
	}
}

// countingAttempt is a scriptable AttemptFunc.
type countingAttempt struct {
	mu    sync.Mutex
	runs  int
	do    func(run int, cycle *Cycle) error
	seen  []string // credential IDs in order
	panic bool
}

func (a *countingAttempt) run(_ context.Context, cycle *Cycle) error {
	a.mu.Lock()
	a.runs++
	run := a.runs
	a.seen = append(a.seen, cycle.Credential.ID)
	do := a.do
	shouldPanic := a.panic
	a.mu.Unlock()
	if shouldPanic {
		panic("attempt exploded")
	}
	if do != nil {
		return do(run, cycle)
	}
	return nil
}

func (a *countingAttempt) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.runs
}

func newTestWorker(t *testing.T, attempt AttemptFunc, factory SurfaceFactory) *Worker {
	t.Helper()
	credentials := poolWith(t, 2)
	proxies := NewResourcePool("proxies", testLogger())
	proxies.UpdateResources([]Resource{
		{ID: "proxy-0", Kind: "proxy"},
		{ID: "proxy-1", Kind: "proxy"},
	})
	return NewWorker("DE", credentials, proxies, factory, attempt, testWorkerConf(), testBreakerConfig(), testLogger())
}

func TestWorker_RunsSequentialCyclesWithTeardown(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{}
	w := newTestWorker(t, attempt.run, factory)

	w.Start(context.Background())
	assert.Eventually(t, func() bool { return attempt.count() >= 3 },
		2*time.Second, 5*time.Millisecond)
	w.Stop()

	record := w.Record()
	assert.Equal(t, WorkerStopped, record.State)
	assert.GreaterOrEqual(t, record.CycleCount, int64(3))
	assert.Empty(t, record.LastError)
	assert.Empty(t, record.CurrentCredential, "resources released after each cycle")
	assert.True(t, factory.allTornDown(), "every cycle's surface must be torn down")
	assert.Equal(t, attempt.count(), factory.count(), "one fresh surface per cycle")
}

func TestWorker_CredentialRotationAcrossCycles(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{}
	w := newTestWorker(t, attempt.run, factory)

	w.Start(context.Background())
	assert.Eventually(t, func() bool { return attempt.count() >= 4 },
		2*time.Second, 5*time.Millisecond)
	w.Stop()

	attempt.mu.Lock()
	seen := append([]string(nil), attempt.seen...)
	attempt.mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 4)
	assert.NotEqual(t, seen[0], seen[1], "consecutive cycles rotate credentials")
	assert.Equal(t, seen[0], seen[2], "two credentials alternate")
}

func TestWorker_AttemptErrorIsPartitionLocal(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{do: func(run int, _ *Cycle) error {
		if run == 1 {
			return errors.New("portal exploded")
		}
		return nil
	}}
	w := newTestWorker(t, attempt.run, factory)

	w.Start(context.Background())
	assert.Eventually(t, func() bool { return attempt.count() >= 2 },
		2*time.Second, 5*time.Millisecond)
	w.Stop()

	record := w.Record()
	assert.Contains(t, record.LastError, "portal exploded")
	assert.True(t, factory.allTornDown(), "failed cycle still tears its surface down")
	assert.GreaterOrEqual(t, record.CycleCount, int64(2), "loop continues after a failed cycle")
}

func TestWorker_PanicRecovered(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{panic: true}
	w := newTestWorker(t, attempt.run, factory)

	w.Start(context.Background())
	assert.Eventually(t, func() bool { return attempt.count() >= 2 },
		2*time.Second, 5*time.Millisecond)
	w.Stop()

	record := w.Record()
	assert.Contains(t, record.LastError, "panicked")
	assert.True(t, factory.allTornDown())
}

func TestWorker_RateLimitedIsNotAFailure(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{do: func(int, *Cycle) error {
		return &RateLimitExceededError{Class: ClassSlotCheck, Limit: 5, RetryAfter: time.Millisecond}
	}}
	w := newTestWorker(t, attempt.run, factory)

	w.Start(context.Background())
	assert.Eventually(t, func() bool { return attempt.count() >= 3 },
		2*time.Second, 5*time.Millisecond)
	w.Stop()

	record := w.Record()
	assert.Empty(t, record.LastError)
	assert.Zero(t, record.Breaker.ConsecutiveErrors, "rate limiting never trips the breaker")
	assert.False(t, record.Breaker.Open)
}

func TestWorker_RepeatedFailuresOpenBreaker(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{do: func(int, *Cycle) error {
		return errors.New("portal down")
	}}
	w := newTestWorker(t, attempt.run, factory)

	w.Start(context.Background())
	// testBreakerConfig opens after 3 consecutive errors.
	assert.Eventually(t, func() bool { return w.Record().Breaker.Open },
		2*time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Equal(t, 3, w.Record().Breaker.ConsecutiveErrors)
}

func TestWorker_RecoversAfterBreakerOpens(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{do: func(run int, _ *Cycle) error {
		if run <= 3 {
			return errors.New("portal down")
		}
		return nil
	}}
	credentials := poolWith(t, 2)
	proxies := NewResourcePool("proxies", testLogger())
	proxies.UpdateResources([]Resource{{ID: "proxy-0", Kind: "proxy"}})
	breakerCfg := testBreakerConfig()
	breakerCfg.BackoffBase = time.Millisecond
	w := NewWorker("DE", credentials, proxies, factory, attempt.run, testWorkerConf(), breakerCfg, testLogger())

	w.Start(context.Background())
	// The circuit opens after 3 failures; the post-backoff cycle must
	// still run and, once the portal heals, close it again.
	assert.Eventually(t, func() bool {
		return attempt.count() > 3 && !w.Record().Breaker.Open
	}, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	record := w.Record()
	assert.False(t, record.Breaker.Open)
	assert.Zero(t, record.Breaker.ConsecutiveErrors)
	assert.Greater(t, attempt.count(), 3)
}

func TestWorker_EmptyPoolDoesNotCrashLoop(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{}
	credentials := NewResourcePool("credentials", testLogger())
	proxies := NewResourcePool("proxies", testLogger())
	w := NewWorker("DE", credentials, proxies, factory, attempt.run, testWorkerConf(), testBreakerConfig(), testLogger())

	w.Start(context.Background())
	assert.Eventually(t, func() bool {
		r := w.Record()
		return r.CycleCount == 0 && r.LastError != ""
	}, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	assert.Contains(t, w.Record().LastError, ErrPoolEmpty.Error())
	assert.Zero(t, attempt.count(), "no attempt without resources")
}

func TestWorker_StopCancelsInFlightSleep(t *testing.T) {
	factory := &recordingFactory{}
	attempt := &countingAttempt{}
	credentials := poolWith(t, 2)
	proxies := NewResourcePool("proxies", testLogger())
	proxies.UpdateResources([]Resource{{ID: "proxy-0", Kind: "proxy"}})
	cfg := testWorkerConf()
	cfg.CycleSleep = time.Hour
	w := NewWorker("DE", credentials, proxies, factory, attempt.run, cfg, testBreakerConfig(), testLogger())

	w.Start(context.Background())
	assert.Eventually(t, func() bool { return attempt.count() >= 1 },
		2*time.Second, 5*time.Millisecond)

	start := time.Now()
	w.Stop()
	assert.Less(t, time.Since(start), time.Second, "stop must cancel the inter-cycle sleep")
	assert.Equal(t, WorkerStopped, w.Record().State)
}
