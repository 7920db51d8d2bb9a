package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SlotLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// Worker lifecycle states.
const (
	WorkerIdle     = "idle"
	WorkerRunning  = "running"
	WorkerSleeping = "sleeping"
	WorkerStopped  = "stopped"
)

// teardownTimeout bounds surface cleanup. Teardown runs on its own context
// so a cancelled cycle still releases the driver.
const teardownTimeout = 15 * time.Second

// Cycle carries everything one attempt needs: the partition being worked,
// the credential and proxy chosen for this pass, and the freshly built
// automation surface. The attempt callback must not retain any of it past
// its return.
type Cycle struct {
	Partition  string
	Credential Resource
	Proxy      Resource
	Surface    Surface
}

// AttemptFunc is the pluggable per-cycle action. The worker does not know
// what the attempt does, only whether it succeeded or failed. Transient
// conditions (rate limited, circuit open) should be returned as their typed
// errors so the worker can treat them as normal operation rather than
// failures.
type AttemptFunc func(ctx context.Context, cycle *Cycle) error

// WorkerRecord is a read-only snapshot of one worker for status reporting.
type WorkerRecord struct {
	Partition         string       `json:"partition"`
	State             string       `json:"state"`
	CycleCount        int64        `json:"cycle_count"`
	LastCycleAt       time.Time    `json:"last_cycle_at"`
	LastError         string       `json:"last_error,omitempty"`
	CurrentCredential string       `json:"current_credential,omitempty"`
	CurrentProxy      string       `json:"current_proxy,omitempty"`
	Breaker           CircuitStats `json:"breaker"`
}

// Worker drives one partition's automation loop: acquire a credential and a
// proxy, build an isolated surface, run one attempt, tear everything down,
// sleep, repeat. Each cycle gets a fresh surface bound to the cycle's proxy
// so sessions are never correlated across credentials. Cycles within one
// worker are strictly sequential.
type Worker struct {
	partition   string
	credentials *ResourcePool
	proxies     *ResourcePool
	surfaces    SurfaceFactory
	attempt     AttemptFunc
	breaker     *CircuitBreaker
	cycleSleep  time.Duration
	cycleLimit  time.Duration
	logger      *log.Helper

	mu                sync.Mutex
	state             string
	cycleCount        int64
	lastCycleAt       time.Time
	lastErr           string
	currentCredential string
	currentProxy      string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker builds a worker for one partition. The circuit breaker is owned
// by the worker and protects this partition's target endpoint for the
// worker's lifetime.
func NewWorker(partition string, credentials, proxies *ResourcePool, surfaces SurfaceFactory, attempt AttemptFunc, cfg *conf.Orchestrator, breakerCfg *conf.Breaker, logger log.Logger) *Worker {
	return &Worker{
		partition:   partition,
		credentials: credentials,
		proxies:     proxies,
		surfaces:    surfaces,
		attempt:     attempt,
		breaker:     NewCircuitBreaker("partition:"+partition, breakerCfg, logger),
		cycleSleep:  cfg.CycleSleep,
		cycleLimit:  cfg.CycleTimeout,
		logger:      log.NewHelper(log.With(logger, "partition", partition)),
		state:       WorkerIdle,
	}
}

// Start launches the worker loop as a background task. It returns
// immediately; use Stop to cancel the loop and wait for cleanup.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	w.state = WorkerRunning
	w.mu.Unlock()

	go w.run(ctx)
}

// Stop cancels any in-flight cycle or sleep and waits for the worker's
// cleanup to complete.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(WorkerStopped)

	w.logger.Infow("msg", "worker started", "sleep", w.cycleSleep)
	for {
		if err := ctx.Err(); err != nil {
			w.logger.Infow("msg", "worker stopping", "cycles", w.Record().CycleCount)
			return
		}

		if err := w.breaker.Allow(); err != nil {
			wait := w.breaker.WaitTime()
			w.logger.Warnw("msg", "circuit open, backing off", "wait", wait)
			w.setState(WorkerSleeping)
			if sleepCtx(ctx, wait) != nil {
				continue
			}
			// Fall through: the post-backoff cycle probes the portal.
			// A success closes the circuit, another failure grows the
			// backoff.
		}

		w.setState(WorkerRunning)
		if err := w.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			// Partition-local failure: log and carry on. Errors never
			// propagate across partitions.
			w.logger.Errorw("msg", "cycle failed", "error", err)
			w.noteError(err)
			w.breaker.RecordFailure()
		} else {
			w.breaker.RecordSuccess()
		}

		w.setState(WorkerSleeping)
		if sleepCtx(ctx, w.cycleSleep) != nil {
			continue
		}
	}
}

// runCycle performs one acquire-execute-teardown pass. The surface is torn
// down on every exit path, including panics, on a context of its own.
func (w *Worker) runCycle(ctx context.Context) (err error) {
	if w.cycleLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cycleLimit)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()

	credential, err := w.credentials.GetNext(w.partition)
	if err != nil {
		return fmt.Errorf("acquire credential: %w", err)
	}
	proxy, err := w.proxies.GetNext(w.partition)
	if err != nil {
		return fmt.Errorf("acquire proxy: %w", err)
	}
	w.noteCycleStart(credential, proxy)

	surface, err := w.surfaces.New(ctx, proxy)
	if err != nil {
		return fmt.Errorf("build surface: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if terr := surface.Teardown(tctx); terr != nil {
			w.logger.Warnw("msg", "surface teardown failed", "error", terr)
		}
		w.noteCycleEnd()
	}()

	cycle := &Cycle{
		Partition:  w.partition,
		Credential: credential,
		Proxy:      proxy,
		Surface:    surface,
	}
	if err := w.attempt(ctx, cycle); err != nil {
		if IsRateLimited(err) {
			// Normal operating condition, not a failure.
			w.logger.Debugw("msg", "cycle rate limited", "credential", credential.ID)
			return nil
		}
		return err
	}
	return nil
}

// Record returns a read-only snapshot of the worker.
func (w *Worker) Record() WorkerRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerRecord{
		Partition:         w.partition,
		State:             w.state,
		CycleCount:        w.cycleCount,
		LastCycleAt:       w.lastCycleAt,
		LastError:         w.lastErr,
		CurrentCredential: w.currentCredential,
		CurrentProxy:      w.currentProxy,
		Breaker:           w.breaker.Stats(),
	}
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) noteCycleStart(credential, proxy Resource) {
	w.mu.Lock()
	w.cycleCount++
	w.lastCycleAt = time.Now()
	w.currentCredential = credential.ID
	w.currentProxy = proxy.ID
	w.mu.Unlock()
}

func (w *Worker) noteCycleEnd() {
	w.mu.Lock()
	w.currentCredential = ""
	w.currentProxy = ""
	w.mu.Unlock()
}

func (w *Worker) noteError(err error) {
	w.mu.Lock()
	w.lastErr = err.Error()
	w.mu.Unlock()
}
