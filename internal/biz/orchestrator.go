package biz

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"SlotLane/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// Partition is one independently scheduled unit of work, typically a target
// country, with its own worker and pool cursors.
type Partition struct {
	Key   string
	Label string
}

// SourceRepo is the read-only source of truth for partitions, credentials
// and egress proxies. Implemented in the data layer over the database.
type SourceRepo interface {
	ListActivePartitions(ctx context.Context) ([]Partition, error)
	ListCredentials(ctx context.Context) ([]Resource, error)
	ListProxies(ctx context.Context) ([]Resource, error)
}

// OrchestratorStatus is the structured snapshot served by the status
// endpoint.
type OrchestratorStatus struct {
	Running     bool             `json:"running"`
	Workers     []WorkerRecord   `json:"workers"`
	Credentials PoolStats        `json:"credentials"`
	Proxies     PoolStats        `json:"proxies"`
	RateLimiter RateLimiterStats `json:"rate_limiter"`
	Idempotency IdempotencyStats `json:"idempotency"`
	LastTickAt  time.Time        `json:"last_tick_at"`
}

// Orchestrator owns the shared pools and the worker registry. A periodic
// control loop fetches the active-partition set, starts a worker per newly
// active partition, stops workers whose partition went inactive, and
// refreshes pool contents from the source of truth. Failures fetching the
// active set or refreshing pools are logged and retried on the next tick;
// they never stop the loop.
type Orchestrator struct {
	cfg         *conf.Orchestrator
	breakerCfg  *conf.Breaker
	source      SourceRepo
	credentials *ResourcePool
	proxies     *ResourcePool
	limiter     *RateLimiterUseCase
	idempotency *IdempotencyStore
	surfaces    SurfaceFactory
	attempt     AttemptFunc
	logger      *log.Helper
	rootLogger  log.Logger

	mu         sync.Mutex
	workers    map[string]*Worker
	running    bool
	lastTickAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewOrchestrator wires the control loop. Missing wiring is a configuration
// error and fails fast instead of surfacing mid-run.
func NewOrchestrator(
	cfg *conf.Orchestrator,
	breakerCfg *conf.Breaker,
	source SourceRepo,
	pools *Pools,
	limiter *RateLimiterUseCase,
	idempotency *IdempotencyStore,
	surfaces SurfaceFactory,
	attempt AttemptFunc,
	logger log.Logger,
) (*Orchestrator, error) {
	switch {
	case cfg == nil || breakerCfg == nil:
		return nil, errors.New("orchestrator: missing timing or breaker configuration")
	case source == nil:
		return nil, errors.New("orchestrator: missing source repository")
	case pools == nil || pools.Credentials == nil || pools.Proxies == nil:
		return nil, errors.New("orchestrator: missing resource pools")
	case surfaces == nil:
		return nil, errors.New("orchestrator: missing surface factory")
	case attempt == nil:
		return nil, errors.New("orchestrator: missing attempt callback")
	}
	return &Orchestrator{
		cfg:         cfg,
		breakerCfg:  breakerCfg,
		source:      source,
		credentials: pools.Credentials,
		proxies:     pools.Proxies,
		limiter:     limiter,
		idempotency: idempotency,
		surfaces:    surfaces,
		attempt:     attempt,
		logger:      log.NewHelper(logger),
		rootLogger:  logger,
		workers:     make(map[string]*Worker),
	}, nil
}

// Start primes the pools, reconciles the worker set once, and launches the
// monitoring loop in the background.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.done != nil {
		o.mu.Unlock()
		return errors.New("orchestrator: already started")
	}
	ctx, o.cancel = context.WithCancel(ctx)
	o.done = make(chan struct{})
	o.running = true
	o.mu.Unlock()

	// First refresh is fatal on failure: starting with empty pools and no
	// partitions means the wiring (DSN, tables) is wrong.
	if err := o.RefreshPools(ctx); err != nil {
		o.shutdownLocked()
		return err
	}
	o.Tick(ctx)

	go o.loop(ctx)
	return nil
}

// Stop halts the monitoring loop, then stops every worker and waits for
// each one's cleanup before returning.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.running = false
	o.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	workers := make([]*Worker, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w)
	}
	o.workers = make(map[string]*Worker)
	o.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		for _, w := range workers {
			w.Stop()
		}
		close(stopped)
	}()
	select {
	case <-stopped:
		o.logger.Infow("msg", "orchestrator stopped", "workers", len(workers))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	monitor := time.NewTicker(o.cfg.Interval)
	defer monitor.Stop()
	refresh := time.NewTicker(o.cfg.PoolRefreshInterval)
	defer refresh.Stop()

	o.logger.Infow("msg", "orchestrator loop started",
		"interval", o.cfg.Interval,
		"pool_refresh_interval", o.cfg.PoolRefreshInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.C:
			o.Tick(ctx)
		case <-refresh.C:
			if err := o.RefreshPools(ctx); err != nil {
				o.logger.Errorw("msg", "pool refresh failed, retrying next tick", "error", err)
			}
		}
	}
}

// Tick runs one reconciliation pass: fetch the active-partition set and
// start/stop workers to match it. Fetch failures leave the current worker
// set untouched.
func (o *Orchestrator) Tick(ctx context.Context) {
	partitions, err := o.source.ListActivePartitions(ctx)
	if err != nil {
		o.logger.Errorw("msg", "failed to fetch active partitions, retrying next tick", "error", err)
		return
	}

	active := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		active[p.Key] = true
	}

	o.mu.Lock()
	if o.done == nil {
		o.mu.Unlock()
		return
	}
	var toStop []*Worker
	for key, w := range o.workers {
		if !active[key] {
			toStop = append(toStop, w)
			delete(o.workers, key)
		}
	}
	var toStart []*Worker
	for _, p := range partitions {
		if _, ok := o.workers[p.Key]; ok {
			continue
		}
		w := NewWorker(p.Key, o.credentials, o.proxies, o.surfaces, o.attempt, o.cfg, o.breakerCfg, o.rootLogger)
		o.workers[p.Key] = w
		toStart = append(toStart, w)
	}
	o.lastTickAt = time.Now()
	o.mu.Unlock()

	for _, w := range toStop {
		o.logger.Infow("msg", "partition no longer active, stopping worker", "partition", w.partition)
		w.Stop()
	}
	for _, w := range toStart {
		o.logger.Infow("msg", "partition activated, starting worker", "partition", w.partition)
		w.Start(ctx)
	}
}

// RefreshPools re-fetches credentials and proxies and atomically replaces
// the pool contents. In-flight workers observe the swap only at their next
// GetNext call.
func (o *Orchestrator) RefreshPools(ctx context.Context) error {
	credentials, err := o.source.ListCredentials(ctx)
	if err != nil {
		return err
	}
	proxies, err := o.source.ListProxies(ctx)
	if err != nil {
		return err
	}
	o.credentials.UpdateResources(credentials)
	o.proxies.UpdateResources(proxies)
	o.logger.Infow("msg", "pools refreshed",
		"credentials", len(credentials),
		"proxies", len(proxies))
	return nil
}

// Status returns the structured snapshot for the observability endpoint.
func (o *Orchestrator) Status() OrchestratorStatus {
	o.mu.Lock()
	records := make([]WorkerRecord, 0, len(o.workers))
	for _, w := range o.workers {
		records = append(records, w.Record())
	}
	running := o.running
	lastTick := o.lastTickAt
	o.mu.Unlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Partition < records[j].Partition })

	status := OrchestratorStatus{
		Running:     running,
		Workers:     records,
		Credentials: o.credentials.Stats(),
		Proxies:     o.proxies.Stats(),
		LastTickAt:  lastTick,
	}
	if o.limiter != nil {
		status.RateLimiter = o.limiter.Stats()
	}
	if o.idempotency != nil {
		status.Idempotency = o.idempotency.Stats()
	}
	return status
}

// shutdownLocked tears down loop bookkeeping after a failed start.
func (o *Orchestrator) shutdownLocked() {
	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	if o.done != nil {
		close(o.done)
	}
	o.cancel, o.done = nil, nil
	o.running = false
	o.mu.Unlock()
}
