// Package orchestrator ties the task registry, worker pools, event log
// and health aggregator together behind one service facade. It owns one
// pool per supported task type and the background sweep timer.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/clipforge/clipforge/pkg/core/tasks"
	"github.com/clipforge/clipforge/pkg/core/workers"
	"github.com/clipforge/clipforge/pkg/eventlog"
	"github.com/clipforge/clipforge/pkg/health"
	"github.com/clipforge/clipforge/pkg/infrastructure/logging"
)

// Options tunes the orchestrator's background behavior
type Options struct {
	// Retention is how long completed/cancelled tasks stay queryable
	// before the sweeper removes them.
	Retention time.Duration

	// SweepInterval is how often the background sweeper runs.
	SweepInterval time.Duration

	// EventLogCapacity bounds the observability ring buffer.
	EventLogCapacity int

	// HealthWindow and TargetTaskDuration tune the health aggregator.
	HealthWindow       time.Duration
	TargetTaskDuration time.Duration
}

func (o *Options) fillDefaults() {
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 10 * time.Minute
	}
}

// Orchestrator is the scheduling service. It validates submissions,
// routes tasks to the pool matching their type, and exposes read-only
// snapshots to observers.
type Orchestrator struct {
	opts     Options
	log      *logging.Logger
	registry *tasks.Registry
	events   *eventlog.Log
	health   *health.Aggregator

	mu     sync.RWMutex
	pools  map[string]*workers.Pool
	byType map[tasks.TaskType]*workers.Pool
	execs  map[tasks.TaskType]workers.ExecFunc

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates an orchestrator with no pools. Register executors and
// create pools before submitting tasks.
func New(opts Options, logger *logging.Logger) *Orchestrator {
	opts.fillDefaults()
	if logger == nil {
		logger = logging.New(nil)
	}

	o := &Orchestrator{
		opts:     opts,
		log:      logger.WithComponent("orchestrator"),
		registry: tasks.NewRegistry(logger),
		events:   eventlog.NewLog(opts.EventLogCapacity),
		pools:    make(map[string]*workers.Pool),
		byType:   make(map[tasks.TaskType]*workers.Pool),
		execs:    make(map[tasks.TaskType]workers.ExecFunc),
		stopCh:   make(chan struct{}),
	}
	o.health = health.NewAggregator(o.registry, o, o.events, health.Config{
		Window:             opts.HealthWindow,
		TargetTaskDuration: opts.TargetTaskDuration,
	})
	return o
}

// Registry exposes the task registry for read access and subscriptions
func (o *Orchestrator) Registry() *tasks.Registry { return o.registry }

// Events exposes the observability event log
func (o *Orchestrator) Events() *eventlog.Log { return o.events }

// Health exposes the health aggregator
func (o *Orchestrator) Health() *health.Aggregator { return o.health }

// RegisterExecutor binds an execution function to a task type. Pools
// for the type pick it up at creation time.
func (o *Orchestrator) RegisterExecutor(t tasks.TaskType, fn workers.ExecFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.execs[t] = fn
}

// Start launches the background sweeper. Idempotent.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.mu.Unlock()

	o.wg.Add(1)
	go o.sweepLoop()
	o.log.Info("orchestrator started", map[string]any{"retention": o.opts.Retention.String()})
}

func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.registry.Sweep(o.opts.Retention)
		}
	}
}

// Sweep removes terminal tasks older than the retention window now
func (o *Orchestrator) Sweep() int {
	return o.registry.Sweep(o.opts.Retention)
}

// CreatePool creates a worker pool for one task type. At most one pool
// may exist per type, and an executor must be registered for the type.
func (o *Orchestrator) CreatePool(name string, t tasks.TaskType, cfg workers.PoolConfig) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.pools[name]; exists {
		return fmt.Errorf("pool %q already exists", name)
	}
	if _, exists := o.byType[t]; exists {
		return fmt.Errorf("a pool for type %q already exists", t)
	}
	exec, ok := o.execs[t]
	if !ok {
		return fmt.Errorf("no executor registered for task type %q", t)
	}

	pool, err := workers.NewPool(name, t, cfg, o.registry, exec, o.log, o.events)
	if err != nil {
		return err
	}
	o.pools[name] = pool
	o.byType[t] = pool
	return nil
}

// ScalePool adjusts a pool toward the target size within its bounds
func (o *Orchestrator) ScalePool(id string, targetSize int) (int, error) {
	o.mu.RLock()
	pool, ok := o.pools[id]
	o.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("pool %q not found", id)
	}
	return pool.Scale(targetSize)
}

// TerminatePool shuts a pool down and removes it from the orchestrator
func (o *Orchestrator) TerminatePool(id string) error {
	o.mu.Lock()
	pool, ok := o.pools[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("pool %q not found", id)
	}
	delete(o.pools, id)
	delete(o.byType, pool.Type())
	o.mu.Unlock()

	pool.Terminate()
	return nil
}

// SubmitTask validates a submission and enqueues it into the pool
// matching its type. It returns the new task id, or one of
// ValidationError, PoolNotFoundError, QueueFullError without touching
// shared state.
func (o *Orchestrator) SubmitTask(spec tasks.SubmitSpec) (string, error) {
	t, err := tasks.New(spec)
	if err != nil {
		return "", err
	}

	o.mu.RLock()
	pool, ok := o.byType[t.Type]
	o.mu.RUnlock()
	if !ok {
		return "", &tasks.PoolNotFoundError{Type: t.Type}
	}

	if err := pool.Enqueue(t); err != nil {
		return "", err
	}
	return t.ID, nil
}

// QueryStatus returns a snapshot of the task with the given id
func (o *Orchestrator) QueryStatus(id string) (*tasks.Task, bool) {
	return o.registry.Get(id)
}

// Cancel cancels a task. Queued tasks cancel immediately; processing
// tasks receive a cooperative cancel signal. Returns false for unknown
// or already-terminal tasks.
func (o *Orchestrator) Cancel(id string) bool {
	snap, ok := o.registry.Get(id)
	if !ok {
		return false
	}

	o.mu.RLock()
	pool, ok := o.byType[snap.Type]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	return pool.Cancel(id)
}

// Retry manually re-enqueues a failed task that still has retry budget
func (o *Orchestrator) Retry(id string) bool {
	snap, ok := o.registry.Get(id)
	if !ok {
		return false
	}

	o.mu.RLock()
	pool, ok := o.byType[snap.Type]
	o.mu.RUnlock()
	if !ok {
		return false
	}
	return pool.Retry(id)
}

// Subscribe attaches per-task callbacks; see tasks.Callbacks for the
// delivery contract
func (o *Orchestrator) Subscribe(id string, cb tasks.Callbacks) error {
	return o.registry.Subscribe(id, cb)
}

// AddListener registers a global observer for all task events
func (o *Orchestrator) AddListener(l tasks.Listener) {
	o.registry.AddListener(l)
}

// PoolSnapshots implements health.PoolLister
func (o *Orchestrator) PoolSnapshots() []workers.PoolStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]workers.PoolStats, 0, len(o.pools))
	for _, p := range o.pools {
		out = append(out, p.Stats())
	}
	return out
}

// WorkerSnapshots implements health.PoolLister
func (o *Orchestrator) WorkerSnapshots() []workers.WorkerStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var out []workers.WorkerStats
	for _, p := range o.pools {
		out = append(out, p.WorkerSnapshots()...)
	}
	return out
}

// ExportStats serializes the current health snapshot to JSON
func (o *Orchestrator) ExportStats() ([]byte, error) {
	return o.health.ExportStats()
}

// GenerateReport builds a diagnostic report with the event-log tail
func (o *Orchestrator) GenerateReport(eventTail int) health.Report {
	return o.health.GenerateReport(eventTail)
}

// Shutdown stops the sweeper and terminates every pool, waiting up to
// the context deadline for background work to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		close(o.stopCh)
		o.started = false
	}
	poolList := make([]*workers.Pool, 0, len(o.pools))
	for _, p := range o.pools {
		poolList = append(poolList, p)
	}
	o.pools = make(map[string]*workers.Pool)
	o.byType = make(map[tasks.TaskType]*workers.Pool)
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, p := range poolList {
			p.Terminate()
		}
		o.wg.Wait()
	}()

	select {
	case <-done:
		o.log.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
