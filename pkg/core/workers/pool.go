package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/google/uuid"

	"github.com/clipforge/clipforge/pkg/core/tasks"
	"github.com/clipforge/clipforge/pkg/eventlog"
	"github.com/clipforge/clipforge/pkg/infrastructure/logging"
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	// MinWorkers is the lower bound on pool size; the pool never
	// shrinks below it. Defaults to 1.
	MinWorkers int

	// MaxWorkers is the upper bound on pool size.
	// Defaults to runtime.NumCPU().
	MaxWorkers int

	// MaxQueueSize caps the number of outstanding tasks (queued plus
	// in-flight); submissions beyond it are rejected with QueueFullError.
	MaxQueueSize int

	// TaskTimeout time-boxes each task execution; expiry force-fails
	// the task.
	TaskTimeout time.Duration

	// ScaleUpThreshold and ScaleDownThreshold are utilization bounds
	// (busy/size) driving autoscale decisions.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64

	// ScaleInterval is how often autoscale evaluation runs.
	ScaleInterval time.Duration

	// IdleTimeout is how long a worker must sit idle before scale-down
	// may remove it.
	IdleTimeout time.Duration

	// RetryBackoffInitial and RetryBackoffMax bound the delay before a
	// failed task is re-enqueued.
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration
}

func (c *PoolConfig) fillDefaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = runtime.NumCPU()
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = 64
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	if c.ScaleUpThreshold <= 0 {
		c.ScaleUpThreshold = 0.8
	}
	if c.ScaleDownThreshold <= 0 {
		c.ScaleDownThreshold = 0.3
	}
	if c.ScaleInterval <= 0 {
		c.ScaleInterval = 5 * time.Second
	}
	if c.RetryBackoffInitial <= 0 {
		c.RetryBackoffInitial = 200 * time.Millisecond
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 5 * time.Second
	}
}

// PoolStats is a read-only snapshot of one pool
type PoolStats struct {
	ID             string         `json:"id"`
	Type           tasks.TaskType `json:"type"`
	Workers        int            `json:"workers"`
	Busy           int            `json:"busy"`
	Idle           int            `json:"idle"`
	Queued         int            `json:"queued"`
	MinWorkers     int            `json:"min_workers"`
	MaxWorkers     int            `json:"max_workers"`
	MaxQueueSize   int            `json:"max_queue_size"`
	OldestQueuedMs int64          `json:"oldest_queued_ms"`
	Terminated     bool           `json:"terminated"`
}

// Pool is a typed, bounded collection of worker instances sharing one
// priority queue. Every mutation touching the queue or the worker table
// (enqueue, assign, complete, scale) runs under one mutex, so a task is
// never bound to two workers and a worker never runs two tasks.
type Pool struct {
	id       string
	taskType tasks.TaskType
	cfg      PoolConfig

	registry *tasks.Registry
	exec     ExecFunc
	log      *logging.Logger
	events   *eventlog.Log

	mu          sync.Mutex
	queue       *bandQueue
	workers     map[string]*WorkerInstance
	retryTimers map[string]*time.Timer
	terminated  bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPool creates a pool for one task type, spawns its minimum worker
// set and starts the autoscale timer.
func NewPool(id string, taskType tasks.TaskType, cfg PoolConfig, registry *tasks.Registry, exec ExecFunc, logger *logging.Logger, events *eventlog.Log) (*Pool, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("unknown task type %q", taskType)
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if exec == nil {
		return nil, fmt.Errorf("executor is required for task type %q", taskType)
	}
	if logger == nil {
		logger = logging.New(nil)
	}
	cfg.fillDefaults()

	p := &Pool{
		id:          id,
		taskType:    taskType,
		cfg:         cfg,
		registry:    registry,
		exec:        exec,
		log:         logger.WithComponent("pool." + id),
		events:      events,
		queue:       newBandQueue(),
		workers:     make(map[string]*WorkerInstance),
		retryTimers: make(map[string]*time.Timer),
		stopCh:      make(chan struct{}),
	}

	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.autoscaleLoop()

	p.record(eventlog.Event{Kind: eventlog.PoolCreated, Detail: fmt.Sprintf("type=%s min=%d max=%d", taskType, cfg.MinWorkers, cfg.MaxWorkers)})
	p.log.Info("pool created", map[string]any{"type": taskType, "min": cfg.MinWorkers, "max": cfg.MaxWorkers})
	return p, nil
}

// ID returns the pool identifier
func (p *Pool) ID() string { return p.id }

// Type returns the task type this pool serves
func (p *Pool) Type() tasks.TaskType { return p.taskType }

func (p *Pool) record(e eventlog.Event) {
	if p.events == nil {
		return
	}
	e.Pool = p.id
	p.events.Append(e)
}

// outstandingLocked counts tasks the pool has accepted but not yet
// finished: queued plus in-flight. Admission control bounds this sum so
// a submission rejected here never touched shared state.
func (p *Pool) outstandingLocked() int {
	busy := 0
	for _, w := range p.workers {
		if w.Status == WorkerBusy {
			busy++
		}
	}
	return p.queue.Len() + busy
}

// Enqueue admits a new task into the pool. Admission control rejects
// the submission with QueueFullError before any shared state changes;
// an admitted task is inserted into the registry and dispatched if a
// worker is idle.
func (p *Pool) Enqueue(t *tasks.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return fmt.Errorf("pool %s is terminated", p.id)
	}
	if t.Type != p.taskType {
		return fmt.Errorf("task type %q does not match pool type %q", t.Type, p.taskType)
	}
	if p.outstandingLocked() >= p.cfg.MaxQueueSize {
		p.record(eventlog.Event{Kind: eventlog.TaskRejected, TaskID: t.ID})
		return &tasks.QueueFullError{Pool: p.id, Limit: p.cfg.MaxQueueSize}
	}

	p.registry.Insert(t)
	p.queue.Push(t.ID, t.Priority)
	p.record(eventlog.Event{Kind: eventlog.TaskSubmitted, TaskID: t.ID, Detail: t.Priority.String()})
	p.dispatchLocked()
	return nil
}

// dispatchLocked binds the highest-priority head task to any idle
// worker, repeating until tasks or idle workers run out. Callers must
// hold p.mu. It runs on the three dispatch triggers: task enqueued,
// worker became idle, pool scaled up.
func (p *Pool) dispatchLocked() {
	for {
		w := p.idleWorkerLocked()
		if w == nil {
			return
		}
		id, ok := p.queue.Pop()
		if !ok {
			return
		}

		snap, err := p.registry.MarkDispatched(id, w.ID)
		if err != nil {
			// Task left the pending state while queued (cancelled or
			// swept). Skip it and keep dispatching.
			p.log.Debug("skipping undispatchable task", map[string]any{"task": id, "reason": err.Error()})
			continue
		}

		w.Status = WorkerBusy
		w.CurrentTaskID = id
		if err := w.runner.Submit(Assignment{TaskID: id, Payload: snap.Payload, Timeout: p.cfg.TaskTimeout}); err != nil {
			// Scheduler invariant defect: an idle worker's runner must
			// accept exactly one assignment.
			p.log.Error("runner rejected assignment", map[string]any{"worker": w.ID, "task": id, "error": err.Error()})
			w.Status = WorkerError
			w.CurrentTaskID = ""
			p.registry.MarkFailed(id, err.Error(), true)
			continue
		}
		p.record(eventlog.Event{Kind: eventlog.TaskDispatched, TaskID: id, WorkerID: w.ID})
	}
}

func (p *Pool) idleWorkerLocked() *WorkerInstance {
	for _, w := range p.workers {
		if w.Status == WorkerIdle && w.CanRun(p.taskType) {
			return w
		}
	}
	return nil
}

func (p *Pool) spawnWorkerLocked() *WorkerInstance {
	now := time.Now()
	w := &WorkerInstance{
		ID:           uuid.New().String(),
		Status:       WorkerIdle,
		Capabilities: map[tasks.TaskType]bool{p.taskType: true},
		spawnedAt:    now,
		lastIdleAt:   now,
	}
	w.runner = newGoroutineRunner(w.ID, p.exec, p)
	p.workers[w.ID] = w
	p.record(eventlog.Event{Kind: eventlog.WorkerSpawned, WorkerID: w.ID})
	return w
}

func (p *Pool) removeWorkerLocked(w *WorkerInstance) {
	w.Status = WorkerTerminated
	delete(p.workers, w.ID)
	w.runner.Terminate()
	p.record(eventlog.Event{Kind: eventlog.WorkerTerminated, WorkerID: w.ID})
}

// Cancel cancels a task owned by this pool. A queued task is removed
// and cancelled immediately; a processing task gets a cooperative
// cancel signal and becomes cancelled once the worker acknowledges.
// Returns false for unknown or already-terminal tasks.
func (p *Pool) Cancel(taskID string) bool {
	p.mu.Lock()
	if p.queue.Remove(taskID) {
		p.mu.Unlock()
		p.registry.MarkCancelled(taskID)
		p.record(eventlog.Event{Kind: eventlog.TaskCancelled, TaskID: taskID})
		return true
	}

	var runner Runner
	for _, w := range p.workers {
		if w.CurrentTaskID == taskID {
			runner = w.runner
			break
		}
	}
	p.mu.Unlock()

	if runner == nil {
		return false
	}
	if !p.registry.RequestCancel(taskID) {
		return false
	}
	// Cancel is scoped to the task id: if the worker already finished
	// this task and moved on, the runner ignores the stale cancel.
	runner.Cancel(taskID)
	return true
}

// Retry re-enqueues a failed task at the tail of its original priority
// band. It refuses tasks that are not failed, that exhausted their
// retry budget, or when the queue is full.
func (p *Pool) Retry(taskID string) bool {
	snap, ok := p.registry.PrepareRetry(taskID)
	if !ok {
		return false
	}
	return p.requeue(snap)
}

func (p *Pool) requeue(snap *tasks.Task) bool {
	p.mu.Lock()
	if p.terminated || p.outstandingLocked() >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		// The retry was admitted by the registry but cannot be queued;
		// surface it as a terminal failure rather than dropping it.
		p.registry.MarkFailed(snap.ID, "retry rejected: queue full", true)
		return false
	}
	p.queue.Push(snap.ID, snap.Priority)
	p.record(eventlog.Event{Kind: eventlog.TaskRetried, TaskID: snap.ID, Detail: fmt.Sprintf("attempt=%d", snap.RetryCount)})
	p.dispatchLocked()
	p.mu.Unlock()
	return true
}

// retryDelay derives the backoff delay for the given retry attempt
func (p *Pool) retryDelay(attempt int) time.Duration {
	bo := boff.New(p.cfg.RetryBackoffInitial, p.cfg.RetryBackoffMax, time.Now().UnixNano())
	var delay time.Duration
	for i := 0; i <= attempt; i++ {
		delay = bo.Next()
	}
	return delay
}

// handleFailure captures an execution failure on the task and either
// schedules an automatic retry or finalizes the failure.
func (p *Pool) handleFailure(taskID string, execErr error) {
	snap, ok := p.registry.Get(taskID)
	if !ok {
		return
	}
	final := snap.RetryCount >= snap.MaxRetries
	if err := p.registry.MarkFailed(taskID, execErr.Error(), final); err != nil {
		return
	}
	p.record(eventlog.Event{Kind: eventlog.TaskFailed, TaskID: taskID, Detail: execErr.Error()})
	if final {
		p.log.Warn("task failed permanently", map[string]any{"task": taskID, "retries": snap.RetryCount, "error": execErr.Error()})
		return
	}

	delay := p.retryDelay(snap.RetryCount)
	p.log.Info("scheduling task retry", map[string]any{"task": taskID, "attempt": snap.RetryCount + 1, "delay": delay.String()})

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.retryTimers[taskID] = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.retryTimers, taskID)
		terminated := p.terminated
		p.mu.Unlock()
		if terminated {
			return
		}
		if snap, ok := p.registry.PrepareRetry(taskID); ok {
			p.requeue(snap)
		}
	})
	p.mu.Unlock()
}

// workerProgress implements runnerEvents
func (p *Pool) workerProgress(workerID, taskID string, progress int) {
	p.registry.UpdateProgress(taskID, progress)
}

// workerFinished implements runnerEvents. It settles the task outcome
// first, then returns the worker to idle and re-runs dispatch.
func (p *Pool) workerFinished(workerID, taskID string, result tasks.TaskResult, execErr error, elapsed time.Duration) {
	snap, _ := p.registry.Get(taskID)
	cancelled := execErr != nil && errors.Is(execErr, context.Canceled)

	switch {
	case execErr == nil:
		if err := p.registry.MarkCompleted(taskID, result); err != nil {
			p.log.Warn("completion for non-processing task", map[string]any{"task": taskID, "error": err.Error()})
		} else {
			p.record(eventlog.Event{Kind: eventlog.TaskCompleted, TaskID: taskID, WorkerID: workerID})
		}
	case cancelled && (snap == nil || snap.CancelRequested() || p.isTerminated()):
		if err := p.registry.MarkCancelled(taskID); err == nil {
			p.record(eventlog.Event{Kind: eventlog.TaskCancelled, TaskID: taskID, WorkerID: workerID})
		}
	default:
		p.handleFailure(taskID, execErr)
	}

	p.mu.Lock()
	if w := p.workers[workerID]; w != nil {
		w.CurrentTaskID = ""
		w.Status = WorkerIdle
		w.lastIdleAt = time.Now()
		w.TotalProcessingTime += elapsed
		switch {
		case execErr == nil:
			w.TasksCompleted++
		case !cancelled:
			w.TasksErrored++
		}
	}
	if !p.terminated {
		p.dispatchLocked()
	}
	p.mu.Unlock()
}

// workerCrashed implements runnerEvents. The worker host is gone: the
// worker leaves the table and the pool replaces it to keep MinWorkers.
// The in-flight task is failed like any execution error.
func (p *Pool) workerCrashed(workerID, taskID string, cause error) {
	p.log.Error("worker crashed", map[string]any{"worker": workerID, "task": taskID, "cause": cause.Error()})

	p.mu.Lock()
	if w := p.workers[workerID]; w != nil {
		w.Status = WorkerError
		w.CurrentTaskID = ""
		delete(p.workers, workerID)
	}
	p.record(eventlog.Event{Kind: eventlog.WorkerCrashed, WorkerID: workerID, Detail: cause.Error()})
	if !p.terminated && len(p.workers) < p.cfg.MinWorkers {
		p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	if taskID != "" {
		p.handleFailure(taskID, &tasks.WorkerTransportError{WorkerID: workerID, Cause: cause.Error()})
	}

	p.mu.Lock()
	if !p.terminated {
		p.dispatchLocked()
	}
	p.mu.Unlock()
}

func (p *Pool) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Scale adjusts the pool toward targetSize, clamped to [min,max].
// Shrinking removes only idle workers; busy workers are never destroyed
// mid-task. Returns the resulting pool size.
func (p *Pool) Scale(targetSize int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated {
		return 0, fmt.Errorf("pool %s is terminated", p.id)
	}
	if targetSize < p.cfg.MinWorkers {
		targetSize = p.cfg.MinWorkers
	}
	if targetSize > p.cfg.MaxWorkers {
		targetSize = p.cfg.MaxWorkers
	}

	for len(p.workers) < targetSize {
		p.spawnWorkerLocked()
	}
	for len(p.workers) > targetSize {
		w := p.idleWorkerLocked()
		if w == nil {
			break
		}
		p.removeWorkerLocked(w)
	}

	p.record(eventlog.Event{Kind: eventlog.PoolScaled, Detail: fmt.Sprintf("size=%d", len(p.workers))})
	p.dispatchLocked()
	return len(p.workers), nil
}

// EvaluateAutoscale runs one autoscale step: add one worker when
// utilization exceeds the scale-up threshold, remove one sufficiently
// idle worker when it drops below the scale-down threshold. Changes are
// limited to one worker per evaluation to avoid oscillation.
func (p *Pool) EvaluateAutoscale() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminated || len(p.workers) == 0 {
		return
	}

	busy := 0
	for _, w := range p.workers {
		if w.Status == WorkerBusy {
			busy++
		}
	}
	size := len(p.workers)
	utilization := float64(busy) / float64(size)

	switch {
	case utilization > p.cfg.ScaleUpThreshold && size < p.cfg.MaxWorkers:
		p.spawnWorkerLocked()
		p.record(eventlog.Event{Kind: eventlog.PoolScaled, Detail: fmt.Sprintf("up size=%d utilization=%.2f", size+1, utilization)})
		p.log.Debug("scaled up", map[string]any{"size": size + 1, "utilization": utilization})
		p.dispatchLocked()
	case utilization < p.cfg.ScaleDownThreshold && size > p.cfg.MinWorkers:
		now := time.Now()
		for _, w := range p.workers {
			if w.Status != WorkerIdle {
				continue
			}
			if p.cfg.IdleTimeout > 0 && now.Sub(w.lastIdleAt) < p.cfg.IdleTimeout {
				continue
			}
			p.removeWorkerLocked(w)
			p.record(eventlog.Event{Kind: eventlog.PoolScaled, Detail: fmt.Sprintf("down size=%d utilization=%.2f", size-1, utilization)})
			p.log.Debug("scaled down", map[string]any{"size": size - 1, "utilization": utilization})
			break
		}
	}
}

func (p *Pool) autoscaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.EvaluateAutoscale()
		}
	}
}

// Terminate shuts the pool down: the autoscale timer stops, queued
// tasks are cancelled, pending retry timers are dropped and every
// worker is cancelled cooperatively then terminated.
func (p *Pool) Terminate() {
	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return
	}
	p.terminated = true
	queued := p.queue.drain()
	timers := p.retryTimers
	p.retryTimers = make(map[string]*time.Timer)
	workerList := make([]*WorkerInstance, 0, len(p.workers))
	for _, w := range p.workers {
		workerList = append(workerList, w)
	}
	p.mu.Unlock()

	close(p.stopCh)
	for _, timer := range timers {
		timer.Stop()
	}
	for _, id := range queued {
		if err := p.registry.MarkCancelled(id); err == nil {
			p.record(eventlog.Event{Kind: eventlog.TaskCancelled, TaskID: id})
		}
	}
	for _, w := range workerList {
		w.runner.Terminate()
	}
	p.wg.Wait()

	p.record(eventlog.Event{Kind: eventlog.PoolTerminated})
	p.log.Info("pool terminated", map[string]any{"cancelled_queued": len(queued)})
}

// Stats returns a read-only snapshot of the pool
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	busy := 0
	for _, w := range p.workers {
		if w.Status == WorkerBusy {
			busy++
		}
	}
	return PoolStats{
		ID:             p.id,
		Type:           p.taskType,
		Workers:        len(p.workers),
		Busy:           busy,
		Idle:           len(p.workers) - busy,
		Queued:         p.queue.Len(),
		MinWorkers:     p.cfg.MinWorkers,
		MaxWorkers:     p.cfg.MaxWorkers,
		MaxQueueSize:   p.cfg.MaxQueueSize,
		OldestQueuedMs: p.queue.OldestAge(time.Now()).Milliseconds(),
		Terminated:     p.terminated,
	}
}

// WorkerSnapshots returns read-only snapshots of every worker
func (p *Pool) WorkerSnapshots() []WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.stats())
	}
	return out
}
