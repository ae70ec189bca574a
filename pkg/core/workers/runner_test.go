package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/pkg/core/tasks"
)

type recordedFinish struct {
	taskID string
	result tasks.TaskResult
	err    error
}

type recordingEvents struct {
	mu       sync.Mutex
	progress []int
	finished chan recordedFinish
	crashed  chan error
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		finished: make(chan recordedFinish, 4),
		crashed:  make(chan error, 4),
	}
}

func (r *recordingEvents) workerProgress(workerID, taskID string, progress int) {
	r.mu.Lock()
	r.progress = append(r.progress, progress)
	r.mu.Unlock()
}

func (r *recordingEvents) workerFinished(workerID, taskID string, result tasks.TaskResult, execErr error, elapsed time.Duration) {
	r.finished <- recordedFinish{taskID: taskID, result: result, err: execErr}
}

func (r *recordingEvents) workerCrashed(workerID, taskID string, cause error) {
	r.crashed <- cause
}

func waitFinish(t *testing.T, events *recordingEvents) recordedFinish {
	t.Helper()
	select {
	case f := <-events.finished:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("runner never reported a finish")
		return recordedFinish{}
	}
}

func TestRunnerExecutesAssignment(t *testing.T) {
	events := newRecordingEvents()
	exec := func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		report(25)
		report(75)
		return tasks.VideoResult{OutputPath: "/out/a.mp4"}, nil
	}
	r := newGoroutineRunner("w1", exec, events)
	defer r.Terminate()

	require.NoError(t, r.Submit(Assignment{TaskID: "t1", Payload: tasks.VideoPayload{SourcePath: "/a"}}))

	f := waitFinish(t, events)
	assert.Equal(t, "t1", f.taskID)
	require.NoError(t, f.err)
	assert.Equal(t, tasks.VideoResult{OutputPath: "/out/a.mp4"}, f.result)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, []int{25, 75}, events.progress)
}

func TestRunnerRejectsSecondAssignment(t *testing.T) {
	events := newRecordingEvents()
	gate := make(chan struct{})
	exec := func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		<-gate
		return tasks.VideoResult{}, nil
	}
	r := newGoroutineRunner("w1", exec, events)
	defer r.Terminate()

	require.NoError(t, r.Submit(Assignment{TaskID: "t1", Payload: tasks.VideoPayload{SourcePath: "/a"}}))

	// Wait until the first assignment is actually running so its channel
	// slot is free again, then fill it with a second assignment. A third
	// must bounce: one runner, at most one buffered assignment.
	waitRunning := func() {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if err := r.Submit(Assignment{TaskID: "t2", Payload: tasks.VideoPayload{SourcePath: "/b"}}); err == nil {
				return
			}
			time.Sleep(time.Millisecond)
		}
		t.Fatal("runner never started the first assignment")
	}
	waitRunning()

	err := r.Submit(Assignment{TaskID: "t3", Payload: tasks.VideoPayload{SourcePath: "/c"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has an assignment")

	close(gate)
	waitFinish(t, events)
	waitFinish(t, events)
}

func TestRunnerCancel(t *testing.T) {
	events := newRecordingEvents()
	started := make(chan struct{})
	exec := func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := newGoroutineRunner("w1", exec, events)
	defer r.Terminate()

	require.NoError(t, r.Submit(Assignment{TaskID: "t1", Payload: tasks.VideoPayload{SourcePath: "/a"}}))
	<-started
	r.Cancel("t1")

	f := waitFinish(t, events)
	assert.ErrorIs(t, f.err, context.Canceled)
}

func TestRunnerCancelIgnoresStaleTask(t *testing.T) {
	events := newRecordingEvents()
	started := make(chan struct{})
	exec := func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := newGoroutineRunner("w1", exec, events)
	defer r.Terminate()

	require.NoError(t, r.Submit(Assignment{TaskID: "t2", Payload: tasks.VideoPayload{SourcePath: "/a"}}))
	<-started

	// A cancel aimed at a task this runner is not executing must not
	// disturb the current assignment.
	r.Cancel("t1")
	select {
	case f := <-events.finished:
		t.Fatalf("stale cancel aborted the current assignment: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	r.Cancel("t2")
	f := waitFinish(t, events)
	assert.Equal(t, "t2", f.taskID)
	assert.ErrorIs(t, f.err, context.Canceled)
}

func TestRunnerTimeoutMapsToTimeoutError(t *testing.T) {
	events := newRecordingEvents()
	exec := func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := newGoroutineRunner("w1", exec, events)
	defer r.Terminate()

	require.NoError(t, r.Submit(Assignment{TaskID: "t1", Payload: tasks.VideoPayload{SourcePath: "/a"}, Timeout: 10 * time.Millisecond}))

	f := waitFinish(t, events)
	var terr *tasks.TaskTimeoutError
	require.ErrorAs(t, f.err, &terr)
	assert.Equal(t, "t1", terr.TaskID)
}

func TestRunnerTimeoutForcesFinishOnStuckExec(t *testing.T) {
	events := newRecordingEvents()
	wedge := make(chan struct{})
	var release sync.Once
	t.Cleanup(func() { release.Do(func() { close(wedge) }) })
	exec := func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		vp := p.(tasks.VideoPayload)
		if vp.SourcePath == "/wedged" {
			<-wedge // ignores ctx
			report(99)
			return tasks.VideoResult{OutputPath: "/late"}, nil
		}
		return tasks.VideoResult{OutputPath: vp.SourcePath}, nil
	}
	r := newGoroutineRunner("w1", exec, events)
	defer r.Terminate()

	require.NoError(t, r.Submit(Assignment{TaskID: "t1", Payload: tasks.VideoPayload{SourcePath: "/wedged"}, Timeout: 20 * time.Millisecond}))

	f := waitFinish(t, events)
	var terr *tasks.TaskTimeoutError
	require.ErrorAs(t, f.err, &terr)
	assert.Equal(t, "t1", terr.TaskID)
	assert.Nil(t, f.result)

	// The runner is free for the next assignment while the abandoned
	// execution is still blocked.
	require.NoError(t, r.Submit(Assignment{TaskID: "t2", Payload: tasks.VideoPayload{SourcePath: "/b"}}))
	f = waitFinish(t, events)
	assert.Equal(t, "t2", f.taskID)

	// Releasing the abandoned execution must not produce a late finish
	// for t1 or leak its progress.
	release.Do(func() { close(wedge) })
	select {
	case f := <-events.finished:
		t.Fatalf("abandoned execution reported a late finish: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
	events.mu.Lock()
	defer events.mu.Unlock()
	assert.NotContains(t, events.progress, 99)
}

func TestRunnerPanicReportsCrash(t *testing.T) {
	events := newRecordingEvents()
	exec := func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		panic("codec exploded")
	}
	r := newGoroutineRunner("w1", exec, events)

	require.NoError(t, r.Submit(Assignment{TaskID: "t1", Payload: tasks.VideoPayload{SourcePath: "/a"}}))

	select {
	case cause := <-events.crashed:
		assert.Contains(t, cause.Error(), "codec exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("runner never reported the crash")
	}
}

func TestRunnerSubmitAfterTerminate(t *testing.T) {
	events := newRecordingEvents()
	r := newGoroutineRunner("w1", func(ctx context.Context, p tasks.TaskPayload, report func(int)) (tasks.TaskResult, error) {
		return tasks.VideoResult{}, nil
	}, events)

	r.Terminate()
	r.Terminate() // idempotent

	err := r.Submit(Assignment{TaskID: "t1", Payload: tasks.VideoPayload{SourcePath: "/a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated")
}
