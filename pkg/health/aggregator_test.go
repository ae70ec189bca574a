package health

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/pkg/core/tasks"
	"github.com/clipforge/clipforge/pkg/core/workers"
	"github.com/clipforge/clipforge/pkg/eventlog"
)

type fakePools struct {
	pools       []workers.PoolStats
	workerStats []workers.WorkerStats
}

func (f *fakePools) PoolSnapshots() []workers.PoolStats     { return f.pools }
func (f *fakePools) WorkerSnapshots() []workers.WorkerStats { return f.workerStats }

func seedTask(t *testing.T, reg *tasks.Registry) *tasks.Task {
	t.Helper()
	task, err := tasks.New(tasks.SubmitSpec{
		Type:     tasks.TypeAnalysis,
		Payload:  tasks.AnalysisPayload{SourcePath: "/in/sample.wav"},
		Priority: tasks.PriorityMedium,
	})
	require.NoError(t, err)
	reg.Insert(task)
	return task
}

func completeTask(t *testing.T, reg *tasks.Registry, id string) {
	t.Helper()
	_, err := reg.MarkDispatched(id, "w1")
	require.NoError(t, err)
	require.NoError(t, reg.MarkCompleted(id, tasks.AnalysisResult{}))
}

func failTask(t *testing.T, reg *tasks.Registry, id string) {
	t.Helper()
	_, err := reg.MarkDispatched(id, "w1")
	require.NoError(t, err)
	require.NoError(t, reg.MarkFailed(id, "boom", true))
}

func TestAggregatorEmptySystem(t *testing.T) {
	reg := tasks.NewRegistry(nil)
	agg := NewAggregator(reg, &fakePools{}, nil, Config{})

	s := agg.Stats()
	assert.Equal(t, float64(100), s.SuccessRate)
	assert.Zero(t, s.ErrorRate)
	assert.Equal(t, float64(100), s.WorkerHealth)
	assert.Equal(t, float64(100), s.PerformanceScore)
	assert.Equal(t, float64(100), s.OverallHealth)
	assert.Zero(t, s.ThroughputPerSec)
}

func TestAggregatorRates(t *testing.T) {
	reg := tasks.NewRegistry(nil)
	agg := NewAggregator(reg, &fakePools{}, nil, Config{Window: time.Minute})

	// 4 tasks: 2 completed, 1 failed, 1 pending.
	completeTask(t, reg, seedTask(t, reg).ID)
	completeTask(t, reg, seedTask(t, reg).ID)
	failTask(t, reg, seedTask(t, reg).ID)
	seedTask(t, reg)

	s := agg.Stats()
	assert.Equal(t, int64(4), s.Tasks.Total)
	assert.InDelta(t, 50.0, s.SuccessRate, 0.001)
	assert.InDelta(t, 25.0, s.ErrorRate, 0.001)

	// Both completions fall inside the one-minute window.
	assert.InDelta(t, 2.0/60.0, s.ThroughputPerSec, 0.001)
}

func TestAggregatorWorkerHealth(t *testing.T) {
	reg := tasks.NewRegistry(nil)
	pools := &fakePools{
		workerStats: []workers.WorkerStats{
			{ID: "w1", Status: workers.WorkerIdle},
			{ID: "w2", Status: workers.WorkerBusy},
			{ID: "w3", Status: workers.WorkerError},
			{ID: "w4", Status: workers.WorkerIdle},
		},
	}
	agg := NewAggregator(reg, pools, nil, Config{})

	s := agg.Stats()
	assert.InDelta(t, 75.0, s.WorkerHealth, 0.001)
}

func TestPerformanceScore(t *testing.T) {
	assert.Equal(t, float64(100), performanceScore(0, 30*time.Second))
	assert.Equal(t, float64(100), performanceScore(10*time.Second, 30*time.Second))
	assert.Equal(t, float64(100), performanceScore(30*time.Second, 30*time.Second))
	assert.InDelta(t, 50.0, performanceScore(60*time.Second, 30*time.Second), 0.001)
	assert.InDelta(t, 25.0, performanceScore(2*time.Minute, 30*time.Second), 0.001)
}

func TestAggregatorOverallHealth(t *testing.T) {
	reg := tasks.NewRegistry(nil)
	pools := &fakePools{
		workerStats: []workers.WorkerStats{{ID: "w1", Status: workers.WorkerIdle}},
	}
	agg := NewAggregator(reg, pools, nil, Config{})

	completeTask(t, reg, seedTask(t, reg).ID)
	failTask(t, reg, seedTask(t, reg).ID)

	s := agg.Stats()
	// success 50, workers 100, performance 100.
	assert.InDelta(t, (50.0+100+100)/3, s.OverallHealth, 0.001)
}

func TestAggregatorReportIncludesEventTail(t *testing.T) {
	reg := tasks.NewRegistry(nil)
	events := eventlog.NewLog(16)
	for i := 0; i < 5; i++ {
		events.Append(eventlog.Event{Kind: eventlog.TaskSubmitted})
	}
	pools := &fakePools{
		pools:       []workers.PoolStats{{ID: "video-pool", Type: tasks.TypeVideoProcessing}},
		workerStats: []workers.WorkerStats{{ID: "w1", Status: workers.WorkerIdle}},
	}
	agg := NewAggregator(reg, pools, events, Config{})

	r := agg.GenerateReport(3)
	assert.Len(t, r.Events, 3)
	assert.Len(t, r.Workers, 1)
	require.Len(t, r.Pools, 1)
	assert.Equal(t, "video-pool", r.Pools[0].ID)
}

func TestAggregatorExportJSON(t *testing.T) {
	reg := tasks.NewRegistry(nil)
	agg := NewAggregator(reg, &fakePools{}, eventlog.NewLog(8), Config{})
	completeTask(t, reg, seedTask(t, reg).ID)

	data, err := agg.ExportStats()
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "success_rate")
	assert.Contains(t, decoded, "tasks")

	report, err := agg.ExportReport(10)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(report, &decoded))
	assert.Contains(t, decoded, "workers")
	assert.Contains(t, decoded, "events")
}
