// Package health derives throughput, error-rate and health signals from
// registry and pool snapshots. The aggregator is a pure read model: it
// recomputes on demand and never mutates task or worker state.
package health

import (
	"encoding/json"
	"time"

	"github.com/clipforge/clipforge/pkg/core/tasks"
	"github.com/clipforge/clipforge/pkg/core/workers"
	"github.com/clipforge/clipforge/pkg/eventlog"
)

// PoolLister exposes read-only pool and worker snapshots
type PoolLister interface {
	PoolSnapshots() []workers.PoolStats
	WorkerSnapshots() []workers.WorkerStats
}

// Config holds aggregator tuning
type Config struct {
	// Window is the trailing window for throughput computation.
	Window time.Duration

	// TargetTaskDuration is the processing time a healthy task is
	// expected to stay under; it anchors the performance score.
	TargetTaskDuration time.Duration
}

func (c *Config) fillDefaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.TargetTaskDuration <= 0 {
		c.TargetTaskDuration = 30 * time.Second
	}
}

// Aggregator computes derived health and performance signals
type Aggregator struct {
	registry *tasks.Registry
	pools    PoolLister
	events   *eventlog.Log
	cfg      Config
}

// NewAggregator creates an aggregator over the given read sources
func NewAggregator(registry *tasks.Registry, pools PoolLister, events *eventlog.Log, cfg Config) *Aggregator {
	cfg.fillDefaults()
	return &Aggregator{registry: registry, pools: pools, events: events, cfg: cfg}
}

// Stats is a serializable point-in-time snapshot of system health
type Stats struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Tasks       tasks.StatusCounts `json:"tasks"`

	// Rates are percentages in [0,100]
	SuccessRate float64 `json:"success_rate"`
	ErrorRate   float64 `json:"error_rate"`

	ThroughputPerSec float64 `json:"throughput_per_sec"`
	AvgProcessingMs  int64   `json:"avg_processing_ms"`

	WorkerHealth     float64 `json:"worker_health"`
	PerformanceScore float64 `json:"performance_score"`
	OverallHealth    float64 `json:"overall_health"`

	Pools []workers.PoolStats `json:"pools"`
}

// Report extends Stats with worker detail and the event-log tail for
// diagnostics export
type Report struct {
	Stats
	Workers []workers.WorkerStats `json:"workers"`
	Events  []eventlog.Event      `json:"events"`
}

// Stats computes a fresh snapshot
func (a *Aggregator) Stats() Stats {
	now := time.Now()
	counts := a.registry.Counts()
	snapshot := a.registry.Snapshot()

	s := Stats{
		GeneratedAt: now,
		Tasks:       counts,
		Pools:       a.pools.PoolSnapshots(),
	}

	if counts.Total == 0 {
		s.SuccessRate = 100
		s.ErrorRate = 0
	} else {
		s.SuccessRate = 100 * float64(counts.Completed) / float64(counts.Total)
		s.ErrorRate = 100 * float64(counts.Failed) / float64(counts.Total)
	}

	// Trailing-window throughput and mean processing time over the
	// completions that fall inside the window.
	cutoff := now.Add(-a.cfg.Window)
	recent := 0
	var totalProcessing time.Duration
	for _, t := range snapshot {
		if t.Status != tasks.StatusCompleted || t.EndTime == nil {
			continue
		}
		if t.EndTime.Before(cutoff) {
			continue
		}
		recent++
		if t.StartTime != nil {
			totalProcessing += t.EndTime.Sub(*t.StartTime)
		}
	}
	s.ThroughputPerSec = float64(recent) / a.cfg.Window.Seconds()

	var meanProcessing time.Duration
	if recent > 0 {
		meanProcessing = totalProcessing / time.Duration(recent)
	}
	s.AvgProcessingMs = meanProcessing.Milliseconds()

	s.WorkerHealth = workerHealth(a.pools.WorkerSnapshots())
	s.PerformanceScore = performanceScore(meanProcessing, a.cfg.TargetTaskDuration)
	s.OverallHealth = (s.SuccessRate + s.WorkerHealth + s.PerformanceScore) / 3
	return s
}

// workerHealth is the share of workers not in an error state, as a
// percentage. An empty system is considered healthy.
func workerHealth(workerStats []workers.WorkerStats) float64 {
	if len(workerStats) == 0 {
		return 100
	}
	healthy := 0
	for _, w := range workerStats {
		if w.Status != workers.WorkerError && w.Status != workers.WorkerTerminated {
			healthy++
		}
	}
	return 100 * float64(healthy) / float64(len(workerStats))
}

// performanceScore compares mean processing time against the target:
// at or under target scores 100, degrading proportionally beyond it.
func performanceScore(mean, target time.Duration) float64 {
	if mean <= 0 || mean <= target {
		return 100
	}
	score := 100 * float64(target) / float64(mean)
	if score < 0 {
		score = 0
	}
	return score
}

// ExportStats serializes a stats snapshot to JSON for telemetry
func (a *Aggregator) ExportStats() ([]byte, error) {
	return json.MarshalIndent(a.Stats(), "", "  ")
}

// GenerateReport builds a full diagnostic report including per-worker
// detail and the newest event-log entries
func (a *Aggregator) GenerateReport(eventTail int) Report {
	r := Report{
		Stats:   a.Stats(),
		Workers: a.pools.WorkerSnapshots(),
	}
	if a.events != nil {
		r.Events = a.events.Tail(eventTail)
	}
	return r
}

// ExportReport serializes a diagnostic report to JSON
func (a *Aggregator) ExportReport(eventTail int) ([]byte, error) {
	return json.MarshalIndent(a.GenerateReport(eventTail), "", "  ")
}
