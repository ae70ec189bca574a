package workers

import (
	"time"

	"github.com/clipforge/clipforge/pkg/core/tasks"
)

type queuedTask struct {
	id         string
	enqueuedAt time.Time
}

// bandQueue orders pending task ids in strict priority bands
// (critical > high > medium > low) with FIFO order within a band.
// It is not safe for concurrent use; the owning pool's mutex guards it.
type bandQueue struct {
	bands [tasks.NumPriorities][]queuedTask
	size  int
}

func newBandQueue() *bandQueue {
	return &bandQueue{}
}

// Push appends a task id to the tail of its priority band
func (q *bandQueue) Push(id string, p tasks.Priority) {
	q.bands[p] = append(q.bands[p], queuedTask{id: id, enqueuedAt: time.Now()})
	q.size++
}

// Pop removes and returns the head task of the highest non-empty band
func (q *bandQueue) Pop() (string, bool) {
	for band := tasks.PriorityCritical; band >= tasks.PriorityLow; band-- {
		if len(q.bands[band]) == 0 {
			continue
		}
		head := q.bands[band][0]
		q.bands[band] = q.bands[band][1:]
		q.size--
		return head.id, true
	}
	return "", false
}

// Remove deletes a task id from whichever band holds it
func (q *bandQueue) Remove(id string) bool {
	for band := range q.bands {
		for i, qt := range q.bands[band] {
			if qt.id == id {
				q.bands[band] = append(q.bands[band][:i], q.bands[band][i+1:]...)
				q.size--
				return true
			}
		}
	}
	return false
}

// Len returns the number of queued task ids across all bands
func (q *bandQueue) Len() int {
	return q.size
}

// OldestAge returns the waiting time of the oldest queued task
func (q *bandQueue) OldestAge(now time.Time) time.Duration {
	var oldest time.Duration
	for band := range q.bands {
		if len(q.bands[band]) == 0 {
			continue
		}
		if age := now.Sub(q.bands[band][0].enqueuedAt); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// drain empties the queue and returns every queued id
func (q *bandQueue) drain() []string {
	var ids []string
	for band := range q.bands {
		for _, qt := range q.bands[band] {
			ids = append(ids, qt.id)
		}
		q.bands[band] = nil
	}
	q.size = 0
	return ids
}
