package eventlog

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendAssignsSequence(t *testing.T) {
	log := NewLog(8)
	log.Append(Event{Kind: TaskSubmitted, TaskID: "a"})
	log.Append(Event{Kind: TaskDispatched, TaskID: "a"})

	events := log.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.False(t, events[0].Time.IsZero())
	assert.Equal(t, uint64(2), log.Seq())
}

func TestLogRingOverwritesOldest(t *testing.T) {
	log := NewLog(4)
	for i := 0; i < 10; i++ {
		log.Append(Event{Kind: TaskCompleted, TaskID: fmt.Sprintf("t%d", i)})
	}

	assert.Equal(t, 4, log.Len())
	assert.Equal(t, uint64(10), log.Seq(), "sequence keeps counting past capacity")

	events := log.Snapshot()
	require.Len(t, events, 4)
	// Newest 4 survive, oldest first.
	assert.Equal(t, "t6", events[0].TaskID)
	assert.Equal(t, "t9", events[3].TaskID)
	assert.Equal(t, uint64(7), events[0].Seq)
	assert.Equal(t, uint64(10), events[3].Seq)
}

func TestLogTail(t *testing.T) {
	log := NewLog(8)
	for i := 0; i < 5; i++ {
		log.Append(Event{Kind: TaskFailed, TaskID: fmt.Sprintf("t%d", i)})
	}

	tail := log.Tail(2)
	require.Len(t, tail, 2)
	assert.Equal(t, "t3", tail[0].TaskID)
	assert.Equal(t, "t4", tail[1].TaskID)

	assert.Len(t, log.Tail(100), 5)
}

func TestLogDefaultCapacity(t *testing.T) {
	log := NewLog(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		log.Append(Event{Kind: WorkerSpawned})
	}
	assert.Equal(t, DefaultCapacity, log.Len())
}

func TestLogConcurrentAppend(t *testing.T) {
	log := NewLog(128)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				log.Append(Event{Kind: TaskSubmitted})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(800), log.Seq())
	assert.Equal(t, 128, log.Len())

	// Retained sequence numbers are strictly increasing.
	events := log.Snapshot()
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}
