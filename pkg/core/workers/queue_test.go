package workers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/pkg/core/tasks"
)

func TestBandQueuePriorityOrder(t *testing.T) {
	q := newBandQueue()
	q.Push("b", tasks.PriorityMedium)
	q.Push("a", tasks.PriorityHigh)
	q.Push("c", tasks.PriorityLow)
	q.Push("d", tasks.PriorityCritical)

	var order []string
	for {
		id, ok := q.Pop()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"d", "a", "b", "c"}, order)
	assert.Zero(t, q.Len())
}

func TestBandQueueFIFOWithinBand(t *testing.T) {
	q := newBandQueue()
	q.Push("first", tasks.PriorityHigh)
	q.Push("second", tasks.PriorityHigh)
	q.Push("third", tasks.PriorityHigh)

	id, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "first", id)
	id, _ = q.Pop()
	assert.Equal(t, "second", id)
	id, _ = q.Pop()
	assert.Equal(t, "third", id)
}

func TestBandQueueRemove(t *testing.T) {
	q := newBandQueue()
	q.Push("a", tasks.PriorityMedium)
	q.Push("b", tasks.PriorityMedium)
	q.Push("c", tasks.PriorityHigh)

	assert.True(t, q.Remove("b"))
	assert.False(t, q.Remove("b"), "second remove of the same id")
	assert.False(t, q.Remove("missing"))
	assert.Equal(t, 2, q.Len())

	id, _ := q.Pop()
	assert.Equal(t, "c", id)
	id, _ = q.Pop()
	assert.Equal(t, "a", id)
}

func TestBandQueuePopEmpty(t *testing.T) {
	q := newBandQueue()
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestBandQueueOldestAge(t *testing.T) {
	q := newBandQueue()
	assert.Zero(t, q.OldestAge(time.Now()))

	q.Push("a", tasks.PriorityLow)
	age := q.OldestAge(time.Now().Add(time.Second))
	assert.GreaterOrEqual(t, age, time.Second)
}

func TestBandQueueDrain(t *testing.T) {
	q := newBandQueue()
	q.Push("a", tasks.PriorityLow)
	q.Push("b", tasks.PriorityCritical)

	ids := q.drain()
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.drain())
}
