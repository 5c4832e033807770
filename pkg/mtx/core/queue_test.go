package core

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

func Test_Queue_TickMonotone(t *testing.T) {
	q := NewQueue(types.UID("p"))
	last := uint64(0)
	for i := 0; i < 10; i++ {
		ts := q.Tick()
		assert.Greater(t, ts, last)
		last = ts
	}
}

func Test_Queue_SyncNeverRewinds(t *testing.T) {
	q := NewQueue(types.UID("p"))
	q.Tick()
	q.Tick()
	before := q.Sync(1)
	assert.GreaterOrEqual(t, before, uint64(2))
}

func Test_Queue_StageOrdersByTimestampThenOwner(t *testing.T) {
	q := NewQueue(types.UID("p"))
	n1 := &QueueNode{}
	n2 := &QueueNode{}
	q.Stage(n1, 10)
	q.Stage(n2, 5)

	earliest, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, uint64(5), earliest)
}

func Test_Queue_StageReportsHeadAdvance(t *testing.T) {
	q := NewQueue(types.UID("p"))
	n1 := &QueueNode{}
	advanced := q.Stage(n1, 10)
	assert.True(t, advanced, "first entry always advances the head")

	n2 := &QueueNode{}
	advanced = q.Stage(n2, 20)
	assert.False(t, advanced, "a later entry must not advance the head")

	n3 := &QueueNode{}
	advanced = q.Stage(n3, 1)
	assert.True(t, advanced, "an earlier entry must advance the head")
}

func Test_Queue_CommitOnUnlinkedNodeIsNoop(t *testing.T) {
	q := NewQueue(types.UID("p"))
	n := &QueueNode{}
	q.Commit(n, 5) // never staged
	assert.False(t, n.IsLinked())
	assert.Equal(t, 0, q.Len())
}

func Test_Queue_RemoveDetachesStagedNode(t *testing.T) {
	q := NewQueue(types.UID("p"))
	n := &QueueNode{}
	q.Stage(n, 1)
	assert.True(t, n.IsLinked())

	removed := q.Remove(n)
	assert.True(t, removed)
	assert.False(t, n.IsLinked())
	assert.Equal(t, 0, q.Len())

	assert.False(t, q.Remove(n), "removing twice must be safe and report no-op")
}

func Test_Queue_CommitPromotesStagedNode(t *testing.T) {
	q := NewQueue(types.UID("p"))
	n := &QueueNode{}
	q.Stage(n, 1)
	q.Commit(n, 7)
	assert.True(t, n.IsLinked())
	ts, ok := q.Peek()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), ts)
}
