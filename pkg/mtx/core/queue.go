package core

import (
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// QueueNode is one entry's binding into a peer's ordered queue. It
// carries the logical timestamp the node is staged or committed at.
// A node is never present in more than one queue at a time.
//
// Queue methods assume the caller already holds the owning peer's
// lock (see spec.md section 5, "exactly one lock is held at a time");
// QueueNode and Queue are not safe for unsynchronized concurrent use.
type QueueNode struct {
	key   queueKey
	state nodeState
}

type nodeState int

const (
	nodeUnlinked nodeState = iota
	nodeStaged
	nodeCommitted
)

// IsLinked reports whether the node is still attached to its queue,
// i.e. has not been removed by a racing reset/destruction.
func (n *QueueNode) IsLinked() bool {
	return n.state != nodeUnlinked
}

// queueKey orders entries by dense timestamp, ties broken by peer
// identity as spec.md section 4.4 requires.
type queueKey struct {
	timestamp uint64
	tiebreak  types.UID
}

func compareQueueKeys(a, b interface{}) int {
	ka, kb := a.(queueKey), b.(queueKey)
	switch {
	case ka.timestamp < kb.timestamp:
		return -1
	case ka.timestamp > kb.timestamp:
		return 1
	case ka.tiebreak < kb.tiebreak:
		return -1
	case ka.tiebreak > kb.tiebreak:
		return 1
	default:
		return 0
	}
}

// Queue is the per-peer ordered queue collaborator: it owns a
// monotonic logical clock and the set of staged/committed entries.
// This is the reference in-process implementation of the collaborator
// spec.md describes only through its five primitives.
type Queue struct {
	owner types.UID
	clock uint64
	tree  *redblacktree.Tree
	nodes map[*QueueNode]queueKey
}

// NewQueue creates an empty queue for the given owning peer identity,
// used as the tiebreak on timestamp collisions.
func NewQueue(owner types.UID) *Queue {
	return &Queue{
		owner: owner,
		tree:  redblacktree.NewWith(compareQueueKeys),
		nodes: make(map[*QueueNode]queueKey),
	}
}

// Tick atomically advances the clock and returns the new value.
func (q *Queue) Tick() uint64 {
	q.clock++
	return q.clock
}

// Sync advances the clock to at least t and returns the resulting
// value.
func (q *Queue) Sync(t uint64) uint64 {
	if t > q.clock {
		q.clock = t
	}
	return q.clock
}

// Peek returns the timestamp of the earliest visible (staged or
// committed) entry, and whether one exists.
func (q *Queue) Peek() (uint64, bool) {
	if q.tree.Empty() {
		return 0, false
	}
	return q.tree.Left().Key.(queueKey).timestamp, true
}

// Stage inserts node at logical time t. It returns true iff the
// queue's earliest visible event advanced as a result — i.e. the
// receiver should be woken.
func (q *Queue) Stage(node *QueueNode, t uint64) bool {
	_, hadEarliest := q.Peek()
	key := queueKey{timestamp: t, tiebreak: q.owner}
	node.key = key
	node.state = nodeStaged
	q.tree.Put(key, node)
	q.nodes[node] = key
	earliest, _ := q.Peek()
	return !hadEarliest || earliest == t
}

// Commit promotes a staged node to committed at time t. If the node
// was unlinked in the meantime (a racing reset/removal), Commit is a
// no-op and the caller must treat the entry as dropped.
func (q *Queue) Commit(node *QueueNode, t uint64) {
	if node.state == nodeUnlinked {
		return
	}
	old, ok := q.nodes[node]
	if !ok {
		return
	}
	q.tree.Remove(old)
	key := queueKey{timestamp: t, tiebreak: q.owner}
	node.key = key
	node.state = nodeCommitted
	q.tree.Put(key, node)
	q.nodes[node] = key
}

// Remove detaches node if still present. Returns true iff something
// was detached (the caller should wake the receiver, since the
// earliest visible event may have changed).
func (q *Queue) Remove(node *QueueNode) bool {
	key, ok := q.nodes[node]
	if !ok {
		return false
	}
	q.tree.Remove(key)
	delete(q.nodes, node)
	node.state = nodeUnlinked
	return true
}

// Len reports how many entries (staged + committed) are currently
// linked to the queue. Used by leak-detection tests.
func (q *Queue) Len() int {
	return len(q.nodes)
}
