package core

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// Node is the shared object a handle refers to. It has a per-peer
// local id, assigned the first time a transaction exports or installs
// it at that peer.
type Node struct {
	id types.UID

	mu        sync.Mutex
	localIDs  map[types.UID]uint64
	nextLocal uint64
}

func newNode() *Node {
	return &Node{id: types.GenerateUID(), localIDs: make(map[types.UID]uint64)}
}

func (n *Node) localID(peer types.UID) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id, ok := n.localIDs[peer]; ok {
		return id
	}
	n.nextLocal++
	id := n.nextLocal
	n.localIDs[peer] = id
	return id
}

// HandleDest is the transient binding resolved from a user-provided
// handle id: the target peer and the sink to write the resulting
// destination-local id back to. See spec.md section 3.
type HandleDest struct {
	PeerID types.UID
	peer   Peer
	node   *Node
	sink   types.IDSink
	pin    ActivePin
}

// Destroy releases the pin carried by dest. Safe to call more than
// once and on a zero-value dest.
func (d *HandleDest) Destroy() {
	if d.pin != nil {
		d.pin.Release()
		d.pin = nil
	}
}

// HandleTransfer is the opaque batch of handle ids the sender attaches
// to a message, pre-recorded at construction time (spec.md section 3).
type HandleTransfer struct {
	ids    []uint64
	nodes  []*Node // parallel to ids; nil entry means unresolved
	unique int
}

// HandleInflight is a per-destination instantiation of a
// HandleTransfer: the set of handle slots a single message entry
// carries, not yet assigned destination-local ids.
type HandleInflight struct {
	dest  types.UID
	nodes []*Node
}

// HandleTable is the handle-table collaborator: translate sender-local
// handle ids into destination-local ones, reference-count nodes. Full
// cross-peer capability routing is out of scope for this engine
// (spec.md section 1); this in-process reference implementation
// captures only what the transaction engine depends on.
type boundHandle struct {
	node  *Node
	owner types.UID
}

type HandleTable struct {
	mu    sync.Mutex
	owned map[uint64]boundHandle // sender-local id -> (node, owning peer)
}

// NewHandleTable creates an empty handle table for one peer.
func NewHandleTable() *HandleTable {
	return &HandleTable{owned: make(map[uint64]boundHandle)}
}

// Bind registers a sender-local handle id as addressing owner,
// creating a fresh node the first time this id is seen. Tests and
// demos call this to set up addressable peers before issuing sends;
// a real handle table would populate these bindings by receiving
// handles from other peers rather than by direct registration.
func (h *HandleTable) Bind(handleID uint64, owner types.UID) *Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.owned[handleID]; ok {
		return b.node
	}
	n := newNode()
	h.owned[handleID] = boundHandle{node: n, owner: owner}
	return n
}

// ResolveDest resolves a sender-local handle id against this table,
// returning the node it refers to and the peer that owns it. Callers
// pin the returned peer themselves via the registry.
func (h *HandleTable) ResolveDest(handleID uint64, sink types.IDSink) (*HandleDest, error) {
	h.mu.Lock()
	b, ok := h.owned[handleID]
	h.mu.Unlock()
	if !ok {
		return nil, types.ErrInvalidHandle
	}
	return &HandleDest{PeerID: b.owner, node: b.node, sink: sink}, nil
}

// ExportDest assigns (or reuses) the destination-local id for the node
// addressed by dest, at the given destination peer.
func (h *HandleTable) ExportDest(dest *HandleDest) uint64 {
	if dest == nil || dest.node == nil {
		return types.InvalidHandleID
	}
	return dest.node.localID(dest.PeerID)
}

// ImportTransfer copies ids into a transfer descriptor. Unknown ids
// (not present in this table) are recorded as unresolved rather than
// rejected, per spec.md section 4.2.
func (h *HandleTable) ImportTransfer(ids []uint64) (*HandleTransfer, error) {
	if len(ids) > types.VecMax {
		return nil, types.ErrTooManyFds
	}
	t := &HandleTransfer{ids: append([]uint64(nil), ids...), nodes: make([]*Node, len(ids))}
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := mapset.NewThreadUnsafeSet[uint64]()
	for i, id := range ids {
		seen.Add(id)
		if b, ok := h.owned[id]; ok {
			t.nodes[i] = b.node
		}
	}
	t.unique = seen.Cardinality()
	return t, nil
}

// UniqueCount reports how many distinct handle ids this transfer
// carries, used to size per-destination metrics.
func (t *HandleTransfer) UniqueCount() int {
	return t.unique
}

// Instantiate builds the per-destination handle slots for transfer at
// dest. This never fails in the reference implementation; a real
// handle table may fail with ErrNoMemory if it cannot allocate slots.
func (h *HandleTable) Instantiate(transfer *HandleTransfer, dest types.UID) (*HandleInflight, error) {
	inflight := &HandleInflight{dest: dest, nodes: append([]*Node(nil), transfer.nodes...)}
	return inflight, nil
}

// Install finalizes destination-local ids for every transferred
// handle slot, assigning a fresh id the first time a node is seen at
// this destination.
func (h *HandleTable) Install(inflight *HandleInflight) []uint64 {
	ids := make([]uint64, len(inflight.nodes))
	for i, n := range inflight.nodes {
		if n == nil {
			ids[i] = types.InvalidHandleID
			continue
		}
		ids[i] = n.localID(inflight.dest)
	}
	return ids
}

// ReleaseTransfer drops a transfer descriptor. The reference
// implementation holds no additional references beyond the node map
// itself, so this is a no-op kept for interface symmetry with the
// real handle table's inflight refcounts.
func (h *HandleTable) ReleaseTransfer(*HandleTransfer) {}

// ReleaseInflight drops instantiated-but-uncommitted handle slots.
func (h *HandleTable) ReleaseInflight(*HandleInflight) {}
