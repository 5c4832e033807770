package core

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// ActivePin is the affine handle object spec.md's design notes call
// for: an object whose release drops exactly one pin on the peer it
// was acquired from, idempotent after the first Release.
type ActivePin interface {
	Release()
}

type pinToken struct {
	once sync.Once
	peer *LocalPeer
}

func (p *pinToken) Release() {
	p.once.Do(func() {
		atomic.AddInt64(&p.peer.pins, -1)
	})
}

// Namespace translates a sender's credentials into a destination
// peer's uid/gid/pid/tid namespace. Unmappable ids render as the
// configured overflow id (spec.md section 9, "supplemented features").
type Namespace struct {
	OverflowUID uint32
	OverflowGID uint32
	mapUID      map[uint32]uint32
	mapGID      map[uint32]uint32
	mapPID      map[uint32]uint32
}

// NewNamespace creates an identity namespace: every credential maps to
// itself, nothing renders as overflow. Peers that need namespace
// remapping populate mapUID/mapGID/mapPID via MapUID/MapGID/MapPID.
func NewNamespace() *Namespace {
	return &Namespace{
		OverflowUID: ^uint32(0),
		OverflowGID: ^uint32(0),
		mapUID:      make(map[uint32]uint32),
		mapGID:      make(map[uint32]uint32),
		mapPID:      make(map[uint32]uint32),
	}
}

func (n *Namespace) MapUID(from, to uint32) { n.mapUID[from] = to }
func (n *Namespace) MapGID(from, to uint32) { n.mapGID[from] = to }
func (n *Namespace) MapPID(from, to uint32) { n.mapPID[from] = to }

// Translate maps cred into this namespace, substituting the overflow
// id for any component with no explicit mapping and no identity
// mapping requested.
func (n *Namespace) Translate(cred types.Credentials) types.Credentials {
	translate := func(table map[uint32]uint32, overflow, v uint32) uint32 {
		if mapped, ok := table[v]; ok {
			return mapped
		}
		if len(table) == 0 {
			// no remapping configured for this namespace: identity.
			return v
		}
		return overflow
	}
	return types.Credentials{
		UID: translate(n.mapUID, n.OverflowUID, cred.UID),
		GID: translate(n.mapGID, n.OverflowGID, cred.GID),
		PID: translate(n.mapPID, n.OverflowUID, cred.PID),
		TID: translate(n.mapPID, n.OverflowUID, cred.TID),
	}
}

// Peer is the per-endpoint collaborator the transaction engine
// targets: a private handle table, message queue, and pool, plus the
// active-pin and credential-namespace machinery spec.md section 3 and
// 4.3 require. The peer registry, full handle-sharing semantics, and
// real pool-backed storage are out of scope for this engine (spec.md
// section 1); LocalPeer is the reference in-process implementation
// used by the bundled tests and demo.
type Peer interface {
	ID() types.UID
	Pin() (ActivePin, error)
	Lock()
	Unlock()
	Queue() *Queue
	Pool() *Pool
	Handles() *HandleTable
	TranslateCredentials(types.Credentials) types.Credentials
	AcceptsVersion(uint32) bool
	IncDropped() uint64
	Dropped() uint64
	Shutdown()
}

// LocalPeer is the reference Peer implementation: an in-process
// endpoint with its own lock, queue, pool, and handle table.
type LocalPeer struct {
	id        types.UID
	namespace *Namespace
	queue     *Queue
	pool      *Pool
	handles   *HandleTable
	version   uint32

	mu sync.Mutex

	pins       int64
	shutdown   int32
	dropped    uint64
	droppedVec prometheus.Counter
}

// NewLocalPeer creates a peer with the given pool capacity (0 = no
// quota) and identity namespace.
func NewLocalPeer(name string, poolCapacity uint64, ns *Namespace) *LocalPeer {
	if ns == nil {
		ns = NewNamespace()
	}
	id := types.UID(name)
	return &LocalPeer{
		id:        id,
		namespace: ns,
		queue:     NewQueue(id),
		pool:      NewPool(poolCapacity),
		handles:   NewHandleTable(),
		version:   types.CurrentProtocolVersion,
	}
}

// SetProtocolVersion overrides the header version this peer accepts;
// instantiate drops entries stamped with any other version. Tests use
// this to exercise a deliberate version mismatch.
func (p *LocalPeer) SetProtocolVersion(v uint32) {
	p.version = v
}

// AcceptsVersion reports whether v matches this peer's configured
// protocol version.
func (p *LocalPeer) AcceptsVersion(v uint32) bool {
	return p.version == v
}

func (p *LocalPeer) ID() types.UID { return p.id }

// Pin pins the peer active while the pin is held. Fails with
// ErrPeerShutdown once the peer has begun shutting down.
func (p *LocalPeer) Pin() (ActivePin, error) {
	if atomic.LoadInt32(&p.shutdown) != 0 {
		return nil, types.ErrPeerShutdown
	}
	atomic.AddInt64(&p.pins, 1)
	if atomic.LoadInt32(&p.shutdown) != 0 {
		// raced a concurrent Shutdown; undo and fail.
		atomic.AddInt64(&p.pins, -1)
		return nil, types.ErrPeerShutdown
	}
	return &pinToken{peer: p}, nil
}

func (p *LocalPeer) Lock()   { p.mu.Lock() }
func (p *LocalPeer) Unlock() { p.mu.Unlock() }

func (p *LocalPeer) Queue() *Queue            { return p.queue }
func (p *LocalPeer) Pool() *Pool              { return p.pool }
func (p *LocalPeer) Handles() *HandleTable    { return p.handles }

func (p *LocalPeer) TranslateCredentials(c types.Credentials) types.Credentials {
	return p.namespace.Translate(c)
}

func (p *LocalPeer) IncDropped() uint64 {
	v := atomic.AddUint64(&p.dropped, 1)
	if p.droppedVec != nil {
		p.droppedVec.Inc()
	}
	return v
}

func (p *LocalPeer) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Shutdown marks the peer unpinnable from now on. Existing pins are
// unaffected; the caller is responsible for waiting them out before
// tearing the peer itself down (PinCount, below).
func (p *LocalPeer) Shutdown() {
	atomic.StoreInt32(&p.shutdown, 1)
}

// PinCount reports the number of outstanding pins, for leak tests.
func (p *LocalPeer) PinCount() int64 {
	return atomic.LoadInt64(&p.pins)
}

// Registry locates a peer by id and keeps it alive while referenced —
// the peer-registry collaborator of spec.md section 1. Out of scope
// beyond this contract; Registry is the reference in-process
// implementation.
type Registry struct {
	mu    sync.RWMutex
	peers map[types.UID]Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[types.UID]Peer)}
}

// Add registers a peer, making it resolvable by id.
func (r *Registry) Add(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID()] = p
}

// Remove unregisters a peer by id.
func (r *Registry) Remove(id types.UID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
}

// Lookup resolves a peer by id.
func (r *Registry) Lookup(id types.UID) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	if !ok {
		return nil, errors.Wrapf(types.ErrPeerShutdown, "peer %s not registered", id)
	}
	return p, nil
}
