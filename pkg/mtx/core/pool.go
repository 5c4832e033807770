package core

import (
	"sync"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// Slice is a contiguous region of a destination peer's pool reserved
// for one message's payload.
type Slice struct {
	offset uint64
	length uint64
	buf    []byte
}

// Offset is the slice's position within the owning pool, as written
// into the receiver-visible Header.
func (s *Slice) Offset() uint64 { return s.offset }

// Length is the slice's payload length.
func (s *Slice) Length() uint64 { return s.length }

// Bytes exposes the slice's backing storage for tests and for the
// trace recorder; production receivers read payload through whatever
// pool-mapping mechanism backs a real deployment (out of scope here).
func (s *Slice) Bytes() []byte { return s.buf }

// Pool is the per-peer slice-pool collaborator: allocate/release
// destination-visible payload buffers, and write scatter-gather
// vectors into an allocated slice. The real pool (and the user-space
// copy primitives that would fault on bad sender memory) are out of
// scope for this engine (spec.md section 1); this is a reference
// in-process implementation used by the bundled Peer.
type Pool struct {
	mu       sync.Mutex
	capacity uint64
	used     uint64
}

// NewPool creates a pool with the given byte capacity charged against
// allocations. A capacity of 0 means unlimited (used by tests that
// don't care about quota exhaustion).
func NewPool(capacity uint64) *Pool {
	return &Pool{capacity: capacity}
}

// Allocate reserves a slice of length bytes, charged to the pool's
// quota. Returns ErrQuotaExceeded if the pool is full.
func (p *Pool) Allocate(length uint64) (*Slice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity != 0 && p.used+length > p.capacity {
		return nil, types.ErrQuotaExceeded
	}
	offset := p.used
	p.used += length
	return &Slice{offset: offset, length: length, buf: make([]byte, length)}, nil
}

// Release returns a slice's reservation to the pool.
func (p *Pool) Release(s *Slice) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used >= s.length {
		p.used -= s.length
	} else {
		p.used = 0
	}
}

// WriteVecs scatter-gather-copies vecs into slice starting at offset,
// returning the total bytes written.
func (p *Pool) WriteVecs(slice *Slice, vecs [][]byte) (uint64, error) {
	var n uint64
	for _, v := range vecs {
		if n+uint64(len(v)) > slice.length {
			return n, types.ErrFault
		}
		copy(slice.buf[n:], v)
		n += uint64(len(v))
	}
	return n, nil
}

// Used reports the pool's current charged usage, for tests.
func (p *Pool) Used() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}
