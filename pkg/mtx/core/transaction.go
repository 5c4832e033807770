package core

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/definition"
	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// DefaultMaxPayload bounds the summed length of one transaction's
// vectors, unless overridden with WithMaxPayload.
const DefaultMaxPayload = 4 << 20 // 4 MiB

// BufferPool backs the WithPreallocatedBuffer option: instead of
// letting every transaction be collected by the GC, a caller that
// issues many sends in a tight loop can recycle Transaction values
// through a sync.Pool. This is the managed-runtime replacement the
// design notes call for in place of bus1's caller-supplied stack
// buffer (spec.md section 4.1, section 9).
type BufferPool struct {
	pool *sync.Pool
}

// NewBufferPool creates a pool of reusable Transaction buffers.
func NewBufferPool() *BufferPool {
	return &BufferPool{pool: &sync.Pool{New: func() interface{} { return new(Transaction) }}}
}

func (b *BufferPool) get() *Transaction {
	t := b.pool.Get().(*Transaction)
	*t = Transaction{}
	return t
}

func (b *BufferPool) put(t *Transaction) {
	b.pool.Put(t)
}

// Transaction is the sender-side, single-threaded, syscall-frame-
// lifetime object that builds one multicast send. See spec.md
// section 3 for the full field-level contract.
type Transaction struct {
	sender   Peer
	registry *Registry
	cred     types.Credentials
	traceID  types.UID

	vecs       [][]byte
	lengthVecs uint64
	files      []types.FileCapability
	transfer   *HandleTransfer

	params types.Params

	entries *message

	log     types.Logger
	metrics *Metrics
	trace   *definition.Trace

	maxPayload uint64
	buffer     *BufferPool
}

// Option configures a Transaction at construction time.
type Option func(*Transaction)

// WithLogger overrides the default stdlib-backed logger.
func WithLogger(l types.Logger) Option {
	return func(t *Transaction) { t.log = l }
}

// WithMetrics attaches a Metrics collector; without it, no committed,
// dropped, faulted or latency figures are recorded.
func WithMetrics(m *Metrics) Option {
	return func(t *Transaction) { t.metrics = m }
}

// WithTrace attaches a trace recorder for test/demo observability.
func WithTrace(tr *definition.Trace) Option {
	return func(t *Transaction) { t.trace = tr }
}

// WithMaxPayload overrides DefaultMaxPayload.
func WithMaxPayload(n uint64) Option {
	return func(t *Transaction) { t.maxPayload = n }
}

// WithPreallocatedBuffer draws the Transaction itself from bp instead
// of a fresh heap allocation, and returns it to bp on Free. The caller
// must not retain a Transaction created this way past its Free call.
func WithPreallocatedBuffer(bp *BufferPool) Option {
	return func(t *Transaction) { t.buffer = bp }
}

// NewFromUser allocates a transaction for sender and imports params:
// vectors, then handles, then files, in that order (spec.md section
// 4.2). Any import error aborts construction and tears down whatever
// was imported so far.
func NewFromUser(sender Peer, registry *Registry, cred types.Credentials, params types.Params, opts ...Option) (*Transaction, error) {
	if len(params.Vecs) > types.VecMax {
		return nil, types.ErrTooManyVecs
	}
	if len(params.Files) > types.FdMax {
		return nil, types.ErrTooManyFds
	}

	var t *Transaction
	// opts may set WithPreallocatedBuffer; apply a first pass to find
	// it before allocating, since the buffer pool decides how t itself
	// is obtained.
	probe := &Transaction{}
	for _, opt := range opts {
		opt(probe)
	}
	if probe.buffer != nil {
		t = probe.buffer.get()
	} else {
		t = &Transaction{}
	}
	t.buffer = probe.buffer
	t.sender = sender
	t.registry = registry
	t.cred = cred
	t.traceID = types.GenerateUID()
	t.params = params
	t.log = probe.log
	t.metrics = probe.metrics
	t.trace = probe.trace
	t.maxPayload = probe.maxPayload
	if t.log == nil {
		t.log = definition.NewDefaultLogger()
	}
	if t.maxPayload == 0 {
		t.maxPayload = DefaultMaxPayload
	}

	if err := t.importVecs(params.Vecs); err != nil {
		t.destroy()
		return nil, err
	}
	if err := t.importHandles(params.Handles); err != nil {
		t.destroy()
		return nil, err
	}
	if err := t.importFiles(params.Files); err != nil {
		t.destroy()
		return nil, err
	}

	return t, nil
}

// importVecs validates each vector and sums their lengths, rejecting
// the transaction if the total exceeds maxPayload.
func (t *Transaction) importVecs(vecs [][]byte) error {
	var total uint64
	for _, v := range vecs {
		total += uint64(len(v))
		if total > t.maxPayload {
			return types.ErrPayloadTooBig
		}
	}
	t.vecs = vecs
	t.lengthVecs = total
	return nil
}

// importHandles copies the sender's handle id array into a transfer
// descriptor. Unknown ids are recorded, not rejected, by the handle
// table itself (spec.md section 4.2).
func (t *Transaction) importHandles(ids []uint64) error {
	transfer, err := t.sender.Handles().ImportTransfer(ids)
	if err != nil {
		return errors.Wrap(err, "import handle transfer")
	}
	t.transfer = transfer
	return nil
}

// importFiles acquires one reference per user-supplied file
// capability. On any failure, already-imported files are released by
// destroy().
func (t *Transaction) importFiles(files []types.FileCapability) error {
	t.files = make([]types.FileCapability, len(files))
	for i, f := range files {
		if f == nil {
			continue
		}
		dup, err := f.Dup()
		if err != nil {
			return errors.Wrapf(err, "import file %d", i)
		}
		t.files[i] = dup
	}
	return nil
}

// destroy walks the pending-entries list, rescinding any entry still
// attached to a destination queue, then releases sender-held file
// references and the handle-transfer descriptor. This is
// bus1_transaction_destroy: the rollback path, and also the
// successful-commit path's cleanup of whatever didn't make it onto a
// queue (commit empties transaction.entries itself, so destroy after
// a successful Commit has nothing left to rescind).
func (t *Transaction) destroy() {
	for t.entries != nil {
		m := t.entries
		t.entries = m.next
		dest := m.dest
		m.next = nil
		m.dest = nil

		if dest != nil {
			if peer := dest.peer; peer != nil {
				peer.Lock()
				if peer.Queue().Remove(m.node) {
					// a real peer would wake its receiver here; out
					// of scope for this engine (spec.md section 1).
				}
				m.deallocate(peer)
				peer.Unlock()
			}
			dest.Destroy()
		}
	}

	for i, f := range t.files {
		if f != nil {
			_ = f.Close()
			t.files[i] = nil
		}
	}

	if t.transfer != nil {
		t.sender.Handles().ReleaseTransfer(t.transfer)
		t.transfer = nil
	}
}

// Free tears a transaction down and always returns nil, so callers
// can write `txn = Free(txn)` as the original C API encourages.
// Passing nil is a no-op, and Free is idempotent: calling it twice on
// the same transaction does nothing the second time, since entries,
// files, and the transfer descriptor are all nilled out as they're
// released.
func Free(t *Transaction) *Transaction {
	if t == nil {
		return nil
	}
	t.destroy()
	if bp := t.buffer; bp != nil {
		t.buffer = nil
		bp.put(t)
	}
	return nil
}
