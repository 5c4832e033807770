package types

import "errors"

// Flags is the set of per-send options a sender may combine.
type Flags uint32

const (
	// FlagSilent suppresses the receiver wakeup a committed entry would
	// otherwise trigger. It never changes ordering.
	FlagSilent Flags = 1 << iota

	// FlagContinue converts a destination pool-quota failure during
	// instantiation into a silently dropped entry instead of aborting
	// the whole transaction. A destination that is shut down or not
	// registered still fails instantiation with ErrPeerShutdown.
	FlagContinue
)

func (f Flags) Has(bit Flags) bool {
	return f&bit != 0
}

// Size limits on one transaction, mirrored from spec.md section 6.
const (
	VecMax = 65535
	FdMax  = 65535
)

// InvalidHandleID is never a valid destination-local handle id.
const InvalidHandleID uint64 = 0

// CurrentProtocolVersion is the header version this engine stamps on
// every message it instantiates. A destination peer configured to
// require a different version drops the entry instead of enqueuing
// it (spec.md has no version-negotiation model; this mirrors the
// check-and-drop behavior of the pack's multicast peer).
const CurrentProtocolVersion uint32 = 1

// Credentials is the sender identity snapshot captured once at
// transaction construction and translated per destination at
// instantiation time.
type Credentials struct {
	UID uint32
	GID uint32
	PID uint32
	TID uint32
}

// Header is the receiver-visible prefix of a committed message.
type Header struct {
	Sender          Credentials
	DestinationID   uint64
	PayloadOffset   uint64
	PayloadLength   uint64
	ProtocolVersion uint32
}

// Params enumerates the per-send request as the caller assembles it.
// Vecs/Files/Handles reference sender-owned memory; none of it is
// copied until instantiation writes it into a destination pool slice.
type Params struct {
	Vecs        [][]byte
	Handles     []uint64
	Files       []FileCapability
	Destination []uint64
	Flags       Flags
}

// FileCapability is a reference-counted handle to a file-like resource
// passed alongside a message. Dup takes one more reference; Close drops
// one. The slice-pool and filesystem backing these are out of scope for
// this engine (see spec.md section 1) — callers supply capabilities
// that already implement these semantics.
type FileCapability interface {
	Dup() (FileCapability, error)
	Close() error
}

// Failure codes surfaced to callers, per spec.md section 6.
var (
	ErrNoMemory      = errors.New("mtxbus: no memory")
	ErrInvalidHandle = errors.New("mtxbus: invalid handle")
	ErrPeerShutdown  = errors.New("mtxbus: destination peer shut down")
	ErrQuotaExceeded = errors.New("mtxbus: destination pool quota exceeded")
	ErrUnreachable   = errors.New("mtxbus: raced destination node destruction")
	ErrFault         = errors.New("mtxbus: user-memory access failed")
	ErrTooManyVecs   = errors.New("mtxbus: vector count exceeds VecMax")
	ErrTooManyFds    = errors.New("mtxbus: fd count exceeds FdMax")
	ErrPayloadTooBig = errors.New("mtxbus: payload exceeds configured maximum")
)
