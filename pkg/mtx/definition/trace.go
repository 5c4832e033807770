package definition

import (
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

var traceJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// TraceEntry is one committed or dropped delivery, recorded for test
// and demo observability. This is explicitly not a persistence layer —
// spec.md section 1 excludes persistence as a feature; TraceEntry
// never survives past the process that recorded it.
type TraceEntry struct {
	Transaction types.UID
	Peer        types.UID
	Header      types.Header
	Dropped     bool
	Silent      bool
	Payload     []byte
}

// Trace is an in-memory, append-only recorder, shared across peers
// (each entry names its Peer), the role
// teacher's types.Storage + state_machine.go played for the replicated
// log, narrowed here to observability rather than replication.
type Trace struct {
	mu      sync.Mutex
	entries []TraceEntry
}

// NewTrace creates an empty trace recorder.
func NewTrace() *Trace {
	return &Trace{}
}

// Record appends one entry.
func (t *Trace) Record(e TraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
}

// Dump returns a defensive copy of every entry recorded so far.
func (t *Trace) Dump() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TraceEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// DumpJSON renders the trace as JSON, using json-iterator for parity
// with the teacher's encoding/json usage in its wire marshalling.
func (t *Trace) DumpJSON() ([]byte, error) {
	return traceJSON.Marshal(t.Dump())
}

// Len reports how many entries have been recorded.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
