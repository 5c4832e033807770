package definition

import (
	"testing"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

func TestTrace_RecordAndDump(t *testing.T) {
	trace := NewTrace()
	for i := 0; i < 5; i++ {
		trace.Record(TraceEntry{
			Transaction: types.UID("t"),
			Peer:        types.UID("p"),
			Header:      types.Header{DestinationID: uint64(i)},
		})
	}

	if trace.Len() != 5 {
		t.Errorf("expected 5 entries, found %d", trace.Len())
	}

	entries := trace.Dump()
	if len(entries) != 5 {
		t.Errorf("expected 5 dumped entries, found %d", len(entries))
	}
	for i, e := range entries {
		if e.Header.DestinationID != uint64(i) {
			t.Errorf("expected destination id %d, found %d", i, e.Header.DestinationID)
		}
	}
}

func TestTrace_DumpIsDefensiveCopy(t *testing.T) {
	trace := NewTrace()
	trace.Record(TraceEntry{Transaction: types.UID("t")})

	entries := trace.Dump()
	entries[0].Transaction = types.UID("mutated")

	if trace.Dump()[0].Transaction != types.UID("t") {
		t.Errorf("mutating a dumped entry must not affect the trace's own state")
	}
}

func TestTrace_DumpJSON(t *testing.T) {
	trace := NewTrace()
	trace.Record(TraceEntry{Transaction: types.UID("t"), Dropped: true})

	data, err := trace.DumpJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(data) == 0 {
		t.Errorf("expected non-empty JSON output")
	}
}
