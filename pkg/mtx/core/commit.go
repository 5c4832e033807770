package core

import (
	"time"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/definition"
	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// testHookAfterStage, when non-nil, runs once after Commit's staging
// pass completes and before its side-channel sync and commit passes
// begin. It exists only so whitebox tests can inject a destination
// node being torn down by a concurrent reset between stage and
// commit; production code never sets it.
var testHookAfterStage func()

func traceEntryFor(t *Transaction, peer Peer, m *message, dropped bool) definition.TraceEntry {
	var payload []byte
	if m.slice != nil {
		payload = append([]byte(nil), m.slice.Bytes()...)
	}
	return definition.TraceEntry{
		Transaction: t.traceID,
		Peer:        peer.ID(),
		Header:      m.header,
		Dropped:     dropped,
		// a dropped entry never wakes its destination regardless of
		// FlagSilent, so the flag only has an observable effect on
		// entries that actually commit.
		Silent:  m.silent && !dropped,
		Payload: payload,
	}
}

// Commit runs the two-phase protocol over every pending entry
// instantiated since construction (spec.md section 4.5):
//
//  1. tick the sender's clock to obtain a starting timestamp.
//  2. staging pass: sync and tick every destination clock, then stage
//     each entry at timestamp-1, so it blocks competing orderings at
//     or above the eventual commit timestamp.
//  3. side-channel sync pass: sync every destination clock to the
//     final commit timestamp, so a side-channel message triggered by
//     this one can't be observed with a lower timestamp.
//  4. commit pass: export/install handle ids, write them back, and
//     promote every entry to committed at the commit timestamp.
//
// Returns ErrFault if any id write-back faulted; per-destination
// drops (CONTINUE, or a race with destination-node destruction) are
// always silent and never cause Commit itself to return an error.
func Commit(t *Transaction) error {
	if t.entries == nil {
		return nil
	}

	start := time.Now()
	if t.metrics != nil {
		defer func() { t.metrics.Latency.Observe(time.Since(start).Seconds()) }()
	}

	list := t.entries
	t.entries = nil

	t.sender.Lock()
	timestamp := t.sender.Queue().Tick()
	t.sender.Unlock()

	// staging pass. Every entry already carries its resolved,
	// pinned destination peer directly (dest.peer), set once at
	// instantiate time, so no second registry lookup is needed here.
	for m := list; m != nil; m = m.next {
		peer := m.dest.peer
		peer.Lock()
		timestamp = peer.Queue().Sync(timestamp)
		timestamp = peer.Queue().Tick()
		peer.Queue().Stage(m.node, timestamp-1)
		peer.Unlock()
	}

	if testHookAfterStage != nil {
		testHookAfterStage()
	}

	// side-channel sync pass
	for m := list; m != nil; m = m.next {
		peer := m.dest.peer
		peer.Lock()
		peer.Queue().Sync(timestamp)
		peer.Unlock()
	}

	// commit pass
	var faulted bool
	for m := list; m != nil; {
		next := m.next
		m.next = nil
		dest := m.dest
		m.dest = nil

		if consumeFaulted(t, dest.peer, m, dest, timestamp) {
			faulted = true
		}
		m = next
	}

	if t.metrics != nil && faulted {
		t.metrics.Faulted.Inc()
	}
	if faulted {
		if t.log != nil {
			t.log.Warnf("transaction %s: id write-back faulted", t.traceID)
		}
		return types.ErrFault
	}
	return nil
}

// consumeFaulted runs the commit-pass body for one entry and reports
// whether its id write-back faulted. It always takes ownership of
// dest (destroying it before returning) and of m's destination peer
// pin (carried by dest).
func consumeFaulted(t *Transaction, peer Peer, m *message, dest *HandleDest, timestamp uint64) bool {
	defer dest.Destroy()

	faulted := false
	id := types.InvalidHandleID

	peer.Lock()
	switch {
	case m.slice == nil:
		if err := dest.sink.Write(id); err != nil {
			faulted = true
		}
		peer.IncDropped()
		if t.metrics != nil {
			t.metrics.Dropped.Inc()
		}
		if t.log != nil {
			t.log.Debugf("transaction %s: dropped sliceless entry at peer %s (CONTINUE quota drop or version mismatch)", t.traceID, peer.ID())
		}
	case m.node.IsLinked():
		id = peer.Handles().ExportDest(dest)
		m.header.DestinationID = id
		if m.inflt != nil {
			peer.Handles().Install(m.inflt)
		}
		if err := dest.sink.Write(id); err != nil {
			faulted = true
		}
	}

	if id != types.InvalidHandleID {
		peer.Queue().Commit(m.node, timestamp)
		if t.metrics != nil {
			t.metrics.Committed.Inc()
		}
		if m.silent && t.log != nil {
			t.log.Debugf("transaction %s: committed silent entry at peer %s, wake suppressed", t.traceID, peer.ID())
		}
		if t.trace != nil {
			t.trace.Record(traceEntryFor(t, peer, m, false))
		}
	} else {
		hadSlice := m.slice != nil
		peer.Queue().Remove(m.node)
		m.deallocate(peer)
		if t.metrics != nil && hadSlice {
			t.metrics.Dropped.Inc()
		}
		if t.trace != nil {
			t.trace.Record(traceEntryFor(t, peer, m, true))
		}
	}
	peer.Unlock()

	return faulted
}

// CommitForID is the unicast fast path: instantiate and commit in one
// call, acquiring both clock ticks inline without a second pass
// (spec.md section 4.5, "fast path").
func CommitForID(t *Transaction, handleID uint64, sink types.IDSink) error {
	m, err := t.instantiate(handleID, sink)
	if err != nil {
		return err
	}

	start := time.Now()
	if t.metrics != nil {
		defer func() { t.metrics.Latency.Observe(time.Since(start).Seconds()) }()
	}

	peer := m.dest.peer

	t.sender.Lock()
	timestamp := t.sender.Queue().Tick()
	t.sender.Unlock()

	peer.Lock()
	timestamp = peer.Queue().Sync(timestamp)
	timestamp = peer.Queue().Tick()
	peer.Queue().Stage(m.node, timestamp-1)
	peer.Unlock()

	dest := m.dest
	m.dest = nil
	if consumeFaulted(t, peer, m, dest, timestamp) {
		if t.metrics != nil {
			t.metrics.Faulted.Inc()
		}
		if t.log != nil {
			t.log.Warnf("transaction %s: id write-back faulted", t.traceID)
		}
		return types.ErrFault
	}
	return nil
}
