package core

import "github.com/mimir-ipc/mtxbus/pkg/mtx/types"

// message is the per-destination entry of spec.md section 3: created
// during instantiation, ownership transferred to the destination
// queue on successful commit, destroyed on rollback.
type message struct {
	dest    *HandleDest
	slice   *Slice
	files   []types.FileCapability
	inflt   *HandleInflight
	node    *QueueNode
	header  types.Header
	silent  bool // FlagSilent: logged and traced on commit, never on drop
	dropped bool // CONTINUE converted a target-caused failure into a drop

	next *message
}

// deallocate releases everything a message entry holds that isn't
// owned by the queue: its pool slice and destination-local file
// duplicates. Mirrors bus1_message_deallocate, called under the
// destination peer's lock.
func (m *message) deallocate(peer Peer) {
	if m.slice != nil {
		peer.Pool().Release(m.slice)
		m.slice = nil
	}
	if m.inflt != nil {
		peer.Handles().ReleaseInflight(m.inflt)
		m.inflt = nil
	}
	for _, f := range m.files {
		if f != nil {
			_ = f.Close()
		}
	}
	m.files = nil
}
