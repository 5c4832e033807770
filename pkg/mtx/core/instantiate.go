package core

import (
	"github.com/pkg/errors"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// instantiate builds a new per-destination message for the handle id
// resolved into dest's binding, allocating a pool slice, writing the
// payload, and instantiating handle slots. See spec.md section 4.3.
//
// A target-caused pool-quota failure under FlagContinue does not
// return an error: it yields a message with no slice, which commit's
// consume step turns into a silent drop and a dropped-counter
// increment (spec.md section 4.5, section 7).
func (t *Transaction) instantiate(handleID uint64, sink types.IDSink) (*message, error) {
	dest, err := t.sender.Handles().ResolveDest(handleID, sink)
	if err != nil {
		return nil, err
	}

	peer, err := t.registry.Lookup(dest.PeerID)
	if err != nil {
		dest.Destroy()
		return nil, errors.Wrap(types.ErrPeerShutdown, err.Error())
	}

	pin, err := peer.Pin()
	if err != nil {
		dest.Destroy()
		return nil, err
	}
	dest.pin = pin
	dest.peer = peer

	m := &message{
		dest:   dest,
		node:   &QueueNode{},
		silent: t.params.Flags.Has(types.FlagSilent),
	}

	if !peer.AcceptsVersion(types.CurrentProtocolVersion) {
		if t.log != nil {
			t.log.Warnf("peer %s not processing message on version %d", peer.ID(), types.CurrentProtocolVersion)
		}
		return m, nil
	}

	peer.Lock()
	slice, allocErr := peer.Pool().Allocate(t.lengthVecs)
	peer.Unlock()

	if allocErr != nil {
		if t.params.Flags.Has(types.FlagContinue) {
			// target-caused failure, demoted to a sliceless drop.
			return m, nil
		}
		dest.Destroy()
		return nil, allocErr
	}

	if _, err := peer.Pool().WriteVecs(slice, t.vecs); err != nil {
		peer.Lock()
		m.slice = slice
		m.deallocate(peer)
		peer.Unlock()
		dest.Destroy()
		return nil, err
	}

	inflight, err := peer.Handles().Instantiate(t.transfer, dest.PeerID)
	if err != nil {
		peer.Lock()
		m.slice = slice
		m.deallocate(peer)
		peer.Unlock()
		dest.Destroy()
		return nil, err
	}

	m.slice = slice
	m.inflt = inflight
	m.header = types.Header{
		Sender:          peer.TranslateCredentials(t.cred),
		DestinationID:   types.InvalidHandleID,
		PayloadOffset:   slice.Offset(),
		PayloadLength:   slice.Length(),
		ProtocolVersion: types.CurrentProtocolVersion,
	}

	m.files = make([]types.FileCapability, len(t.files))
	for i, f := range t.files {
		if f == nil {
			continue
		}
		dup, derr := f.Dup()
		if derr != nil {
			peer.Lock()
			m.deallocate(peer)
			peer.Unlock()
			dest.Destroy()
			return nil, errors.Wrapf(derr, "dup file %d for destination", i)
		}
		m.files[i] = dup
	}

	return m, nil
}

// InstantiateForID builds one destination entry addressed by
// handleID, staging it on the transaction's pending-entry list. No
// destination queue is touched until Commit. The assigned
// destination-local id is written to sink only once the entry is
// committed, never merely staged (spec.md section 3 invariants).
func InstantiateForID(t *Transaction, handleID uint64, sink types.IDSink) error {
	m, err := t.instantiate(handleID, sink)
	if err != nil {
		return err
	}
	m.next = t.entries
	t.entries = m
	return nil
}
