// Package fuzzy exercises the committed properties of the transaction
// engine end to end, against small in-process clusters built by the
// test package.
package fuzzy

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/core"
	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
	"github.com/mimir-ipc/mtxbus/test"
)

func send(t *testing.T, c *test.Cluster, payload []byte, handles []uint64, flags types.Flags) ([]uint64, error) {
	t.Helper()
	txn, err := core.NewFromUser(c.Sender, c.Registry, test.Credentials(), types.Params{
		Vecs:  [][]byte{payload},
		Flags: flags,
	})
	require.NoError(t, err)
	defer core.Free(txn)

	ids := make([]uint64, len(handles))
	for i, h := range handles {
		if err := core.InstantiateForID(txn, h, types.PtrSink{Ptr: &ids[i]}); err != nil {
			return ids, err
		}
	}
	return ids, core.Commit(txn)
}

// Test_UnicastHappyPath covers spec scenario 1: a single destination
// commits the payload and writes back its destination-local id.
func Test_UnicastHappyPath(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := test.NewCluster(1, 0)

	ids, err := send(t, c, []byte("hi"), c.Handles, 0)
	require.NoError(t, err)
	assert.NotZero(t, ids[0])
	assert.Equal(t, 1, c.Peers[0].Queue().Len())
}

// Test_MulticastAtomicTimestamp covers spec scenario 2: every
// destination commits at the same logical timestamp, regardless of
// how far each peer's clock had already advanced.
func Test_MulticastAtomicTimestamp(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := test.NewCluster(3, 0)

	c.Peers[0].Lock()
	for i := 0; i < 100; i++ {
		c.Peers[0].Queue().Tick()
	}
	c.Peers[0].Unlock()

	c.Peers[1].Lock()
	for i := 0; i < 5; i++ {
		c.Peers[1].Queue().Tick()
	}
	c.Peers[1].Unlock()

	c.Peers[2].Lock()
	for i := 0; i < 50; i++ {
		c.Peers[2].Queue().Tick()
	}
	c.Peers[2].Unlock()

	var trace []uint64
	txn, err := core.NewFromUser(c.Sender, c.Registry, test.Credentials(), types.Params{Vecs: [][]byte{[]byte("x")}})
	require.NoError(t, err)
	defer core.Free(txn)

	ids := make([]uint64, len(c.Handles))
	for i, h := range c.Handles {
		require.NoError(t, core.InstantiateForID(txn, h, types.PtrSink{Ptr: &ids[i]}))
	}
	require.NoError(t, core.Commit(txn))

	for _, p := range c.Peers {
		ts, ok := p.Queue().Peek()
		require.True(t, ok)
		trace = append(trace, ts)
	}
	first := trace[0]
	for _, ts := range trace {
		assert.Equal(t, first, ts, "every destination must commit at the same timestamp")
	}
	assert.Greater(t, first, uint64(100))
}

// Test_RollbackOnMidInstantiationFailure covers spec scenario 3: an
// INVALID_HANDLE failure on the second destination must leave the
// first destination's queue untouched and its pin released.
func Test_RollbackOnMidInstantiationFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := test.NewCluster(2, 0)

	txn, err := core.NewFromUser(c.Sender, c.Registry, test.Credentials(), types.Params{Vecs: [][]byte{[]byte("x")}})
	require.NoError(t, err)

	require.NoError(t, core.InstantiateForID(txn, c.Handles[0], types.PtrSink{}))
	err = core.InstantiateForID(txn, 9999, types.PtrSink{})
	require.ErrorIs(t, err, types.ErrInvalidHandle)

	core.Free(txn)

	assert.Equal(t, 0, c.Peers[0].Queue().Len())
	assert.Equal(t, int64(0), c.Peers[0].PinCount())
}

// Test_ContinueWithOneOverQuotaDestination covers spec scenario 4: the
// saturated destination is silently dropped and counted, the healthy
// one still commits, and commit itself returns no error.
func Test_ContinueWithOneOverQuotaDestination(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := test.NewCluster(2, 0)
	// saturate B's pool so any further allocation exceeds quota.
	_, err := c.Peers[1].Pool().Allocate(1)
	require.NoError(t, err)
	c.Peers[1] = core.NewLocalPeer(string(c.Peers[1].ID()), 1, nil)
	c.Registry.Add(c.Peers[1])
	_, err = c.Peers[1].Pool().Allocate(1)
	require.NoError(t, err)

	ids, err := send(t, c, []byte("x"), c.Handles, types.FlagContinue)
	require.NoError(t, err)
	assert.NotZero(t, ids[0])
	assert.Equal(t, uint64(1), c.Peers[1].Dropped())
	assert.Equal(t, 0, c.Peers[1].Queue().Len())
}

// Test_ContinueUnset_AbortsOnOverQuotaDestination is the negative half
// of scenario 4: without CONTINUE, the over-quota destination aborts
// the whole transaction instead of being dropped.
func Test_ContinueUnset_AbortsOnOverQuotaDestination(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := test.NewCluster(1, 1)
	_, err := c.Peers[0].Pool().Allocate(1)
	require.NoError(t, err)

	_, err = send(t, c, []byte("x"), c.Handles, 0)
	require.ErrorIs(t, err, types.ErrQuotaExceeded)
}

// Test_RaceWithNodeDestruction covers spec scenario 5's externally
// observable half: a normal two-destination multicast still commits
// every entry and leaves both queues populated. The internal half of
// the scenario -- a node destroyed between stage and commit -- needs
// access to the unexported queue node and is covered by
// core.Test_Commit_RaceWithNodeDestruction instead.
func Test_RaceWithNodeDestruction(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := test.NewCluster(2, 0)

	ids, err := send(t, c, []byte("x"), c.Handles, 0)
	require.NoError(t, err)
	assert.NotZero(t, ids[0])
	assert.NotZero(t, ids[1])
	assert.Equal(t, 1, c.Peers[0].Queue().Len())
	assert.Equal(t, 1, c.Peers[1].Queue().Len())
}

// Test_IdWriteBackFault covers spec scenario 6: a faulting sink on one
// of several destinations still lets every destination commit, but
// commit itself reports FAULT.
func Test_IdWriteBackFault(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := test.NewCluster(3, 0)

	txn, err := core.NewFromUser(c.Sender, c.Registry, test.Credentials(), types.Params{Vecs: [][]byte{[]byte("x")}})
	require.NoError(t, err)
	defer core.Free(txn)

	require.NoError(t, core.InstantiateForID(txn, c.Handles[0], types.PtrSink{}))
	require.NoError(t, core.InstantiateForID(txn, c.Handles[1], types.FaultingSink{}))
	require.NoError(t, core.InstantiateForID(txn, c.Handles[2], types.PtrSink{}))

	err = core.Commit(txn)
	require.ErrorIs(t, err, types.ErrFault)

	for _, p := range c.Peers {
		assert.Equal(t, 1, p.Queue().Len(), "every destination commits despite the write-back fault")
	}
}

// Test_NoLeaksAfterFree exercises the "no leaks" property across a
// burst of concurrent unicasts: once every sender goroutine frees its
// transaction, no peer pin and no pool allocation should remain.
func Test_NoLeaksAfterFree(t *testing.T) {
	defer goleak.VerifyNone(t)
	c := test.NewCluster(4, 0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := send(t, c, []byte("leak-check"), c.Handles, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, p := range c.Peers {
		assert.Equal(t, int64(0), p.PinCount())
		assert.Equal(t, uint64(0), p.Pool().Used())
	}
}
