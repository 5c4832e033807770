// Package test provides a small in-process cluster harness used by
// the fuzzy test suite: a registry plus a handful of bound
// peers, ready for transactions to target.
package test

import (
	"fmt"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/core"
	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

// Cluster is a sender plus n destination peers, all registered and
// addressable by the sender's handle table.
type Cluster struct {
	Registry *core.Registry
	Sender   *core.LocalPeer
	Peers    []*core.LocalPeer
	Handles  []uint64
}

// NewCluster builds a cluster with n destination peers, each with the
// given pool quota (0 = unlimited).
func NewCluster(n int, poolQuota uint64) *Cluster {
	registry := core.NewRegistry()
	sender := core.NewLocalPeer("sender", 0, nil)
	registry.Add(sender)

	c := &Cluster{Registry: registry, Sender: sender}
	for i := 0; i < n; i++ {
		name := types.UID(fmt.Sprintf("peer-%d", i))
		p := core.NewLocalPeer(string(name), poolQuota, nil)
		registry.Add(p)
		c.Peers = append(c.Peers, p)
		handleID := uint64(i + 1)
		sender.Handles().Bind(handleID, name)
		c.Handles = append(c.Handles, handleID)
	}
	return c
}

// Off shuts every destination peer down, for leak tests that check no
// pin survives teardown.
func (c *Cluster) Off() {
	for _, p := range c.Peers {
		p.Shutdown()
	}
}

// Credentials returns a fixed, arbitrary sender identity for tests
// that don't care about namespace translation specifics.
func Credentials() types.Credentials {
	return types.Credentials{UID: 1000, GID: 1000, PID: 42, TID: 42}
}
