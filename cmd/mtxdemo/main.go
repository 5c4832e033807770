// Command mtxdemo drives a small in-process multi-peer scenario through
// the transaction engine: a unicast send and a multicast send. With
// --continue the multicast sets FlagContinue, and with --pool-quota
// each destination pool is capped, so a destination whose pool fills
// up is dropped instead of failing its instantiation. It exists to
// exercise the engine end to end outside of the test suite.
package main

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/mimir-ipc/mtxbus/pkg/mtx/core"
	"github.com/mimir-ipc/mtxbus/pkg/mtx/definition"
	"github.com/mimir-ipc/mtxbus/pkg/mtx/types"
)

var (
	app = kingpin.New("mtxdemo", "Exercise the multicast transaction engine against an in-process cluster of peers.")

	peerCount  = app.Flag("peers", "number of destination peers").Default("3").Int()
	poolQuota  = app.Flag("pool-quota", "per-peer pool capacity in bytes (0 = unlimited)").Default("0").Uint64()
	senders    = app.Flag("senders", "number of concurrent senders to run").Default("1").Int()
	useLogrus  = app.Flag("logrus", "use the logrus-backed logger instead of the plain stdlib one").Bool()
	payload    = app.Flag("payload", "payload string to send").Default("hello from mtxdemo").String()
	continueOn = app.Flag("continue", "set FlagContinue on the multicast send").Bool()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	var log types.Logger
	if *useLogrus {
		log = definition.NewLogrusLogger(nil)
	} else {
		log = definition.NewDefaultLogger()
	}

	registry := core.NewRegistry()
	sender := core.NewLocalPeer("sender", 0, nil)
	registry.Add(sender)

	handles := make([]uint64, *peerCount)
	for i := 0; i < *peerCount; i++ {
		name := types.UID(fmt.Sprintf("peer-%d", i))
		p := core.NewLocalPeer(string(name), *poolQuota, nil)
		registry.Add(p)
		handles[i] = uint64(i + 1)
		sender.Handles().Bind(handles[i], name)
	}

	metrics := core.NewMetrics(nil)
	trace := definition.NewTrace()

	var wg sync.WaitGroup
	for s := 0; s < *senders; s++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			runOnce(registry, sender, handles, metrics, trace, log, id)
		}(s)
	}
	wg.Wait()

	log.Infof("done: %d entries traced", trace.Len())
}

func runOnce(registry *core.Registry, sender core.Peer, handles []uint64, metrics *core.Metrics, trace *definition.Trace, log types.Logger, id int) {
	cred := types.Credentials{UID: 1000, GID: 1000, PID: uint32(os.Getpid()), TID: uint32(os.Getpid())}

	// unicast, fast path
	var unicastID uint64
	txn, err := core.NewFromUser(sender, registry, cred, types.Params{
		Vecs: [][]byte{[]byte(fmt.Sprintf("[%d] %s", id, *payload))},
	}, core.WithLogger(log), core.WithMetrics(metrics), core.WithTrace(trace))
	if err != nil {
		log.Errorf("sender %d: construct unicast: %v", id, err)
		return
	}
	if err := core.CommitForID(txn, handles[0], types.PtrSink{Ptr: &unicastID}); err != nil {
		log.Warnf("sender %d: unicast commit: %v", id, err)
	} else {
		log.Infof("sender %d: unicast delivered, destination id=%d", id, unicastID)
	}
	core.Free(txn)

	// multicast across every bound peer
	flags := types.Flags(0)
	if *continueOn {
		flags |= types.FlagContinue
	}
	mtxn, err := core.NewFromUser(sender, registry, cred, types.Params{
		Vecs:  [][]byte{[]byte(fmt.Sprintf("[%d] multicast: %s", id, *payload))},
		Flags: flags,
	}, core.WithLogger(log), core.WithMetrics(metrics), core.WithTrace(trace))
	if err != nil {
		log.Errorf("sender %d: construct multicast: %v", id, err)
		return
	}
	ids := make([]uint64, len(handles))
	for i, h := range handles {
		if err := core.InstantiateForID(mtxn, h, types.PtrSink{Ptr: &ids[i]}); err != nil {
			log.Warnf("sender %d: instantiate destination %d: %v", id, i, err)
		}
	}
	if err := core.Commit(mtxn); err != nil {
		log.Warnf("sender %d: multicast commit: %v", id, err)
	}
	core.Free(mtxn)
	log.Infof("sender %d: multicast destination ids=%v", id, ids)
}
