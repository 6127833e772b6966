// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package core contains the Worker: the state one CPU core owns and the
// loop that runs it.
//
// Everything a Worker holds (control block pools, the session table, the
// transport operations and the test cases) is touched only from its loop
// goroutine. Other goroutines reach it through Do and Receive.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/cpu"
	"l4gen.dev/cb"
	"l4gen.dev/l4/tcp"
	"l4gen.dev/l4/tcpsm"
	"l4gen.dev/l4/udp"
	"l4gen.dev/lookup"
	"l4gen.dev/loop"
	"l4gen.dev/net/packet"
	"l4gen.dev/netif"
	"l4gen.dev/notif"
	"l4gen.dev/pktbuf"
	"l4gen.dev/testcase"
	"l4gen.dev/tstime"
	"l4gen.dev/types/logger"
)

var (
	// ErrNotFound is returned for a test case that is not configured.
	ErrNotFound = errors.New("core: no such test case")
	// ErrExists is returned when configuring a test case twice.
	ErrExists = errors.New("core: test case exists")
)

// Config configures a Worker.
type Config struct {
	Index   int // of this worker
	Workers int // total

	Ports   []*netif.Port
	Buffers *pktbuf.Pool

	TCPBlocks  int // TCP control block pool size
	UDPBlocks  int // UDP control block pool size
	LookupSize int // session table buckets; 0 means TCPBlocks+UDPBlocks

	TaskLimit int
	InboxSize int
	Clock     tstime.Clock
	Logf      logger.Logf
}

// Key identifies a test case on a worker.
type Key struct {
	Port int
	TCID uint32
}

func (k Key) String() string { return fmt.Sprintf("%d/%d", k.Port, k.TCID) }

// Worker is the per core context.
type Worker struct {
	_ cpu.CacheLinePad

	idx, n int
	logf   logger.Logf
	loop   *loop.Loop
	bus    *notif.Bus
	lookup *lookup.Table
	bufs   *pktbuf.Pool

	tcpStats tcp.PortStats
	tcp      *tcp.Ops
	udp      *udp.Ops

	tcs map[Key]*testcase.TestCase

	rxDropped atomic.Uint64

	_ cpu.CacheLinePad
}

// New returns a Worker. It does not start its loop; see Run.
func New(c Config) *Worker {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Logf == nil {
		c.Logf = logger.Discard
	}
	if c.LookupSize == 0 {
		c.LookupSize = c.TCPBlocks + c.UDPBlocks
	}
	logf := logger.WithPrefix(c.Logf, fmt.Sprintf("core%d: ", c.Index))
	w := &Worker{
		idx:    c.Index,
		n:      c.Workers,
		logf:   logf,
		lookup: lookup.New(c.LookupSize),
		bufs:   c.Buffers,
		tcs:    make(map[Key]*testcase.TestCase),
	}
	w.loop = loop.New(loop.Options{
		TaskLimit: c.TaskLimit,
		InboxSize: c.InboxSize,
		Clock:     c.Clock,
		Logf:      logf,
	})
	w.bus = notif.NewBus(logf)
	sm := tcpsm.New(tcpsm.Config{
		Loop:    w.loop,
		Bus:     w.bus,
		Lookup:  w.lookup,
		Ports:   c.Ports,
		Stats:   &w.tcpStats,
		Deliver: w.deliver,
		Logf:    logf,
	})
	w.tcp = tcp.New(tcp.Config{
		Pool:    cb.NewPool(cb.ProtoTCP, c.TCPBlocks),
		Lookup:  w.lookup,
		SM:      sm,
		Stats:   &w.tcpStats,
		Buffers: c.Buffers,
		Logf:    logf,
	})
	w.udp = udp.New(udp.Config{
		Pool:    cb.NewPool(cb.ProtoUDP, c.UDPBlocks),
		Lookup:  w.lookup,
		Bus:     w.bus,
		Ports:   c.Ports,
		Buffers: c.Buffers,
		Deliver: w.deliver,
		Logf:    logf,
	})
	return w
}

// Index returns the index of w among the workers.
func (w *Worker) Index() int { return w.idx }

// Loop returns w's loop.
func (w *Worker) Loop() *loop.Loop { return w.loop }

// Owns reports whether w owns the session with the given hash.
func (w *Worker) Owns(hash uint32) bool {
	return Shard(hash, w.n) == w.idx
}

// Shard returns the index of the worker, out of n, that owns the session
// with the given hash.
func Shard(hash uint32, n int) int {
	return int(hash % uint32(n))
}

// Run runs w's loop until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	w.logf("running")
	return w.loop.Run(ctx)
}

// Do runs f on w's loop and waits for it to return.
func (w *Worker) Do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	if err := w.loop.Send(ctx, func() {
		defer close(done)
		f()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive hands a received frame to w. It may be called from any
// goroutine and never blocks; it takes ownership of b.
func (w *Worker) Receive(b *pktbuf.Buf) {
	if err := w.loop.TrySend(func() { w.input(b) }); err != nil {
		w.bufs.Free(b)
		w.rxDropped.Add(1)
	}
}

func (w *Worker) input(b *pktbuf.Buf) {
	switch packet.PeekProto(b.Bytes()) {
	case packet.TCP:
		w.tcp.Input(b)
	case packet.UDP:
		w.udp.Input(b)
	default:
		w.rxDropped.Add(1)
		w.bufs.Free(b)
	}
}

func (w *Worker) deliver(b *cb.Block, data []byte) {
	if tc := w.tcs[Key{b.Port, b.TCID}]; tc != nil {
		tc.Deliver(b, data)
	}
}

// The methods below must run on w's loop (see Do).

// Configure adds a test case.
func (w *Worker) Configure(cfg testcase.Config) error {
	k := Key{cfg.Port, cfg.TCID}
	if _, ok := w.tcs[k]; ok {
		return fmt.Errorf("test case %v: %w", k, ErrExists)
	}
	tc, err := testcase.New(cfg, testcase.Env{
		Loop:   w.loop,
		Bus:    w.bus,
		Lookup: w.lookup,
		TCP:    w.tcp,
		UDP:    w.udp,
		Owns:   w.Owns,
		Logf:   w.logf,
	})
	if err != nil {
		return err
	}
	w.tcs[k] = tc
	return nil
}

// TestCase returns the test case k, or nil.
func (w *Worker) TestCase(k Key) *testcase.TestCase { return w.tcs[k] }

func (w *Worker) get(k Key) (*testcase.TestCase, error) {
	tc := w.tcs[k]
	if tc == nil {
		return nil, fmt.Errorf("test case %v: %w", k, ErrNotFound)
	}
	return tc, nil
}

// Start starts test case k.
func (w *Worker) Start(k Key) error {
	tc, err := w.get(k)
	if err != nil {
		return err
	}
	return tc.Start()
}

// Stop stops test case k; done runs on the loop once it has stopped.
func (w *Worker) Stop(k Key, done func()) error {
	tc, err := w.get(k)
	if err != nil {
		return err
	}
	tc.Stop(done)
	return nil
}

// Delete removes the idle test case k.
func (w *Worker) Delete(k Key) error {
	tc, err := w.get(k)
	if err != nil {
		return err
	}
	if tc.State() != testcase.Idle {
		return fmt.Errorf("test case %v: %w", k, testcase.ErrRunning)
	}
	tc.Release()
	delete(w.tcs, k)
	return nil
}

// Counters are the transport level counters of a worker.
type Counters struct {
	TCP       []tcp.Stats  `json:"tcp"`
	UDP       []udp.Stats  `json:"udp"`
	TCPPool   cb.PoolStats `json:"tcp_pool"`
	UDPPool   cb.PoolStats `json:"udp_pool"`
	Lookup    lookup.Stats `json:"lookup"`
	Loop      loop.Stats   `json:"loop"`
	Bus       notif.Stats  `json:"bus"`
	Sessions  int          `json:"sessions"`
	RxDropped uint64       `json:"rx_dropped"`
}

// Counters returns a snapshot of w's transport counters.
func (w *Worker) Counters(ports int) Counters {
	c := Counters{
		TCP:       make([]tcp.Stats, ports),
		UDP:       make([]udp.Stats, ports),
		TCPPool:   w.tcp.Pool().Stats(),
		UDPPool:   w.udp.Pool().Stats(),
		Lookup:    w.lookup.Stats(),
		Loop:      w.loop.Stats(),
		Bus:       w.bus.Stats(),
		Sessions:  w.lookup.Len(),
		RxDropped: w.rxDropped.Load(),
	}
	for i := range ports {
		c.TCP[i] = *w.tcp.Stats(i)
		c.UDP[i] = *w.udp.Stats(i)
	}
	return c
}
