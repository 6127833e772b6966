// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package testcase schedules the sessions of one test case on one worker.
//
// A TestCase paces three categories of work (open, close, send) with a
// pace.Governor each. Sessions wait for work on lifecycle queues; a
// periodic timer per category refreshes its quota and a self-submitted
// run task pops bounded batches off the queue. Transport notifications
// arrive on the notif.Bus and move sessions between queues.
//
// All methods must be called from the worker's loop.
package testcase

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"l4gen.dev/app"
	"l4gen.dev/cb"
	"l4gen.dev/l4/tcp"
	"l4gen.dev/l4/udp"
	"l4gen.dev/lookup"
	"l4gen.dev/loop"
	"l4gen.dev/notif"
	"l4gen.dev/pace"
	"l4gen.dev/tstime"
	"l4gen.dev/types/logger"
	"l4gen.dev/types/tuple"
)

var (
	// ErrRunning is returned when starting a test case that has not
	// stopped.
	ErrRunning = errors.New("testcase: already running")
)

// Env is the worker state a TestCase runs against.
type Env struct {
	Loop   *loop.Loop
	Bus    *notif.Bus
	Lookup *lookup.Table
	TCP    *tcp.Ops // required for TCP test cases
	UDP    *udp.Ops // required for UDP test cases

	// Owns reports whether the worker owns the session with the given
	// tuple hash. Nil means every session.
	Owns func(hash uint32) bool
	Logf logger.Logf
}

// RunState is the run state of a test case.
type RunState uint8

const (
	Idle RunState = iota
	Running
	Stopping
)

func (s RunState) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "idle"
}

type category uint8

const (
	catOpen category = iota
	catClose
	catSend
	numCats
)

var catNames = [numCats]string{"open", "close", "send"}

// pacer is the scheduling state of one category.
type pacer struct {
	gov        pace.Governor
	timer      *loop.Timer
	inProgress bool // a run task is outstanding
	achieved   bool // the quota of the current interval is used up
	queue      *cb.Queue
	run        func(n uint32) uint32
	task       loop.Task
}

// TestCase is one test case on one port of one worker.
type TestCase struct {
	cfg    Config
	env    Env
	tr     transport
	app    app.Layer
	logf   logger.Logf
	dropf  logger.Logf // rate limited
	owns   func(uint32) bool
	server bool

	pacers [numCats]pacer
	toInit *cb.Queue
	closed *cb.Queue

	state   RunState
	waiters []func() // Stop callers

	stats Stats
	rates RateStats
}

// New returns a stopped test case for cfg and registers it on env.Bus.
func New(cfg Config, env Env) (*TestCase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if env.Logf == nil {
		env.Logf = logger.Discard
	}
	tc := &TestCase{
		cfg:    cfg,
		env:    env,
		owns:   env.Owns,
		server: cfg.Role == RoleServer,
		toInit: cb.NewQueue("to-init"),
		closed: cb.NewQueue("closed"),
	}
	switch cfg.Proto {
	case cb.ProtoTCP:
		if env.TCP == nil {
			return nil, errors.New("testcase: no TCP operations")
		}
		tc.tr = tcpTransport{env.TCP}
	case cb.ProtoUDP:
		if env.UDP == nil {
			return nil, errors.New("testcase: no UDP operations")
		}
		tc.tr = udpTransport{env.UDP}
	}
	if tc.owns == nil {
		tc.owns = func(uint32) bool { return true }
	}
	tc.logf = logger.WithPrefix(env.Logf, fmt.Sprintf("tc[%d/%d]: ", cfg.Port, cfg.TCID))
	tc.dropf = logger.RateLimitedFn(tc.logf, 5*time.Second, 3, 16)

	a, err := app.New(cfg.App, tc.server, tc.appNotify, env.Loop.Now)
	if err != nil {
		return nil, err
	}
	tc.app = a

	runners := [numCats]func(uint32) uint32{tc.runOpen, tc.runClose, tc.runSend}
	for c := range numCats {
		p := &tc.pacers[c]
		p.queue = cb.NewQueue("to-" + catNames[c])
		p.run = runners[c]
		p.task = func() { tc.run(c) }
	}
	env.Bus.Register(cfg.Port, cfg.TCID, tc.handle)
	return tc, nil
}

// Config returns the configuration of tc.
func (tc *TestCase) Config() Config { return tc.cfg }

// State returns the run state of tc.
func (tc *TestCase) State() RunState { return tc.state }

// Release unregisters tc from the bus. tc must be idle.
func (tc *TestCase) Release() {
	if tc.state != Idle {
		panic("testcase: release of a running test case")
	}
	tc.env.Bus.Unregister(tc.cfg.Port, tc.cfg.TCID)
}

// Deliver hands data received on b to the application.
func (tc *TestCase) Deliver(b *cb.Block, data []byte) {
	tc.app.Deliver(b, data)
}

// Start starts the test case: servers listen, clients are allocated and
// queued to open, and the rate timers are armed.
func (tc *TestCase) Start() error {
	if tc.state != Idle {
		return ErrRunning
	}
	tc.state = Running
	now := tc.env.Loop.Now()
	tc.stats = Stats{}
	tc.rates = RateStats{Start: now}
	tc.app.TCStart()

	var rates Rates
	if tc.server {
		tc.startServers()
		rates.Send = pace.Unlimited
	} else {
		local, total := tc.startClients()
		r := tc.cfg.Client.Rates
		rates.Open = r.Open.Scale(local, total)
		rates.Close = r.Close.Scale(local, total)
		rates.Send = r.Send.Scale(local, total)
		tc.logf("started %d of %d sessions, rates open=%v close=%v send=%v",
			local, total, rates.Open, rates.Close, rates.Send)
	}
	tc.startPacers(rates)
	for c := range numCats {
		tc.resched(c)
	}
	return nil
}

func (tc *TestCase) startServers() {
	s := tc.cfg.Server
	forEachAddr(s.IPs, func(ip netip.Addr) {
		forEachPort(s.Ports, func(port uint16) {
			t := tuple.Tuple{Local: ip, LocalPort: port}
			b, err := tc.tr.listen(tc.cfg.Port, tc.cfg.TCID, t, tc.cfg.Opts, tc.cfg.Trace)
			if err != nil {
				tc.dropf("listen %v: %v", t, err)
				tc.env.Bus.Notify(notif.Event{Kind: notif.ServerFailed, Port: tc.cfg.Port, TCID: tc.cfg.TCID})
				return
			}
			b.TestState = cb.TestListen
			tc.env.Bus.NotifyBlock(notif.ServerUp, b)
		})
	})
}

// startClients allocates and queues the client sessions this worker
// owns. It returns the number of local sessions and the total.
func (tc *TestCase) startClients() (local, total uint64) {
	c := tc.cfg.Client
	pool := tc.tr.pool()
	forEachAddr(c.Src, func(src netip.Addr) {
		forEachAddr(c.Dst, func(dst netip.Addr) {
			forEachPort(c.SrcPorts, func(sport uint16) {
				forEachPort(c.DstPorts, func(dport uint16) {
					total++
					t := tuple.Tuple{Local: src, Remote: dst, LocalPort: sport, RemotePort: dport}
					h := t.Hash()
					if !tc.owns(h) {
						return
					}
					b, err := pool.Alloc()
					if err != nil {
						tc.stats.AllocErr++
						tc.dropf("alloc %v: %v", t, err)
						return
					}
					b.Port = tc.cfg.Port
					b.TCID = tc.cfg.TCID
					b.Tuple = t
					b.Hash = h
					b.Opts = tc.cfg.Opts
					b.Flags = cb.FlagActive
					if tc.cfg.Trace {
						b.Flags |= cb.FlagTrace
					}
					tc.app.Init(b)
					tc.clientInit(b)
					local++
				})
			})
		})
	})
	return local, total
}

func (tc *TestCase) startPacers(r Rates) {
	rates := [numCats]pace.Rate{r.Open, r.Close, r.Send}
	now := tstime.Micros(tc.env.Loop.Now())
	for c := range numCats {
		p := &tc.pacers[c]
		p.gov.Init(rates[c], tc.cfg.burst(), tc.cfg.MinInterval)
		p.achieved = false
		if p.gov.Zero() {
			continue
		}
		p.gov.Advance(now)
		p.timer = tc.env.Loop.Every(time.Duration(p.gov.Interval())*time.Microsecond, func() { tc.tick(c) })
	}
}

// Stop stops tc and calls done once every session is purged. Stopping a
// stopped test case calls done at once.
func (tc *TestCase) Stop(done func()) {
	switch tc.state {
	case Idle:
		if done != nil {
			done()
		}
		return
	case Stopping:
		if done != nil {
			tc.waiters = append(tc.waiters, done)
		}
		return
	}
	tc.state = Stopping
	if done != nil {
		tc.waiters = append(tc.waiters, done)
	}
	for c := range numCats {
		p := &tc.pacers[c]
		p.gov.Init(0, 0, 0)
		p.timer.Stop()
		p.timer = nil
	}
	tc.submit(tc.stopPass)
}

// stopPass runs until no run task is outstanding, then purges the
// sessions and completes the stop.
func (tc *TestCase) stopPass() {
	for c := range numCats {
		if tc.pacers[c].inProgress {
			tc.submit(tc.stopPass)
			return
		}
	}
	tc.purge()
	tc.state = Idle
	tc.app.TCStop()
	tc.logf("stopped")
	w := tc.waiters
	tc.waiters = nil
	for _, f := range w {
		f()
	}
}

// submit queues f on the loop, falling back to a timer when the task
// ring is full.
func (tc *TestCase) submit(f func()) {
	if err := tc.env.Loop.Submit(f); err != nil {
		tc.env.Loop.AfterFunc(time.Millisecond, f)
	}
}

// purge tears down every session of tc: those on a queue and those in
// the lookup table.
func (tc *TestCase) purge() {
	n := 0
	for _, q := range tc.queues() {
		n += q.Drain(tc.purgeBlock)
	}
	port, tcid := tc.cfg.Port, tc.cfg.TCID
	linked := tc.env.Lookup.Collect(func(b *cb.Block) bool {
		return b.Port == port && b.TCID == tcid
	})
	for _, b := range linked {
		if !b.IsFree() {
			tc.purgeBlock(b)
		}
	}
	tc.logf("purged %d queued and %d linked sessions", n, len(linked))
}

func (tc *TestCase) purgeBlock(b *cb.Block) {
	if b.TestState == cb.TestListen {
		tc.env.Bus.NotifyBlock(notif.ServerDown, b)
	}
	tc.dispatch(b, evPurge)
	if !tc.tr.idle(b) {
		tc.tr.abort(b)
	}
	if b.IsFree() {
		return
	}
	if !b.Malloced() {
		tc.env.Lookup.Remove(b)
		if q := b.Queue(); q != nil {
			q.Remove(b)
		}
		b.Pool().Free(b)
	}
}

func (tc *TestCase) queues() []*cb.Queue {
	return []*cb.Queue{tc.toInit, tc.pacers[catOpen].queue, tc.pacers[catClose].queue, tc.pacers[catSend].queue, tc.closed}
}

// QueueLens returns the number of sessions on each lifecycle queue.
func (tc *TestCase) QueueLens() map[string]int {
	m := make(map[string]int)
	for _, q := range tc.queues() {
		m[q.Name()] = q.Len()
	}
	return m
}

// Stats returns the counters accumulated since the previous call and
// clears them. Start and end times are kept.
func (tc *TestCase) Stats() Stats {
	s := tc.stats
	s.App = app.Stats{}
	s.App.Add(tc.app.Stats())
	tc.app.Stats().Reset()
	tc.stats = Stats{StartTime: s.StartTime, EndTime: s.EndTime}
	return s
}

// Rates returns the per second counters accumulated since the previous
// call and starts a new window.
func (tc *TestCase) Rates() RateStats {
	now := tc.env.Loop.Now()
	r := tc.rates
	r.End = now
	tc.rates = RateStats{Start: now}
	return r
}

// appNotify raises an application event through the bus.
func (tc *TestCase) appNotify(k notif.Kind, b *cb.Block) {
	tc.env.Bus.NotifyBlock(k, b)
}

// handle consumes the bus events of tc.
func (tc *TestCase) handle(ev notif.Event) {
	b := ev.Block
	switch ev.Kind {
	case notif.TCPStateChange:
		tc.tcpStateChange(b, ev.PrevTCP)
	case notif.UDPStateChange:
		tc.udpStateChange(b, ev.PrevUDP)
	case notif.ServerConnected:
		// Raised by UDP when the first datagram creates a session.
		tc.stats.Servers.Established++
		tc.rates.Established++
		tc.serverInit(b)
		tc.dispatch(b, evConnected)
	case notif.SndWinAvail:
		tc.dispatch(b, evSndWin)
	case notif.SndWinFull:
		tc.dispatch(b, evNoSndWin)
	case notif.TimerFired:
		tc.dispatch(b, evTimer)
	case notif.AppSendStart:
		tc.dispatch(b, evSendStart)
	case notif.AppSendStop:
		tc.dispatch(b, evSendStop)
	case notif.AppClose:
		if !tc.tr.idle(b) {
			tc.tr.close(b)
		}
	case notif.DataFailed:
		tc.stats.DataFailed++
	case notif.DataNull:
		tc.stats.DataNull++
	case notif.ClientUp:
		tc.stats.Clients.Up++
	case notif.ClientDown:
		tc.stats.Clients.Down++
	case notif.ClientFailed:
		tc.stats.Clients.Failed++
	case notif.ServerUp:
		tc.stats.Servers.Up++
	case notif.ServerDown:
		tc.stats.Servers.Down++
	case notif.ServerFailed:
		tc.stats.Servers.Failed++
	}
}

func (tc *TestCase) tcpStateChange(b *cb.Block, prev cb.TCPState) {
	s := b.TCB.State
	switch s {
	case cb.TCPSynRecv:
		if !b.Active() && b.TestState == cb.TestListen {
			tc.serverInit(b)
		}
	case cb.TCPSynSent:
		if tc.stats.StartTime.IsZero() {
			tc.stats.StartTime = tc.env.Loop.Now()
		}
	case cb.TCPEstablished:
		if b.Active() {
			tc.stats.Clients.Established++
			tc.stats.EndTime = tc.env.Loop.Now()
		} else {
			tc.stats.Servers.Established++
		}
		tc.rates.Established++
	case cb.TCPClosed:
		tc.rates.Closed++
	}
	if !tc.inMachine(b) {
		return
	}

	wasOpen := prev == cb.TCPSynSent || prev == cb.TCPSynRecv || prev == cb.TCPEstablished
	switch s {
	case cb.TCPSynSent:
		tc.dispatch(b, evConnecting)
	case cb.TCPEstablished:
		tc.dispatch(b, evConnected)
	case cb.TCPFinWait1, cb.TCPCloseWait, cb.TCPLastAck, cb.TCPClosing:
		if wasOpen {
			tc.dispatch(b, evClosing)
		}
	case cb.TCPClosed:
		if wasOpen {
			tc.dispatch(b, evClosing)
		}
		if prev != cb.TCPInit && prev != cb.TCPListen {
			tc.dispatch(b, evClosed)
		}
	}
}

func (tc *TestCase) udpStateChange(b *cb.Block, prev cb.UDPState) {
	if b.UCB.State == cb.UDPClosed {
		tc.rates.Closed++
	}
	if !tc.inMachine(b) {
		return
	}
	switch b.UCB.State {
	case cb.UDPOpen:
		if b.Active() {
			if tc.stats.StartTime.IsZero() {
				tc.stats.StartTime = tc.env.Loop.Now()
			}
			tc.stats.Clients.Established++
			tc.stats.EndTime = tc.env.Loop.Now()
			tc.rates.Established++
			tc.dispatch(b, evConnected)
		}
	case cb.UDPClosed:
		if prev == cb.UDPOpen {
			tc.dispatch(b, evClosing)
		}
		if prev != cb.UDPInit {
			tc.dispatch(b, evClosed)
		}
	}
}

// inMachine reports whether b's transport events drive its test state.
// Listeners and server sessions that have not reached the scheduler yet
// are left out.
func (tc *TestCase) inMachine(b *cb.Block) bool {
	return b.TestState != cb.TestNone && b.TestState != cb.TestListen
}
