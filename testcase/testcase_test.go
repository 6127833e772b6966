// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package testcase

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"go4.org/netipx"
	"l4gen.dev/app"
	"l4gen.dev/cb"
	"l4gen.dev/l4/tcp"
	"l4gen.dev/l4/tcpsm"
	"l4gen.dev/l4/udp"
	"l4gen.dev/lookup"
	"l4gen.dev/loop"
	"l4gen.dev/net/packet"
	"l4gen.dev/netif"
	"l4gen.dev/notif"
	"l4gen.dev/pace"
	"l4gen.dev/pktbuf"
	"l4gen.dev/tstest"
	"l4gen.dev/types/logger"
	"l4gen.dev/types/tuple"
)

var (
	cliIP = netip.MustParseAddr("10.0.0.1")
	srvIP = netip.MustParseAddr("10.0.0.2")
)

type tcKey struct {
	port int
	tcid uint32
}

// harness is a single worker with two looped-back ports: clients run on
// port 0 and servers on port 1.
type harness struct {
	t      *testing.T
	clock  *tstest.Clock
	loop   *loop.Loop
	lookup *lookup.Table
	bus    *notif.Bus
	bufs   *pktbuf.Pool
	tcp    *tcp.Ops
	udp    *udp.Ops
	tcs    map[tcKey]*TestCase
}

func newHarness(t *testing.T, blocks int) *harness {
	h := &harness{
		t:      t,
		clock:  tstest.NewClock(tstest.ClockOpts{Start: time.Unix(1_700_000_000, 0)}),
		lookup: lookup.New(blocks),
		bufs:   pktbuf.NewPool(0, 1<<17),
		tcs:    make(map[tcKey]*TestCase),
	}
	h.loop = loop.New(loop.Options{Clock: h.clock, InboxSize: 1 << 17})
	h.bus = notif.NewBus(logger.Discard)

	p0 := netif.New(netif.Config{Index: 0}, h.bufs, logger.Discard)
	p1 := netif.New(netif.Config{Index: 1}, h.bufs, logger.Discard)
	p0.AddAddr(netip.PrefixFrom(cliIP, 24))
	p1.AddAddr(netip.PrefixFrom(srvIP, 24))
	netif.Loopback(p0, p1)
	recv := func(b *pktbuf.Buf) {
		if err := h.loop.TrySend(func() { h.input(b) }); err != nil {
			h.bufs.Free(b)
		}
	}
	p0.SetReceiver(recv)
	p1.SetReceiver(recv)
	ports := []*netif.Port{p0, p1}

	var stats tcp.PortStats
	sm := tcpsm.New(tcpsm.Config{
		Loop:    h.loop,
		Bus:     h.bus,
		Lookup:  h.lookup,
		Ports:   ports,
		Stats:   &stats,
		Deliver: h.deliver,
	})
	h.tcp = tcp.New(tcp.Config{
		Pool:    cb.NewPool(cb.ProtoTCP, blocks),
		Lookup:  h.lookup,
		SM:      sm,
		Stats:   &stats,
		Buffers: h.bufs,
	})
	h.udp = udp.New(udp.Config{
		Pool:    cb.NewPool(cb.ProtoUDP, blocks),
		Lookup:  h.lookup,
		Bus:     h.bus,
		Ports:   ports,
		Buffers: h.bufs,
		Deliver: h.deliver,
	})
	return h
}

func (h *harness) input(b *pktbuf.Buf) {
	switch packet.PeekProto(b.Bytes()) {
	case packet.TCP:
		h.tcp.Input(b)
	case packet.UDP:
		h.udp.Input(b)
	default:
		h.bufs.Free(b)
	}
}

func (h *harness) deliver(b *cb.Block, data []byte) {
	if tc := h.tcs[tcKey{b.Port, b.TCID}]; tc != nil {
		tc.Deliver(b, data)
	}
}

func (h *harness) env() Env {
	return Env{
		Loop:   h.loop,
		Bus:    h.bus,
		Lookup: h.lookup,
		TCP:    h.tcp,
		UDP:    h.udp,
		Logf:   logger.TestLogger(h.t),
	}
}

func (h *harness) start(cfg Config) *TestCase {
	h.t.Helper()
	tc, err := New(cfg, h.env())
	if err != nil {
		h.t.Fatal(err)
	}
	h.tcs[tcKey{cfg.Port, cfg.TCID}] = tc
	if err := tc.Start(); err != nil {
		h.t.Fatal(err)
	}
	h.loop.RunUntilIdle(100000)
	return tc
}

// step advances the clock by d and runs the loop until idle. It returns
// the largest number of client opens observed in a single pass.
func (h *harness) step(d time.Duration, tc *TestCase) (maxPerPass uint64) {
	h.clock.Advance(d)
	for {
		before := tc.stats.Clients.Up
		n := h.loop.RunOnce()
		maxPerPass = max(maxPerPass, tc.stats.Clients.Up-before)
		if n == 0 {
			return maxPerPass
		}
	}
}

func (h *harness) stop(tc *TestCase) {
	h.t.Helper()
	done := false
	tc.Stop(func() { done = true })
	h.loop.RunUntilIdle(1000)
	if !done {
		h.t.Fatal("stop did not complete")
	}
}

func single(a netip.Addr) netipx.IPRange { return netipx.IPRangeFrom(a, a) }

func udpClient(tcid uint32, nports uint16, r Rates) Config {
	return Config{
		Port:  0,
		TCID:  tcid,
		Role:  RoleClient,
		Proto: cb.ProtoUDP,
		Client: Client{
			Src:      single(cliIP),
			Dst:      single(srvIP),
			SrcPorts: PortRange{1, nports},
			DstPorts: PortRange{53, 53},
			Rates:    r,
			Delays:   Delays{Uptime: Infinite, Downtime: Infinite},
		},
		Opts: cb.DefaultSockOpts(),
	}
}

func server(proto cb.Proto, port uint16, a app.Config) Config {
	return Config{
		Port:   1,
		TCID:   1,
		Role:   RoleServer,
		Proto:  proto,
		Server: Server{IPs: single(srvIP), Ports: PortRange{port, port}},
		App:    a,
		Opts:   cb.DefaultSockOpts(),
	}
}

func TestOpenRate(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 4000)
	cfg := udpClient(1, 3000, Rates{Open: 1000})
	cfg.MaxBurst = 50
	cfg.MinInterval = 1000
	tc := h.start(cfg)
	c.Assert(tc.stats.Clients.Up, qt.Equals, uint64(1))

	var perPass uint64
	for range 1000 {
		perPass = max(perPass, h.step(time.Millisecond, tc))
	}
	c.Assert(tc.stats.Clients.Up, qt.Equals, uint64(1001))
	for range 1000 {
		perPass = max(perPass, h.step(time.Millisecond, tc))
	}
	c.Assert(tc.stats.Clients.Up, qt.Equals, uint64(2001))
	c.Assert(perPass, qt.Equals, uint64(1))
	c.Assert(tc.QueueLens()["to-open"], qt.Equals, 3000-2001)
}

func TestOpenBurst(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 1000)
	cfg := udpClient(1, 1000, Rates{Open: 100000})
	cfg.MaxBurst = 50
	cfg.MinInterval = 1000
	tc := h.start(cfg)
	g := tc.pacers[catOpen].gov
	c.Assert(g.Expected, qt.Equals, uint32(100))
	c.Assert(g.MaxBurst, qt.Equals, uint32(50))

	var perPass uint64
	for range 5 {
		perPass = max(perPass, h.step(time.Millisecond, tc))
	}
	c.Assert(perPass, qt.Equals, uint64(50))
	c.Assert(tc.stats.Clients.Up, qt.Equals, uint64(600))
}

func TestReducedIntervals(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 4000)
	cfg := udpClient(1, 4000, Rates{Open: 1500})
	cfg.MinInterval = 1000
	tc := h.start(cfg)
	start := tc.stats.Clients.Up
	for sec := range 2 {
		for range 1000 {
			h.step(time.Millisecond, tc)
		}
		got := tc.stats.Clients.Up - start
		c.Assert(got, qt.Equals, uint64(1500), qt.Commentf("second %d", sec))
		start = tc.stats.Clients.Up
	}
}

func TestSlowRate(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 100)
	tc := h.start(udpClient(1, 100, Rates{Open: 3}))
	g := tc.pacers[catOpen].gov
	c.Assert(g.IntervalSize, qt.Equals, uint32(333333))
	c.Assert(g.IntervalsPerSecond, qt.Equals, uint32(3))

	for range 1000 {
		h.step(time.Millisecond, tc)
	}
	first := tc.stats.Clients.Up
	for range 1000 {
		h.step(time.Millisecond, tc)
	}
	c.Assert(tc.stats.Clients.Up-first, qt.Equals, uint64(3))
}

func TestZeroRate(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 10)
	tc := h.start(udpClient(1, 10, Rates{}))
	for range 10 {
		h.step(100*time.Millisecond, tc)
	}
	c.Assert(tc.stats.Clients.Up, qt.Equals, uint64(0))
	for _, p := range tc.pacers {
		c.Assert(p.timer, qt.IsNil)
		c.Assert(p.inProgress, qt.IsFalse)
	}
	_, armed := h.loop.NextDeadline()
	c.Assert(armed, qt.IsFalse)
	h.stop(tc)
	c.Assert(h.udp.Pool().InUse(), qt.Equals, 0)
}

func TestRateScaledToOwnedSessions(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 1000)
	env := h.env()
	env.Owns = func(hash uint32) bool { return hash%4 == 0 }
	tc, err := New(udpClient(1, 1000, Rates{Open: 1000, Close: pace.Unlimited}), env)
	c.Assert(err, qt.IsNil)
	c.Assert(tc.Start(), qt.IsNil)

	var local uint64
	for p := uint16(1); p <= 1000; p++ {
		tu := tuple.Tuple{Local: cliIP, Remote: srvIP, LocalPort: p, RemotePort: 53}
		if tu.Hash()%4 == 0 {
			local++
		}
	}
	c.Assert(uint64(h.udp.Pool().InUse()), qt.Equals, local)
	c.Assert(tc.pacers[catOpen].gov.Rate(), qt.Equals, pace.Rate(local))
	c.Assert(tc.pacers[catClose].gov.Rate(), qt.Equals, pace.Unlimited)
}

func TestDuplicateOpen(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 10)
	first := h.start(udpClient(1, 1, Rates{Open: 10}))
	c.Assert(first.stats.Clients.Up, qt.Equals, uint64(1))

	second := h.start(udpClient(2, 1, Rates{Open: 10}))
	c.Assert(second.stats.Clients.Failed, qt.Equals, uint64(1))
	c.Assert(second.QueueLens()["to-open"], qt.Equals, 1)
	c.Assert(h.udp.Pool().InUse(), qt.Equals, 2)

	// A transport open of a tuple in use frees the block it allocated.
	_, err := h.tcp.Open(nil, tcp.OpenArgs{Tuple: tuple.Tuple{Local: cliIP, Remote: srvIP, LocalPort: 7, RemotePort: 80}})
	c.Assert(err, qt.IsNil)
	inUse := h.tcp.Pool().InUse()
	_, err = h.tcp.Open(nil, tcp.OpenArgs{Tuple: tuple.Tuple{Local: cliIP, Remote: srvIP, LocalPort: 7, RemotePort: 80}})
	c.Assert(errors.Is(err, lookup.ErrExists), qt.IsTrue)
	c.Assert(h.tcp.Pool().InUse(), qt.Equals, inUse)
}

func TestStopPurgesEstablished(t *testing.T) {
	c := qt.New(t)
	const n = 10000
	h := newHarness(t, 2*n+10)
	srv := h.start(server(cb.ProtoTCP, 80, app.Config{}))
	c.Assert(srv.stats.Servers.Up, qt.Equals, uint64(1))

	cli := h.start(Config{
		Port:  0,
		TCID:  1,
		Role:  RoleClient,
		Proto: cb.ProtoTCP,
		Client: Client{
			Src:      single(cliIP),
			Dst:      single(srvIP),
			SrcPorts: PortRange{10000, 10000 + n - 1},
			DstPorts: PortRange{80, 80},
			Rates:    Rates{Open: pace.Unlimited},
			Delays:   Delays{Uptime: Infinite, Downtime: Infinite},
		},
		MaxBurst: 1000,
		Opts:     cb.DefaultSockOpts(),
	})
	c.Assert(cli.stats.Clients.Established, qt.Equals, uint64(n))
	c.Assert(srv.stats.Servers.Established, qt.Equals, uint64(n))
	c.Assert(h.lookup.Count(0, 1), qt.Equals, n)

	h.stop(cli)
	c.Assert(cli.State(), qt.Equals, Idle)
	c.Assert(h.lookup.Count(0, 1), qt.Equals, 0)
	want := map[string]int{"to-init": 0, "to-open": 0, "to-close": 0, "to-send": 0, "closed": 0}
	if diff := cmp.Diff(want, cli.QueueLens()); diff != "" {
		t.Errorf("queues (-want +got):\n%s", diff)
	}
	c.Assert(h.tcp.Pool().InUse(), qt.Equals, n+1)

	// Stopping again is a no-op.
	called := false
	cli.Stop(func() { called = true })
	c.Assert(called, qt.IsTrue)

	h.stop(srv)
	c.Assert(srv.stats.Servers.Down, qt.Equals, uint64(1))
	c.Assert(h.lookup.Len(), qt.Equals, 0)
	c.Assert(h.tcp.Pool().InUse(), qt.Equals, 0)
}

func TestStartTwice(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 10)
	tc := h.start(udpClient(1, 1, Rates{Open: 10}))
	c.Assert(tc.Start(), qt.Equals, ErrRunning)
	h.stop(tc)
	c.Assert(tc.Start(), qt.IsNil)
	h.loop.RunUntilIdle(100)
	c.Assert(tc.stats.Clients.Up, qt.Equals, uint64(1))
}

func TestUptimeDowntime(t *testing.T) {
	c := qt.New(t)
	h := newHarness(t, 10)
	h.start(server(cb.ProtoUDP, 53, app.Config{}))
	cfg := udpClient(1, 1, Rates{Open: 10, Close: 10})
	cfg.Client.Delays = Delays{Init: Delay(500 * time.Millisecond), Uptime: Delay(time.Second), Downtime: Delay(time.Second)}
	tc := h.start(cfg)

	c.Assert(tc.QueueLens()["to-init"], qt.Equals, 1)
	advance := func(d time.Duration) {
		for range d / (10 * time.Millisecond) {
			h.step(10*time.Millisecond, tc)
		}
	}
	advance(600 * time.Millisecond)
	c.Assert(tc.stats.Clients.Up, qt.Equals, uint64(1))
	b := h.lookup.Collect(func(b *cb.Block) bool { return b.Port == 0 })[0]
	c.Assert(b.TestState, qt.Equals, cb.TestClientOpen)

	advance(time.Second)
	c.Assert(b.TestState, qt.Equals, cb.TestClientClosed)
	c.Assert(tc.stats.Clients.Down, qt.Equals, uint64(1))
	c.Assert(tc.QueueLens()["closed"], qt.Equals, 1)

	advance(time.Second)
	c.Assert(b.TestState, qt.Equals, cb.TestClientOpen)
	c.Assert(tc.stats.Clients.Up, qt.Equals, uint64(2))
	r := tc.Rates()
	c.Assert(r.Established, qt.Equals, uint64(2))
	c.Assert(r.Closed, qt.Equals, uint64(1))
	c.Assert(tc.Rates().Established, qt.Equals, uint64(0))
}

func TestRequestResponse(t *testing.T) {
	for _, proto := range []cb.Proto{cb.ProtoTCP, cb.ProtoUDP} {
		t.Run(proto.String(), func(t *testing.T) {
			c := qt.New(t)
			h := newHarness(t, 10)
			a := app.Config{Kind: app.KindRaw, Raw: app.Raw{ReqSize: 100, RespSize: 300}}
			srv := h.start(server(proto, 80, a))
			tc := h.start(Config{
				Port:  0,
				TCID:  1,
				Role:  RoleClient,
				Proto: proto,
				Client: Client{
					Src:      single(cliIP),
					Dst:      single(srvIP),
					SrcPorts: PortRange{1000, 1000},
					DstPorts: PortRange{80, 80},
					Rates:    Rates{Open: 10, Send: pace.Unlimited},
					Delays:   Delays{Uptime: Infinite, Downtime: Infinite},
				},
				App:  a,
				Opts: cb.DefaultSockOpts(),
			})
			h.loop.RunUntilIdle(200)

			cs, ss := tc.Stats(), srv.Stats()
			c.Assert(cs.App.Requests >= 10, qt.IsTrue, qt.Commentf("requests %d", cs.App.Requests))
			c.Assert(ss.App.Requests >= cs.App.Responses, qt.IsTrue)
			c.Assert(cs.App.TxBytes, qt.Equals, 100*cs.App.Requests)
			c.Assert(cs.DataFailed, qt.Equals, uint64(0))
			c.Assert(cs.StartTime.IsZero(), qt.IsFalse)

			// Pulling clears the counters and keeps the start time.
			again := tc.Stats()
			c.Assert(again.Clients, qt.Equals, SideStats{})
			c.Assert(again.App.Requests, qt.Equals, uint64(0))
			c.Assert(again.StartTime, qt.Equals, cs.StartTime)

			h.stop(tc)
			h.stop(srv)
			c.Assert(h.lookup.Len(), qt.Equals, 0)
			c.Assert(h.tcp.Pool().InUse()+h.udp.Pool().InUse(), qt.Equals, 0)
		})
	}
}

func TestDispatch(t *testing.T) {
	tests := []struct {
		from      cb.TestState
		ev        event
		to        cb.TestState
		fromQueue string
		toQueue   string
	}{
		{cb.TestClientToInit, evTimer, cb.TestClientToOpen, "to-init", "to-open"},
		{cb.TestClientToOpen, evConnecting, cb.TestClientOpening, "to-open", ""},
		{cb.TestClientToOpen, evConnected, cb.TestClientOpen, "to-open", ""},
		{cb.TestClientOpening, evClosing, cb.TestClientClosing, "", ""},
		{cb.TestClientOpen, evSendStart, cb.TestClientSending, "", "to-send"},
		{cb.TestClientOpen, evTimer, cb.TestClientToClose, "", "to-close"},
		{cb.TestClientOpen, evNoSndWin, cb.TestClientOpen, "", ""},
		{cb.TestClientSending, evNoSndWin, cb.TestClientNoSndWin, "to-send", ""},
		{cb.TestClientSending, evSndWin, cb.TestClientSending, "to-send", "to-send"},
		{cb.TestClientSending, evSendStop, cb.TestClientOpen, "to-send", ""},
		{cb.TestClientSending, evTimer, cb.TestClientToClose, "to-send", "to-close"},
		{cb.TestClientSending, evClosing, cb.TestClientClosing, "to-send", ""},
		{cb.TestClientNoSndWin, evSndWin, cb.TestClientSending, "", "to-send"},
		{cb.TestClientNoSndWin, evSendStop, cb.TestClientOpen, "", ""},
		{cb.TestClientToClose, evSendStart, cb.TestClientToClose, "to-close", "to-close"},
		{cb.TestClientToClose, evClosing, cb.TestClientClosing, "to-close", ""},
		{cb.TestClientClosing, evClosed, cb.TestClientClosed, "", "closed"},
		{cb.TestClientClosed, evTimer, cb.TestClientToOpen, "closed", "to-open"},
		{cb.TestClientClosed, evPurge, cb.TestPurged, "closed", ""},
		{cb.TestPurged, evClosed, cb.TestPurged, "", ""},
		{cb.TestServerOpening, evConnected, cb.TestServerOpen, "", ""},
		{cb.TestServerOpen, evSendStart, cb.TestServerSending, "", "to-send"},
		{cb.TestServerSending, evNoSndWin, cb.TestServerNoSndWin, "to-send", ""},
		{cb.TestServerNoSndWin, evSndWin, cb.TestServerSending, "", "to-send"},
		{cb.TestServerSending, evClosing, cb.TestServerClosing, "to-send", ""},
		{cb.TestServerClosing, evClosed, cb.TestServerClosed, "", ""},
		{cb.TestListen, evPurge, cb.TestPurged, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			h := newHarness(t, 4)
			tc, err := New(udpClient(1, 1, Rates{}), h.env())
			if err != nil {
				t.Fatal(err)
			}
			b, _ := h.udp.Pool().Alloc()
			b.Flags = cb.FlagActive
			b.TestState = tt.from
			queues := map[string]*cb.Queue{}
			for _, q := range tc.queues() {
				queues[q.Name()] = q
			}
			if tt.fromQueue != "" {
				queues[tt.fromQueue].PushBack(b)
			}

			tc.dispatch(b, tt.ev)
			if b.TestState != tt.to {
				t.Errorf("state = %v; want %v", b.TestState, tt.to)
			}
			var got string
			if q := b.Queue(); q != nil {
				got = q.Name()
			}
			if got != tt.toQueue {
				t.Errorf("queue = %q; want %q", got, tt.toQueue)
			}
		})
	}
}
