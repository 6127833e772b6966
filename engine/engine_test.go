// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go4.org/netipx"
	"l4gen.dev/cb"
	"l4gen.dev/netif"
	"l4gen.dev/pace"
	"l4gen.dev/pktbuf"
	"l4gen.dev/testcase"
	"l4gen.dev/tstest"
	"l4gen.dev/types/logger"
)

var (
	cliIP = netip.MustParseAddr("10.2.0.1")
	srvIP = netip.MustParseAddr("10.2.0.2")
)

// newEngine returns a running engine with two workers and two looped
// ports: clients on port 0, servers on port 1.
func newEngine(t *testing.T, opts ...func(*Config)) *Engine {
	tstest.ResourceCheck(t)
	bufs := pktbuf.NewPool(0, 1<<14)
	p0 := netif.New(netif.Config{Index: 0}, bufs, logger.Discard)
	p1 := netif.New(netif.Config{Index: 1, RSS: true}, bufs, logger.Discard)
	p0.AddAddr(netip.PrefixFrom(cliIP, 24))
	p1.AddAddr(netip.PrefixFrom(srvIP, 24))
	netif.Loopback(p0, p1)
	cfg := Config{
		Workers:   2,
		Ports:     []*netif.Port{p0, p1},
		Buffers:   bufs,
		TCPBlocks: 256,
		UDPBlocks: 256,
		Logf:      logger.TestLogger(t),
	}
	for _, o := range opts {
		o(&cfg)
	}
	e := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return e
}

func one(a netip.Addr) netipx.IPRange { return netipx.IPRangeFrom(a, a) }

func client(proto cb.Proto, sessions uint16) testcase.Config {
	return testcase.Config{
		Port:  0,
		TCID:  1,
		Role:  testcase.RoleClient,
		Proto: proto,
		Client: testcase.Client{
			Src:      one(cliIP),
			Dst:      one(srvIP),
			SrcPorts: testcase.PortRange{First: 10000, Last: 10000 + sessions - 1},
			DstPorts: testcase.PortRange{First: 80, Last: 80},
			Rates:    testcase.Rates{Open: pace.Unlimited},
			Delays:   testcase.Delays{Uptime: testcase.Infinite, Downtime: testcase.Infinite},
		},
		Opts: cb.DefaultSockOpts(),
	}
}

func server(proto cb.Proto) testcase.Config {
	return testcase.Config{
		Port:   1,
		TCID:   1,
		Role:   testcase.RoleServer,
		Proto:  proto,
		Server: testcase.Server{IPs: one(srvIP), Ports: testcase.PortRange{First: 80, Last: 80}},
		Opts:   cb.DefaultSockOpts(),
	}
}

// waitEstablished pulls stats until want client sessions are established
// and returns the accumulated stats.
func waitEstablished(t *testing.T, e *Engine, k Key, want uint64) testcase.Stats {
	t.Helper()
	ctx := context.Background()
	var total testcase.Stats
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		s, err := e.Stats(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		total.Add(&s)
		if total.Clients.Established >= want {
			return total
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("established %d of %d sessions", total.Clients.Established, want)
	return total
}

func TestEngineTCP(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e := newEngine(t)
	srv := Key{Port: 1, TCID: 1}
	cli := Key{Port: 0, TCID: 1}

	c.Assert(e.Configure(ctx, server(cb.ProtoTCP)), qt.IsNil)
	c.Assert(e.Configure(ctx, client(cb.ProtoTCP, 100)), qt.IsNil)
	_, err := e.Start(ctx, srv)
	c.Assert(err, qt.IsNil)
	id, err := e.Start(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(id, qt.Not(qt.Equals), uuid.Nil)

	total := waitEstablished(t, e, cli, 100)
	c.Assert(total.Clients.Up, qt.Equals, uint64(100))
	c.Assert(total.StartTime.IsZero(), qt.IsFalse)

	st, err := e.State(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(st.State, qt.Equals, "running")
	c.Assert(st.RunID, qt.Equals, id)
	c.Assert(st.Queues["to-open"], qt.Equals, 0)
	c.Assert(st.Workers, qt.DeepEquals, []testcase.RunState{testcase.Running, testcase.Running})

	// Sessions are spread over both workers.
	cs, err := e.Counters(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(cs, qt.HasLen, 2)
	for i, w := range cs {
		c.Assert(w.Sessions > 2, qt.IsTrue, qt.Commentf("worker %d has %d sessions", i, w.Sessions))
	}

	c.Assert(e.Stop(ctx, cli), qt.IsNil)
	c.Assert(e.Stop(ctx, srv), qt.IsNil)
	cs, err = e.Counters(ctx)
	c.Assert(err, qt.IsNil)
	for _, w := range cs {
		c.Assert(w.Sessions, qt.Equals, 0)
	}
	st, err = e.State(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(st.State, qt.Equals, "idle")
	c.Assert(st.Queues, qt.DeepEquals, map[string]int{
		"to-init": 0, "to-open": 0, "to-close": 0, "to-send": 0, "closed": 0,
	})

	c.Assert(e.Delete(ctx, cli), qt.IsNil)
	c.Assert(e.Delete(ctx, srv), qt.IsNil)
	c.Assert(e.List(), qt.HasLen, 0)
}

func TestEngineUDPRates(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e := newEngine(t)
	cli := Key{Port: 0, TCID: 1}
	c.Assert(e.Configure(ctx, server(cb.ProtoUDP)), qt.IsNil)
	c.Assert(e.Configure(ctx, client(cb.ProtoUDP, 50)), qt.IsNil)
	_, err := e.Start(ctx, Key{Port: 1, TCID: 1})
	c.Assert(err, qt.IsNil)
	_, err = e.Start(ctx, cli)
	c.Assert(err, qt.IsNil)
	waitEstablished(t, e, cli, 50)

	r, err := e.Rates(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Established, qt.Equals, uint64(50))
	c.Assert(r.End.After(r.Start), qt.IsTrue)
	r, err = e.Rates(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(r.Established, qt.Equals, uint64(0))
	c.Assert(e.StopAll(ctx), qt.IsNil)
}

func TestEngineErrors(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e := newEngine(t)
	k := Key{Port: 1, TCID: 1}

	is := func(err, target error) {
		t.Helper()
		c.Assert(errors.Is(err, target), qt.IsTrue, qt.Commentf("got %v, want %v", err, target))
	}

	_, err := e.Start(ctx, k)
	is(err, ErrNotFound)
	is(e.Stop(ctx, k), ErrNotFound)
	is(e.Delete(ctx, k), ErrNotFound)
	_, err = e.Stats(ctx, k)
	is(err, ErrNotFound)

	bad := server(cb.ProtoTCP)
	bad.Port = 5
	is(e.Configure(ctx, bad), ErrBadPort)
	bad = server(cb.ProtoTCP)
	bad.Server.Ports = testcase.PortRange{First: 9, Last: 8}
	is(e.Configure(ctx, bad), ErrInvalid)

	c.Assert(e.Configure(ctx, server(cb.ProtoTCP)), qt.IsNil)
	is(e.Configure(ctx, server(cb.ProtoTCP)), ErrExists)
	is(e.Stop(ctx, k), ErrNotRunning)

	_, err = e.Start(ctx, k)
	c.Assert(err, qt.IsNil)
	_, err = e.Start(ctx, k)
	is(err, ErrRunning)
	is(e.Delete(ctx, k), ErrRunning)

	c.Assert(e.Stop(ctx, k), qt.IsNil)
	c.Assert(e.Delete(ctx, k), qt.IsNil)
}

func TestCollector(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e := newEngine(t)
	c.Assert(e.Configure(ctx, server(cb.ProtoTCP)), qt.IsNil)
	c.Assert(e.Configure(ctx, client(cb.ProtoTCP, 20)), qt.IsNil)
	_, err := e.Start(ctx, Key{Port: 1, TCID: 1})
	c.Assert(err, qt.IsNil)
	_, err = e.Start(ctx, Key{Port: 0, TCID: 1})
	c.Assert(err, qt.IsNil)
	waitEstablished(t, e, Key{Port: 0, TCID: 1}, 20)

	reg := prometheus.NewRegistry()
	reg.MustRegister(e)
	mfs, err := reg.Gather()
	c.Assert(err, qt.IsNil)
	got := make(map[string]bool)
	for _, mf := range mfs {
		got[mf.GetName()] = true
	}
	for _, name := range []string{
		"l4gen_testcase_running",
		"l4gen_testcase_sessions_total",
		"l4gen_core_sessions",
		"l4gen_port_packets_total",
		"l4gen_tcp_packets_total",
	} {
		c.Assert(got[name], qt.IsTrue, qt.Commentf("missing %s", name))
	}
	c.Assert(e.StopAll(ctx), qt.IsNil)
}

// waitRates sums Rates until want client sessions are established,
// leaving the session counters of Stats untouched.
func waitRates(t *testing.T, e *Engine, k Key, want uint64) {
	t.Helper()
	var got uint64
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		r, err := e.Rates(context.Background(), k)
		if err != nil {
			t.Fatal(err)
		}
		got += r.Established
		if got >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("established %d of %d sessions", got, want)
}

func TestStatsKeptOnLateWorker(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e := newEngine(t)
	cli := Key{Port: 0, TCID: 1}
	c.Assert(e.Configure(ctx, server(cb.ProtoUDP)), qt.IsNil)
	c.Assert(e.Configure(ctx, client(cb.ProtoUDP, 64)), qt.IsNil)
	_, err := e.Start(ctx, Key{Port: 1, TCID: 1})
	c.Assert(err, qt.IsNil)
	_, err = e.Start(ctx, cli)
	c.Assert(err, qt.IsNil)
	waitRates(t, e, cli, 64)

	release := make(chan struct{})
	stalled := make(chan struct{})
	go e.workers[1].Do(ctx, func() {
		close(stalled)
		<-release
	})
	<-stalled

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	_, err = e.Stats(tctx, cli)
	cancel()
	c.Assert(errors.Is(err, context.DeadlineExceeded), qt.IsTrue, qt.Commentf("got %v", err))
	close(release)

	s, err := e.Stats(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Clients.Established, qt.Equals, uint64(64))
	c.Assert(s.Clients.Up, qt.Equals, uint64(64))

	s, err = e.Stats(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Clients.Established, qt.Equals, uint64(0))
	c.Assert(e.StopAll(ctx), qt.IsNil)
}

// checkUntil runs Check until k has a result.
func checkUntil(t *testing.T, e *Engine, k Key) Status {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := e.Check(ctx); err != nil {
			t.Fatal(err)
		}
		st, err := e.State(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		if st.Result != testcase.ResultNone {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%v: no result", k)
	return Status{}
}

func TestCriteria(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	e := newEngine(t, func(c *Config) { c.CheckInterval = time.Hour })
	srv := Key{Port: 1, TCID: 1}
	cli := Key{Port: 0, TCID: 1}

	scfg := server(cb.ProtoUDP)
	scfg.Criteria = testcase.Criteria{Kind: testcase.CritServersUp, Target: 1}
	c.Assert(e.Configure(ctx, scfg), qt.IsNil)
	ccfg := client(cb.ProtoUDP, 20)
	ccfg.Criteria = testcase.Criteria{Kind: testcase.CritClientsEstablished, Target: 20}
	c.Assert(e.Configure(ctx, ccfg), qt.IsNil)

	_, err := e.Start(ctx, srv)
	c.Assert(err, qt.IsNil)
	st := checkUntil(t, e, srv)
	c.Assert(st.Result, qt.Equals, testcase.ResultPassed)
	c.Assert(st.State, qt.Equals, "running")

	_, err = e.Start(ctx, cli)
	c.Assert(err, qt.IsNil)
	st = checkUntil(t, e, cli)
	c.Assert(st.Result, qt.Equals, testcase.ResultPassed)
	c.Assert(st.State, qt.Equals, "idle")

	// The counters pulled by the checks still reach Stats.
	s, err := e.Stats(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(s.Clients.Established, qt.Equals, uint64(20))

	// A new run starts undecided.
	_, err = e.Start(ctx, cli)
	c.Assert(err, qt.IsNil)
	st, err = e.State(ctx, cli)
	c.Assert(err, qt.IsNil)
	c.Assert(st.Result, qt.Equals, testcase.ResultNone)
	c.Assert(e.StopAll(ctx), qt.IsNil)
}

func TestCriteriaFail(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	var (
		mu    sync.Mutex
		lines []string
	)
	e := newEngine(t, func(c *Config) {
		c.MaxRunTime = time.Nanosecond
		c.CheckInterval = time.Hour
		c.Logf = func(format string, args ...any) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, fmt.Sprintf(format, args...))
		}
	})
	cli := Key{Port: 0, TCID: 1}
	ccfg := client(cb.ProtoUDP, 10)
	ccfg.Criteria = testcase.Criteria{Kind: testcase.CritClientsEstablished, Target: 1000}
	c.Assert(e.Configure(ctx, server(cb.ProtoUDP)), qt.IsNil)
	c.Assert(e.Configure(ctx, ccfg), qt.IsNil)
	_, err := e.Start(ctx, Key{Port: 1, TCID: 1})
	c.Assert(err, qt.IsNil)
	_, err = e.Start(ctx, cli)
	c.Assert(err, qt.IsNil)
	time.Sleep(time.Millisecond)

	st := checkUntil(t, e, cli)
	c.Assert(st.Result, qt.Equals, testcase.ResultFailed)
	c.Assert(st.State, qt.Equals, "idle")
	c.Assert(e.StopAll(ctx), qt.IsNil)

	mu.Lock()
	defer mu.Unlock()
	c.Assert(lines, qt.Contains, "engine: "+cli.String()+" failed")
	for _, l := range lines {
		if strings.Contains(l, "engine: engine: ") {
			t.Errorf("doubled prefix: %q", l)
		}
	}
}
