// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"encoding/json"
	"net/netip"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"go4.org/netipx"
	"l4gen.dev/app"
	"l4gen.dev/cb"
	"l4gen.dev/pace"
	"l4gen.dev/testcase"
	"l4gen.dev/types/logger"
)

func TestLoadFile(t *testing.T) {
	c := qt.New(t)
	f, err := LoadFile("testdata/loopback.hujson")
	c.Assert(err, qt.IsNil)
	c.Assert(f.Version, qt.Equals, "v1")
	c.Assert(json.Valid(f.Std), qt.IsTrue)

	p := f.Parsed
	c.Assert(p.Workers, qt.Equals, 2)
	tcp, udp := p.Blocks()
	c.Assert(tcp, qt.Equals, 4096)
	c.Assert(udp, qt.Equals, 1024)

	ports, pool := p.BuildPorts(logger.Discard)
	c.Assert(ports, qt.HasLen, 2)
	c.Assert(pool, qt.Not(qt.IsNil))
	c.Assert(ports[0].Name, qt.Equals, "cli")
	c.Assert(ports[1].RSS, qt.IsTrue)
	c.Assert(ports[1].HasAddr(netip.MustParseAddr("10.0.0.2")), qt.IsTrue)
	gw, ok := ports[0].Route(netip.MustParseAddr("192.0.2.1"))
	c.Assert(ok, qt.IsTrue)
	c.Assert(gw, qt.Equals, netip.MustParseAddr("10.0.0.254"))

	c.Assert(p.Tests, qt.HasLen, 2)
	cli, err := p.Tests[1].TestCase()
	c.Assert(err, qt.IsNil)

	opts := cb.DefaultSockOpts()
	opts.WindowSize = 32768
	opts.RTO = 100 * time.Millisecond
	raw := app.Config{Kind: app.KindRaw, Raw: app.Raw{ReqSize: 100, RespSize: 1000}}
	want := testcase.Config{
		Port:  0,
		TCID:  1,
		Role:  testcase.RoleClient,
		Proto: cb.ProtoTCP,
		Client: testcase.Client{
			Src:      netipx.IPRangeFrom(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.1")),
			Dst:      netipx.IPRangeFrom(netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.2")),
			SrcPorts: testcase.PortRange{First: 10000, Last: 10999},
			DstPorts: testcase.PortRange{First: 80, Last: 80},
			Rates:    testcase.Rates{Open: 1000, Close: pace.Unlimited, Send: 10000},
			Delays: testcase.Delays{
				Init:     0,
				Uptime:   testcase.Delay(2500 * time.Millisecond),
				Downtime: testcase.Delay(500 * time.Millisecond),
			},
		},
		App:         raw,
		Opts:        opts,
		MaxBurst:    50,
		MinInterval: 1000,
	}
	if diff := cmp.Diff(want, cli, cmp.Comparer(func(a, b netipx.IPRange) bool { return a == b })); diff != "" {
		t.Errorf("client test case mismatch (-want +got):\n%s", diff)
	}

	srv, err := p.Tests[0].TestCase()
	c.Assert(err, qt.IsNil)
	c.Assert(srv.Role, qt.Equals, testcase.RoleServer)
	c.Assert(srv.Server.Ports, qt.Equals, testcase.PortRange{First: 80, Last: 80})
}

func TestClientDefaults(t *testing.T) {
	c := qt.New(t)
	f, err := Load([]byte(`{
		"version": "v1",
		"ports": [{"addrs": ["10.0.0.1/24"]}],
		"tests": [{
			"port": 0, "tcid": 9, "role": "client", "proto": "udp",
			"client": {"src": "10.0.0.1-10.0.0.4", "dst": "10.0.1.0/30", "sports": 1, "dports": "53"},
		}],
	}`))
	c.Assert(err, qt.IsNil)
	tc, err := f.Parsed.Tests[0].TestCase()
	c.Assert(err, qt.IsNil)
	c.Assert(tc.Client.Rates, qt.Equals, testcase.Rates{Open: pace.Unlimited, Close: pace.Unlimited, Send: pace.Unlimited})
	c.Assert(tc.Client.Delays, qt.Equals, testcase.Delays{Uptime: testcase.Infinite, Downtime: testcase.Infinite})
	c.Assert(tc.Client.Sessions(), qt.Equals, uint64(16))
	c.Assert(tc.Opts, qt.Equals, cb.DefaultSockOpts())

	tcp, udp := f.Parsed.Blocks()
	c.Assert(tcp, qt.Equals, DefaultTCPBlocks)
	c.Assert(udp, qt.Equals, DefaultUDPBlocks)
}

func TestCriteria(t *testing.T) {
	c := qt.New(t)
	f, err := Load([]byte(`{
		"version": "v1",
		"ports": [{"addrs": ["10.0.0.1/24"]}],
		"tests": [
			{
				"port": 0, "tcid": 1, "role": "client", "proto": "tcp",
				"client": {"src": "10.0.0.1", "dst": "10.0.0.2", "sports": "1-100", "dports": 80},
				"criteria": {"kind": "clients_established", "target": 100},
			},
			{
				"port": 0, "tcid": 2, "role": "server", "proto": "tcp",
				"server": {"ips": "10.0.0.2", "ports": 80},
				"criteria": {"kind": "run_time", "run_time": "90s"},
			},
		],
	}`))
	c.Assert(err, qt.IsNil)
	tests := f.Parsed.Tests

	tc, err := tests[0].TestCase()
	c.Assert(err, qt.IsNil)
	c.Assert(tc.Criteria, qt.Equals, testcase.Criteria{Kind: testcase.CritClientsEstablished, Target: 100})
	tc, err = tests[1].TestCase()
	c.Assert(err, qt.IsNil)
	c.Assert(tc.Criteria, qt.Equals, testcase.Criteria{Kind: testcase.CritRunTime, RunTime: 90 * time.Second})
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"syntax", `{"version": `, "HuJSON"},
		{"no-version", `{"ports": []}`, `no "version"`},
		{"bad-version", `{"version": "v9"}`, "unsupported"},
		{"no-ports", `{"version": "v1"}`, "no ports"},
		{"self-peer", `{"version": "v1", "ports": [{"peer": 0}]}`, "bad peer"},
		{"bad-rate", `{"version": "v1", "ports": [{}], "tests": [{"role": "client", "proto": "tcp",
			"client": {"src": "1.1.1.1", "dst": "1.1.1.2", "sports": 1, "dports": 2, "rates": {"open": "fast"}}}]}`, "rate"},
		{"bad-delay", `{"version": "v1", "ports": [{}], "tests": [{"role": "client", "proto": "tcp",
			"client": {"src": "1.1.1.1", "dst": "1.1.1.2", "sports": 1, "dports": 2, "delays": {"uptime": "soon"}}}]}`, "delay"},
		{"ipv6", `{"version": "v1", "ports": [{}], "tests": [{"role": "server", "proto": "tcp",
			"server": {"ips": "::1", "ports": 80}}]}`, "IPv4"},
		{"bad-ports", `{"version": "v1", "ports": [{}], "tests": [{"role": "server", "proto": "tcp",
			"server": {"ips": "1.1.1.1", "ports": "90-80"}}]}`, "empty range"},
		{"bad-proto", `{"version": "v1", "ports": [{}], "tests": [{"role": "server", "proto": "sctp",
			"server": {"ips": "1.1.1.1", "ports": 80}}]}`, "invalid proto"},
		{"infinite-criteria", `{"version": "v1", "ports": [{}], "tests": [{"role": "server", "proto": "tcp",
			"server": {"ips": "1.1.1.1", "ports": 80}, "criteria": {"kind": "run_time", "run_time": "infinite"}}]}`, "infinite run time"},
		{"server-criteria", `{"version": "v1", "ports": [{}], "tests": [{"role": "server", "proto": "udp",
			"server": {"ips": "1.1.1.1", "ports": 53}, "criteria": {"kind": "clients_up", "target": 1}}]}`, "clients_up criteria on a server"},
		{"no-client", `{"version": "v1", "ports": [{}], "tests": [{"role": "client", "proto": "tcp"}]}`, `without "client"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load([]byte(tt.in))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestValueJSON(t *testing.T) {
	c := qt.New(t)
	var v struct {
		R Rate  `json:"r"`
		D Delay `json:"d"`
		P Ports `json:"p"`
		A Range `json:"a"`
	}
	c.Assert(json.Unmarshal([]byte(`{"r":"unlimited","d":"infinite","p":"1-9","a":"10.0.0.0/31"}`), &v), qt.IsNil)
	c.Assert(v.R.Rate, qt.Equals, pace.Unlimited)
	c.Assert(v.D.Delay, qt.Equals, testcase.Infinite)
	c.Assert(v.P.PortRange, qt.Equals, testcase.PortRange{First: 1, Last: 9})
	c.Assert(v.A.To(), qt.Equals, netip.MustParseAddr("10.0.0.1"))

	b, err := json.Marshal(v)
	c.Assert(err, qt.IsNil)
	c.Assert(string(b), qt.Equals, `{"r":"unlimited","d":"infinite","p":"1-9","a":"10.0.0.0-10.0.0.1"}`)

	v.R.Rate, v.D.Delay, v.P.Last = 5, testcase.Delay(1500*time.Millisecond), 1
	v.A.IPRange = netipx.IPRangeFrom(v.A.From(), v.A.From())
	b, err = json.Marshal(v)
	c.Assert(err, qt.IsNil)
	c.Assert(string(b), qt.Equals, `{"r":5,"d":1.5,"p":1,"a":"10.0.0.0"}`)
}
