// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads the l4gen configuration file: the ports, the
// resource sizes and the test cases to configure at startup.
//
// The file is HuJSON (JSON with comments and trailing commas).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/tailscale/hujson"
	"l4gen.dev/app"
	"l4gen.dev/cb"
	"l4gen.dev/netif"
	"l4gen.dev/pace"
	"l4gen.dev/pktbuf"
	"l4gen.dev/testcase"
	"l4gen.dev/types/logger"
)

const v1 = "v1"

// File is a loaded config file.
type File struct {
	Raw     []byte // raw bytes, in HuJSON form
	Std     []byte // standardized JSON form
	Version string // "v1"

	Parsed V1
}

// V1 is version 1 of the config format.
type V1 struct {
	Version string `json:"version"`

	// Workers is the number of cores. Zero selects one per CPU.
	Workers int `json:"workers,omitempty"`

	// Resource sizes. Blocks are per worker, buffers shared.
	TCPBlocks int `json:"tcp_blocks,omitempty"`
	UDPBlocks int `json:"udp_blocks,omitempty"`
	Buffers   int `json:"buffers,omitempty"`

	Ports []Port `json:"ports"`
	Tests []Test `json:"tests,omitempty"`
}

// Defaults for the resource sizes.
const (
	DefaultTCPBlocks = 1 << 16
	DefaultUDPBlocks = 1 << 16
	DefaultBuffers   = 1 << 18
)

// Port describes one port.
type Port struct {
	Name   string         `json:"name,omitempty"`
	Addrs  []netip.Prefix `json:"addrs"`
	Routes []Route        `json:"routes,omitempty"`
	// Peer is the index of the port this one is looped back to.
	Peer *int `json:"peer,omitempty"`

	RSS           bool `json:"rss,omitempty"`
	TxCsumOffload bool `json:"tx_csum_offload,omitempty"`
	RxCsumOffload bool `json:"rx_csum_offload,omitempty"`
}

// Route is a static route. A missing gateway means on-link.
type Route struct {
	Dst     netip.Prefix `json:"dst"`
	Gateway netip.Addr   `json:"gw,omitzero"`
}

// Test describes one test case.
type Test struct {
	Port  int    `json:"port"`
	TCID  uint32 `json:"tcid"`
	Role  string `json:"role"`  // "client" or "server"
	Proto string `json:"proto"` // "tcp" or "udp"

	Client *Client    `json:"client,omitempty"`
	Server *Server    `json:"server,omitempty"`
	App    app.Config `json:"app,omitzero"`
	Opts   *SockOpts  `json:"opts,omitempty"`

	MaxBurst      uint32 `json:"max_burst,omitempty"`
	MinIntervalUS uint32 `json:"min_interval_us,omitempty"`
	Trace         bool   `json:"trace,omitempty"`

	Criteria *Criteria `json:"criteria,omitempty"`
}

// Criteria decide when a run of a test passes. A missing criteria runs
// the test until it is stopped.
type Criteria struct {
	Kind    testcase.CriteriaKind `json:"kind"`
	RunTime *Delay                `json:"run_time,omitempty"`
	// Target is a session count, or megabytes for "data_mb_sent".
	Target uint64 `json:"target,omitempty"`
}

func (c *Criteria) testcase() (testcase.Criteria, error) {
	if c == nil {
		return testcase.Criteria{}, nil
	}
	out := testcase.Criteria{Kind: c.Kind, Target: c.Target}
	if c.RunTime != nil {
		if c.RunTime.Delay == testcase.Infinite {
			return out, errors.New("criteria: infinite run time")
		}
		out.RunTime = c.RunTime.Duration()
	}
	return out, nil
}

// Client is the client part of a test.
type Client struct {
	Src      Range `json:"src"`
	Dst      Range `json:"dst"`
	SrcPorts Ports `json:"sports"`
	DstPorts Ports `json:"dports"`

	// Missing rates are unlimited.
	Rates struct {
		Open  *Rate `json:"open,omitempty"`
		Close *Rate `json:"close,omitempty"`
		Send  *Rate `json:"send,omitempty"`
	} `json:"rates"`
	// A missing init delay is zero; missing uptime and downtime are
	// infinite.
	Delays struct {
		Init     *Delay `json:"init,omitempty"`
		Uptime   *Delay `json:"uptime,omitempty"`
		Downtime *Delay `json:"downtime,omitempty"`
	} `json:"delays"`
}

// Server is the server part of a test.
type Server struct {
	IPs   Range `json:"ips"`
	Ports Ports `json:"ports"`
}

// SockOpts override cb.DefaultSockOpts.
type SockOpts struct {
	TOS           *uint8  `json:"tos,omitempty"`
	TTL           *uint8  `json:"ttl,omitempty"`
	MTU           *uint16 `json:"mtu,omitempty"`
	WindowSize    *uint32 `json:"window,omitempty"`
	SynRetries    *uint8  `json:"syn_retries,omitempty"`
	SynAckRetries *uint8  `json:"synack_retries,omitempty"`
	DataRetries   *uint8  `json:"data_retries,omitempty"`
	RTO           *Delay  `json:"rto,omitempty"`
	TimeWait      *Delay  `json:"time_wait,omitempty"`
	SkipTimeWait  *bool   `json:"skip_time_wait,omitempty"`
}

// Load parses a config file.
func Load(raw []byte) (f File, err error) {
	f.Raw = raw
	f.Std, err = hujson.Standardize(raw)
	if err != nil {
		return f, fmt.Errorf("error parsing config as HuJSON/JSON: %w", err)
	}
	if err := json.Unmarshal(f.Std, &f.Parsed); err != nil {
		return f, fmt.Errorf("error parsing config: %w", err)
	}
	switch f.Parsed.Version {
	case "":
		return f, errors.New("error parsing config: no \"version\" field provided")
	case v1:
		f.Version = v1
	default:
		return f, fmt.Errorf("error parsing config: unsupported \"version\" value %q; want %q", f.Parsed.Version, v1)
	}
	if err := f.Parsed.validate(); err != nil {
		return f, fmt.Errorf("error parsing config: %w", err)
	}
	return f, nil
}

// LoadFile reads and parses the config file at path.
func LoadFile(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Load(raw)
}

func (c *V1) validate() error {
	if len(c.Ports) == 0 {
		return errors.New("no ports")
	}
	for i, p := range c.Ports {
		if p.Peer != nil && (*p.Peer < 0 || *p.Peer >= len(c.Ports) || *p.Peer == i) {
			return fmt.Errorf("port %d: bad peer %d", i, *p.Peer)
		}
	}
	for i := range c.Tests {
		if _, err := c.Tests[i].TestCase(); err != nil {
			return fmt.Errorf("test %d: %w", i, err)
		}
	}
	return nil
}

// sizes returns the resource sizes with defaults applied.
func (c *V1) sizes() (tcp, udp, bufs int) {
	tcp, udp, bufs = c.TCPBlocks, c.UDPBlocks, c.Buffers
	if tcp == 0 {
		tcp = DefaultTCPBlocks
	}
	if udp == 0 {
		udp = DefaultUDPBlocks
	}
	if bufs == 0 {
		bufs = DefaultBuffers
	}
	return tcp, udp, bufs
}

// Blocks returns the per worker TCP and UDP control block pool sizes.
func (c *V1) Blocks() (tcp, udp int) {
	tcp, udp, _ = c.sizes()
	return tcp, udp
}

// BuildPorts creates the ports c describes, allocating frames from a new
// pool, and wires the loopback peers.
func (c *V1) BuildPorts(logf logger.Logf) ([]*netif.Port, *pktbuf.Pool) {
	_, _, n := c.sizes()
	pool := pktbuf.NewPool(0, n)
	ports := make([]*netif.Port, len(c.Ports))
	for i, pc := range c.Ports {
		p := netif.New(netif.Config{
			Index:         i,
			Name:          pc.Name,
			RSS:           pc.RSS,
			TxCsumOffload: pc.TxCsumOffload,
			RxCsumOffload: pc.RxCsumOffload,
		}, pool, logf)
		for _, a := range pc.Addrs {
			p.AddAddr(a)
		}
		for _, r := range pc.Routes {
			p.AddRoute(r.Dst, r.Gateway)
		}
		ports[i] = p
	}
	for i, pc := range c.Ports {
		if pc.Peer != nil && *pc.Peer > i {
			netif.Loopback(ports[i], ports[*pc.Peer])
		}
	}
	return ports, pool
}

// TestCase converts t to a testcase.Config and validates it.
func (t *Test) TestCase() (testcase.Config, error) {
	cfg := testcase.Config{
		Port:        t.Port,
		TCID:        t.TCID,
		App:         t.App,
		Opts:        t.Opts.apply(cb.DefaultSockOpts()),
		MaxBurst:    t.MaxBurst,
		MinInterval: t.MinIntervalUS,
		Trace:       t.Trace,
	}
	crit, err := t.Criteria.testcase()
	if err != nil {
		return cfg, err
	}
	cfg.Criteria = crit
	switch t.Proto {
	case "tcp":
		cfg.Proto = cb.ProtoTCP
	case "udp":
		cfg.Proto = cb.ProtoUDP
	default:
		return cfg, fmt.Errorf("invalid proto %q", t.Proto)
	}
	switch t.Role {
	case "client":
		if t.Client == nil {
			return cfg, errors.New("client test without \"client\"")
		}
		cfg.Role = testcase.RoleClient
		cfg.Client = t.Client.testcase()
	case "server":
		if t.Server == nil {
			return cfg, errors.New("server test without \"server\"")
		}
		cfg.Role = testcase.RoleServer
		cfg.Server = testcase.Server{
			IPs:   t.Server.IPs.IPRange,
			Ports: t.Server.Ports.PortRange,
		}
	default:
		return cfg, fmt.Errorf("invalid role %q", t.Role)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Client) testcase() testcase.Client {
	return testcase.Client{
		Src:      c.Src.IPRange,
		Dst:      c.Dst.IPRange,
		SrcPorts: c.SrcPorts.PortRange,
		DstPorts: c.DstPorts.PortRange,
		Rates: testcase.Rates{
			Open:  c.Rates.Open.or(pace.Unlimited),
			Close: c.Rates.Close.or(pace.Unlimited),
			Send:  c.Rates.Send.or(pace.Unlimited),
		},
		Delays: testcase.Delays{
			Init:     c.Delays.Init.or(0),
			Uptime:   c.Delays.Uptime.or(testcase.Infinite),
			Downtime: c.Delays.Downtime.or(testcase.Infinite),
		},
	}
}

func (o *SockOpts) apply(d cb.SockOpts) cb.SockOpts {
	if o == nil {
		return d
	}
	set := func(dst *uint8, v *uint8) {
		if v != nil {
			*dst = *v
		}
	}
	set(&d.TOS, o.TOS)
	set(&d.TTL, o.TTL)
	set(&d.SynRetries, o.SynRetries)
	set(&d.SynAckRetries, o.SynAckRetries)
	set(&d.DataRetries, o.DataRetries)
	if o.MTU != nil {
		d.MTU = *o.MTU
	}
	if o.WindowSize != nil {
		d.WindowSize = *o.WindowSize
	}
	if o.RTO != nil && o.RTO.Delay > 0 {
		d.RTO = o.RTO.Duration()
	}
	if o.TimeWait != nil && o.TimeWait.Delay >= 0 {
		d.TimeWaitTimeout = o.TimeWait.Duration()
	}
	if o.SkipTimeWait != nil {
		d.SkipTimeWait = *o.SkipTimeWait
	}
	return d
}
