// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package testcase

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"go4.org/netipx"
	"l4gen.dev/app"
	"l4gen.dev/cb"
	"l4gen.dev/pace"
	"l4gen.dev/types/tuple"
)

// Role is the side of the sessions a test case runs.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Delay is a session life cycle delay. Infinite disables the timer that
// would end it.
type Delay time.Duration

// Infinite is the Delay that never expires.
const Infinite Delay = -1

func (d Delay) String() string {
	if d == Infinite {
		return "infinite"
	}
	return time.Duration(d).String()
}

// PortRange is an inclusive range of transport ports.
type PortRange struct {
	First, Last uint16
}

// Len returns the number of ports in r.
func (r PortRange) Len() uint64 {
	if r.Last < r.First {
		return 0
	}
	return uint64(r.Last-r.First) + 1
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// Rates are the targets of the three rate categories, in events per
// second across all workers.
type Rates struct {
	Open  pace.Rate
	Close pace.Rate
	Send  pace.Rate
}

// Delays are the client session life cycle delays.
type Delays struct {
	Init     Delay // before the first open
	Uptime   Delay // from established to close
	Downtime Delay // from closed to reopen
}

// Client describes the sessions a client test case opens: one per
// element of Src × Dst × SrcPorts × DstPorts.
type Client struct {
	Src, Dst           netipx.IPRange
	SrcPorts, DstPorts PortRange
	Rates              Rates
	Delays             Delays
}

// Sessions returns the number of sessions c describes across all
// workers.
func (c Client) Sessions() uint64 {
	return rangeLen(c.Src) * rangeLen(c.Dst) * c.SrcPorts.Len() * c.DstPorts.Len()
}

// Server describes the listeners of a server test case: one per element
// of IPs × Ports.
type Server struct {
	IPs   netipx.IPRange
	Ports PortRange
}

// Config is the configuration of one test case on one port.
type Config struct {
	Port  int
	TCID  uint32
	Role  Role
	Proto cb.Proto

	Client Client
	Server Server
	App    app.Config
	Opts   cb.SockOpts

	// MaxBurst bounds the work of a single run. Zero selects a default
	// per protocol.
	MaxBurst uint32
	// MinInterval is the smallest rate interval in microseconds. Zero
	// selects pace.DefaultMinInterval.
	MinInterval uint32
	// Trace sets cb.FlagTrace on every session.
	Trace bool

	// Criteria decide when a run passes. The engine evaluates them.
	Criteria Criteria
}

// Default burst sizes.
const (
	DefaultTCPBurst = 1
	DefaultUDPBurst = 16
)

func (c *Config) burst() uint32 {
	if c.MaxBurst != 0 {
		return c.MaxBurst
	}
	if c.Proto == cb.ProtoUDP {
		return DefaultUDPBurst
	}
	return DefaultTCPBurst
}

var errNoSessions = errors.New("testcase: empty client ranges")

// Validate reports whether c can be run.
func (c *Config) Validate() error {
	if c.Proto != cb.ProtoTCP && c.Proto != cb.ProtoUDP {
		return fmt.Errorf("testcase: invalid protocol %v", c.Proto)
	}
	if err := c.App.Validate(); err != nil {
		return err
	}
	switch c.Role {
	case RoleClient:
		for _, r := range []netipx.IPRange{c.Client.Src, c.Client.Dst} {
			if !r.IsValid() || !r.From().Is4() {
				return fmt.Errorf("testcase: invalid IPv4 range %v", r)
			}
		}
		if c.Client.Sessions() == 0 {
			return errNoSessions
		}
	case RoleServer:
		if !c.Server.IPs.IsValid() || !c.Server.IPs.From().Is4() {
			return fmt.Errorf("testcase: invalid IPv4 range %v", c.Server.IPs)
		}
		if c.Server.Ports.Len() == 0 {
			return fmt.Errorf("testcase: empty server port range %v", c.Server.Ports)
		}
	default:
		return fmt.Errorf("testcase: invalid role %d", c.Role)
	}
	return c.Criteria.validate(c.Role)
}

func rangeLen(r netipx.IPRange) uint64 {
	if !r.IsValid() || !r.From().Is4() {
		return 0
	}
	return uint64(tuple.Addr4(r.To())-tuple.Addr4(r.From())) + 1
}

// forEachAddr calls f for every address of r in order.
func forEachAddr(r netipx.IPRange, f func(netip.Addr)) {
	for a := r.From(); a.IsValid(); a = a.Next() {
		f(a)
		if a == r.To() {
			return
		}
	}
}

func forEachPort(r PortRange, f func(uint16)) {
	if r.Len() == 0 {
		return
	}
	for p := r.First; ; p++ {
		f(p)
		if p == r.Last {
			return
		}
	}
}
