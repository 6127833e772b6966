// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tuple defines the transport 4-tuple that identifies a session
// and the hash used to route sessions to workers and lookup buckets.
package tuple

import (
	"fmt"
	"net/netip"
)

// Tuple is a session's endpoints, seen from the local side.
//
// A listening session has an invalid Remote address and a zero
// RemotePort.
type Tuple struct {
	Local      netip.Addr
	Remote     netip.Addr
	LocalPort  uint16
	RemotePort uint16
}

// IsWildcard reports whether t matches any remote endpoint.
func (t Tuple) IsWildcard() bool {
	return !t.Remote.IsValid() && t.RemotePort == 0
}

// Is4 reports whether both addresses (where set) are IPv4.
func (t Tuple) Is4() bool {
	if !t.Local.Is4() {
		return false
	}
	return !t.Remote.IsValid() || t.Remote.Is4()
}

// Reverse returns t seen from the other side.
func (t Tuple) Reverse() Tuple {
	return Tuple{
		Local:      t.Remote,
		Remote:     t.Local,
		LocalPort:  t.RemotePort,
		RemotePort: t.LocalPort,
	}
}

// Listener returns the wildcard tuple a listener for t's local endpoint
// is registered under.
func (t Tuple) Listener() Tuple {
	return Tuple{Local: t.Local, LocalPort: t.LocalPort}
}

func (t Tuple) String() string {
	r := "*"
	if t.Remote.IsValid() {
		r = t.Remote.String()
	}
	return fmt.Sprintf("%s:%d > %s:%d", t.Local, t.LocalPort, r, t.RemotePort)
}

// Hash returns the session hash of t. It is symmetric: a tuple and its
// Reverse hash to the same value, so both directions of a session land
// on the same worker.
func (t Tuple) Hash() uint32 {
	return Hash(addr4(t.Local), addr4(t.Remote), t.LocalPort, t.RemotePort)
}

// Hash mixes an IPv4 address/port pair into a 32-bit value. The
// arguments are combined with commutative operations first so that
// swapping the endpoints yields the same hash.
func Hash(a, b uint32, pa, pb uint16) uint32 {
	x := (a ^ b) + (a + b)
	p := uint32(pa^pb)<<16 | uint32(pa+pb)
	return fmix32(x*0x9e3779b1 ^ p)
}

// fmix32 is the murmur3 finalizer.
func fmix32(h uint32) uint32 {
	h ^= h >> 16
	h *= 0x85ebca6b
	h ^= h >> 13
	h *= 0xc2b2ae35
	h ^= h >> 16
	return h
}

func addr4(a netip.Addr) uint32 {
	if !a.IsValid() || !a.Is4() {
		return 0
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Addr4 returns a as a big-endian uint32, or 0 if a is not IPv4.
func Addr4(a netip.Addr) uint32 { return addr4(a) }
