// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package netif models the ports frames are sent and received on.
//
// A Port owns a set of local addresses and a route table. Transmitted
// frames leave through the port's wire; received frames are handed to the
// receiver installed by the engine, which steers them to the worker that
// owns the session.
package netif

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaissmai/bart"
	"l4gen.dev/net/packet"
	"l4gen.dev/pktbuf"
	"l4gen.dev/types/logger"
)

var (
	ErrNoRoute = errors.New("netif: no route to host")
	ErrNoWire  = errors.New("netif: port not connected")
)

// Receiver consumes a frame received on a port. It takes ownership of b.
type Receiver func(b *pktbuf.Buf)

// Config describes a port.
type Config struct {
	Index int
	Name  string

	// TxCsumOffload makes the port fill in IPv4 and transport checksums
	// on transmit, so senders may leave them unset.
	TxCsumOffload bool
	// RxCsumOffload makes the port verify checksums on receive. Frames
	// that pass are marked CsumGood; frames that fail are dropped.
	RxCsumOffload bool
	// RSS makes the port compute the session hash of received frames.
	RSS bool
}

// Port is a network port. Configuration methods (AddAddr, AddRoute,
// SetReceiver, Loopback) must be called before traffic flows; Transmit is
// safe for concurrent use.
type Port struct {
	Config

	logf logger.Logf
	pool *pktbuf.Pool

	mu     sync.Mutex
	addrs  []netip.Prefix
	routes bart.Table[netip.Addr] // prefix -> gateway; invalid gateway means on-link

	peer *Port
	recv Receiver

	stats portCounters
}

// New returns a port that allocates from pool.
func New(cfg Config, pool *pktbuf.Pool, logf logger.Logf) *Port {
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("port%d", cfg.Index)
	}
	return &Port{
		Config: cfg,
		pool:   pool,
		logf:   logger.RateLimitedFn(logger.WithPrefix(logf, cfg.Name+": "), time.Second, 5, 100),
	}
}

// Pool returns the buffer pool frames for this port are allocated from.
func (p *Port) Pool() *pktbuf.Pool { return p.pool }

// AddAddr assigns pfx.Addr() to the port and installs an on-link route
// for pfx.
func (p *Port) AddAddr(pfx netip.Prefix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs = append(p.addrs, pfx)
	p.routes.Insert(pfx.Masked(), netip.Addr{})
}

// Addrs returns the port's local addresses.
func (p *Port) Addrs() []netip.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	ret := make([]netip.Addr, len(p.addrs))
	for i, pfx := range p.addrs {
		ret[i] = pfx.Addr()
	}
	return ret
}

// HasAddr reports whether a is local to the port.
func (p *Port) HasAddr(a netip.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pfx := range p.addrs {
		if pfx.Addr() == a {
			return true
		}
	}
	return false
}

// AddRoute routes dst via gw.
func (p *Port) AddRoute(dst netip.Prefix, gw netip.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes.Insert(dst.Masked(), gw)
}

// Route returns the next hop for dst: gw is the gateway, or dst itself
// when dst is on-link.
func (p *Port) Route(dst netip.Addr) (gw netip.Addr, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gw, ok = p.routes.Lookup(dst)
	if ok && !gw.IsValid() {
		gw = dst
	}
	return gw, ok
}

// SetReceiver installs the function frames received on p are handed to.
func (p *Port) SetReceiver(r Receiver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recv = r
}

// Loopback connects a and b back to back: frames transmitted on one are
// received on the other.
func Loopback(a, b *Port) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

// Transmit sends the frame in b, which must start with an IPv4 header.
// Transmit takes ownership of b whether or not it succeeds.
func (p *Port) Transmit(b *pktbuf.Buf) error {
	if b.Next != nil {
		nb, err := p.coalesce(b)
		if err != nil {
			p.stats.txDropped.Add(1)
			return err
		}
		b = nb
	}
	var q packet.Parsed
	if err := q.Decode(b.Bytes()); err != nil {
		p.stats.txDropped.Add(1)
		p.logf("tx: dropping malformed frame: %v", err)
		p.pool.Free(b)
		return err
	}
	if _, ok := p.Route(q.Dst.Addr()); !ok {
		p.stats.txNoRoute.Add(1)
		p.logf("tx: no route to %v", q.Dst.Addr())
		p.pool.Free(b)
		return fmt.Errorf("%v: %w", q.Dst.Addr(), ErrNoRoute)
	}
	if p.TxCsumOffload {
		q.UpdateChecksums()
	}

	p.mu.Lock()
	peer := p.peer
	p.mu.Unlock()
	if peer == nil {
		p.stats.txDropped.Add(1)
		p.pool.Free(b)
		return ErrNoWire
	}
	p.stats.txPackets.Add(1)
	p.stats.txBytes.Add(uint64(b.Len()))
	peer.receive(b)
	return nil
}

func (p *Port) coalesce(b *pktbuf.Buf) (*pktbuf.Buf, error) {
	defer p.pool.Free(b)
	nb, err := p.pool.Alloc(b.PktLen())
	if err != nil {
		return nil, err
	}
	copy(nb.Bytes(), b.Linearize())
	return nb, nil
}

func (p *Port) receive(b *pktbuf.Buf) {
	b.Port = p.Index
	b.HasRSS = false
	b.CsumGood = false

	p.stats.rxPackets.Add(1)
	p.stats.rxBytes.Add(uint64(b.Len()))

	if p.RSS || p.RxCsumOffload {
		var q packet.Parsed
		if err := q.Decode(b.Bytes()); err == nil {
			if p.RSS {
				b.RSSHash = q.Tuple().Hash()
				b.HasRSS = true
			}
			if p.RxCsumOffload {
				if !q.VerifyChecksum() {
					p.stats.rxBadCsum.Add(1)
					p.pool.Free(b)
					return
				}
				b.CsumGood = true
			}
		}
	}

	p.mu.Lock()
	r := p.recv
	p.mu.Unlock()
	if r == nil {
		p.stats.rxDropped.Add(1)
		p.pool.Free(b)
		return
	}
	r(b)
}

type portCounters struct {
	txPackets, txBytes, txNoRoute, txDropped atomic.Uint64
	rxPackets, rxBytes, rxBadCsum, rxDropped atomic.Uint64
}

// Stats are port counters.
type Stats struct {
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxNoRoute uint64 `json:"tx_no_route"`
	TxDropped uint64 `json:"tx_dropped"`
	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	RxBadCsum uint64 `json:"rx_bad_csum"`
	RxDropped uint64 `json:"rx_dropped"`
}

// Stats returns a snapshot of the port counters.
func (p *Port) Stats() Stats {
	s := &p.stats
	return Stats{
		TxPackets: s.txPackets.Load(),
		TxBytes:   s.txBytes.Load(),
		TxNoRoute: s.txNoRoute.Load(),
		TxDropped: s.txDropped.Load(),
		RxPackets: s.rxPackets.Load(),
		RxBytes:   s.rxBytes.Load(),
		RxBadCsum: s.rxBadCsum.Load(),
		RxDropped: s.rxDropped.Load(),
	}
}

func (p *Port) String() string {
	return fmt.Sprintf("%s(%d)", p.Name, p.Index)
}
