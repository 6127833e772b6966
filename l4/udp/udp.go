// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package udp implements the control-block operations of the UDP
// transport. There is no protocol state machine: a client session is up
// as soon as it is opened and a server session comes up on the first
// datagram a listener receives.
package udp

import (
	"errors"
	"fmt"

	"l4gen.dev/cb"
	"l4gen.dev/lookup"
	"l4gen.dev/net/packet"
	"l4gen.dev/netif"
	"l4gen.dev/notif"
	"l4gen.dev/pktbuf"
	"l4gen.dev/types/logger"
	"l4gen.dev/types/tuple"
)

var (
	ErrNotIPv4 = errors.New("udp: IPv4 only")
	ErrNotOpen = errors.New("udp: session not open")
)

// Stats are per-port UDP counters.
type Stats struct {
	RxPackets    uint64 `json:"rx_packets"`
	RxBytes      uint64 `json:"rx_bytes"`
	RxTooSmall   uint64 `json:"rx_too_small"`
	RxOtherProto uint64 `json:"rx_other_proto"`
	RxBadCsum    uint64 `json:"rx_bad_csum"`
	RxNotFound   uint64 `json:"rx_not_found"`
	TxPackets    uint64 `json:"tx_packets"`
	TxBytes      uint64 `json:"tx_bytes"`
	TxFailed     uint64 `json:"tx_failed"`
	AllocErr     uint64 `json:"alloc_err"`
	Duplicates   uint64 `json:"duplicates"`
	Malloced     uint64 `json:"malloced"`
	Freed        uint64 `json:"freed"`
}

// Add adds o to s.
func (s *Stats) Add(o *Stats) {
	s.RxPackets += o.RxPackets
	s.RxBytes += o.RxBytes
	s.RxTooSmall += o.RxTooSmall
	s.RxOtherProto += o.RxOtherProto
	s.RxBadCsum += o.RxBadCsum
	s.RxNotFound += o.RxNotFound
	s.TxPackets += o.TxPackets
	s.TxBytes += o.TxBytes
	s.TxFailed += o.TxFailed
	s.AllocErr += o.AllocErr
	s.Duplicates += o.Duplicates
	s.Malloced += o.Malloced
	s.Freed += o.Freed
}

// Config configures Ops.
type Config struct {
	Pool    *cb.Pool
	Lookup  *lookup.Table
	Bus     *notif.Bus
	Ports   []*netif.Port
	Buffers *pktbuf.Pool // where received frames are returned

	// Deliver is called with each datagram received on a session. data is
	// only valid for the duration of the call.
	Deliver func(b *cb.Block, data []byte)

	Logf logger.Logf
}

// Ops are the UDP control-block operations of one worker.
type Ops struct {
	pool    *cb.Pool
	lookup  *lookup.Table
	bus     *notif.Bus
	ports   []*netif.Port
	bufs    *pktbuf.Pool
	deliver func(*cb.Block, []byte)
	logf    logger.Logf

	stats []Stats
	ipid  uint16
}

// New returns the UDP operations of one worker.
func New(c Config) *Ops {
	if c.Pool.Proto() != cb.ProtoUDP {
		panic("udp: pool is not a UDP pool")
	}
	if c.Logf == nil {
		c.Logf = logger.Discard
	}
	return &Ops{
		pool:    c.Pool,
		lookup:  c.Lookup,
		bus:     c.Bus,
		ports:   c.Ports,
		bufs:    c.Buffers,
		deliver: c.Deliver,
		logf:    c.Logf,
	}
}

// Stats returns the counters of port.
func (o *Ops) Stats(port int) *Stats {
	if port >= len(o.stats) {
		o.stats = append(o.stats, make([]Stats, port+1-len(o.stats))...)
	}
	return &o.stats[port]
}

// Pool returns the control block pool.
func (o *Ops) Pool() *cb.Pool { return o.pool }

// OpenArgs describe a session to open.
type OpenArgs struct {
	Port  int
	TCID  uint32
	Tuple tuple.Tuple
	Opts  cb.SockOpts
	Reuse bool
	Trace bool
}

// Open opens a session, allocating a malloced block if b is nil. An
// active session is Open at once; a passive one listens.
func (o *Ops) Open(b *cb.Block, a OpenArgs) (*cb.Block, error) {
	if !a.Tuple.Is4() {
		return nil, ErrNotIPv4
	}
	st := o.Stats(a.Port)
	if b == nil {
		nb, err := o.pool.Alloc()
		if err != nil {
			st.AllocErr++
			return nil, err
		}
		b = nb
		b.Flags |= cb.FlagMalloced
		st.Malloced++
	}
	if !a.Reuse {
		b.Port = a.Port
		b.TCID = a.TCID
		b.Tuple = a.Tuple
		b.Hash = a.Tuple.Hash()
		b.Opts = a.Opts
		b.Flags &^= cb.FlagActive | cb.FlagTrace
		if !a.Tuple.IsWildcard() {
			b.Flags |= cb.FlagActive
		}
		if a.Trace {
			b.Flags |= cb.FlagTrace
		}
	}
	if err := o.lookup.Insert(b); err != nil {
		st.Duplicates++
		if b.Malloced() {
			o.free(b)
		}
		return nil, fmt.Errorf("udp open %v: %w", a.Tuple, err)
	}
	b.UCB.State = cb.UDPInit
	if b.Active() {
		o.setState(b, cb.UDPOpen)
	} else {
		o.setState(b, cb.UDPListen)
	}
	return b, nil
}

// Listen opens a passive session on the local endpoint of a.Tuple.
func (o *Ops) Listen(b *cb.Block, a OpenArgs) (*cb.Block, error) {
	a.Tuple = a.Tuple.Listener()
	return o.Open(b, a)
}

// Close ends the session: it leaves the lookup table, reports Closed and
// is freed if malloced. The caller must not use a malloced block
// afterwards.
func (o *Ops) Close(b *cb.Block) {
	o.lookup.Remove(b)
	o.setState(b, cb.UDPClosed)
	if b.Malloced() && !b.IsFree() && b.Queue() == nil {
		o.free(b)
	}
}

// MaxPayload returns the largest datagram payload b can send.
func MaxPayload(b *cb.Block) int {
	mtu := int(b.Opts.MTU)
	if mtu == 0 {
		mtu = 1500
	}
	return mtu - packet.UDP4Header{}.Len()
}

// Send transmits one datagram carrying as much of data as fits in the
// MTU, and returns the number of payload bytes sent.
func (o *Ops) Send(b *cb.Block, data []byte) (int, error) {
	if b.UCB.State != cb.UDPOpen {
		return 0, ErrNotOpen
	}
	st := o.Stats(b.Port)
	if b.Port >= len(o.ports) {
		st.TxFailed++
		return 0, fmt.Errorf("udp: no port %d", b.Port)
	}
	port := o.ports[b.Port]
	n := min(len(data), MaxPayload(b))
	o.ipid++
	h := packet.UDP4Header{
		IP4Header: packet.IP4Header{
			IPID: o.ipid,
			TOS:  b.Opts.TOS,
			TTL:  b.Opts.TTL,
			Src:  b.Tuple.Local,
			Dst:  b.Tuple.Remote,
		},
		SrcPort: b.Tuple.LocalPort,
		DstPort: b.Tuple.RemotePort,
	}
	buf, err := port.Pool().Alloc(h.Len() + n)
	if err != nil {
		st.TxFailed++
		return 0, err
	}
	pkt := buf.Bytes()
	copy(pkt[h.Len():], data[:n])
	if err := h.Marshal(pkt); err != nil {
		port.Pool().Free(buf)
		st.TxFailed++
		return 0, err
	}
	if !b.Opts.TxCsumOffload {
		h.WriteChecksum(pkt)
	}
	if err := port.Transmit(buf); err != nil {
		st.TxFailed++
		return 0, err
	}
	st.TxPackets++
	st.TxBytes += uint64(len(pkt))
	return n, nil
}

// Clone returns a malloced copy of b.
func (o *Ops) Clone(b *cb.Block) (*cb.Block, error) {
	nb, err := o.pool.Clone(b)
	if err != nil {
		o.Stats(b.Port).AllocErr++
		return nil, err
	}
	nb.Flags |= cb.FlagMalloced
	o.Stats(b.Port).Malloced++
	return nb, nil
}

func (o *Ops) free(b *cb.Block) {
	o.Stats(b.Port).Freed++
	o.pool.Free(b)
}

// Input processes one received frame. It takes ownership of buf.
func (o *Ops) Input(buf *pktbuf.Buf) {
	defer o.bufs.Free(buf)
	st := o.Stats(buf.Port)
	st.RxPackets++
	st.RxBytes += uint64(buf.PktLen())

	var q packet.Parsed
	if err := q.Decode(buf.Linearize()); err != nil {
		st.RxTooSmall++
		return
	}
	if q.IPProto != packet.UDP {
		st.RxOtherProto++
		return
	}
	if !buf.CsumGood && !q.VerifyChecksum() {
		st.RxBadCsum++
		return
	}
	hash := buf.RSSHash
	if !buf.HasRSS {
		hash = q.Tuple().Hash()
	}

	b := o.lookup.Find(buf.Port, hash, q.Dst.Addr(), q.Src.Addr(), q.Dst.Port(), q.Src.Port())
	if b == nil {
		l := o.lookup.FindListener(buf.Port, q.Dst.Addr(), q.Dst.Port())
		if l == nil {
			st.RxNotFound++
			return
		}
		if b = o.accept(l, &q, hash); b == nil {
			return
		}
	}
	if b.UCB.State != cb.UDPOpen {
		return
	}
	if o.deliver != nil {
		o.deliver(b, q.Payload())
	}
}

// accept brings up a server session for the first datagram from a peer.
func (o *Ops) accept(l *cb.Block, q *packet.Parsed, hash uint32) *cb.Block {
	b, err := o.Clone(l)
	if err != nil {
		o.logf("udp: accept on %v: %v", l, err)
		return nil
	}
	b.Flags &^= cb.FlagActive
	b.Tuple = q.Tuple()
	b.Hash = hash
	if err := o.lookup.Insert(b); err != nil {
		o.Stats(b.Port).Duplicates++
		o.free(b)
		return nil
	}
	o.setState(b, cb.UDPOpen)
	if b.IsFree() || b.UCB.State != cb.UDPOpen {
		return nil
	}
	o.bus.NotifyBlock(notif.ServerConnected, b)
	if b.IsFree() {
		return nil
	}
	return b
}

func (o *Ops) setState(b *cb.Block, s cb.UDPState) {
	old := b.UCB.State
	if old == s {
		return
	}
	b.UCB.State = s
	if b.Traced() {
		o.logf("udp: %v: %v -> %v", b, old, s)
	}
	o.bus.Notify(notif.Event{Kind: notif.UDPStateChange, Port: b.Port, TCID: b.TCID, Block: b, PrevUDP: old})
}
