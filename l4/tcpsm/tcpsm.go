// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tcpsm is a small TCP state machine for the generator's own
// wires: three-way handshake, data with cumulative ACKs and a send
// window, go-back-N retransmission, FIN close, and RST for segments that
// match no session. It has no congestion control, no options and no
// out-of-order reassembly.
package tcpsm

import (
	"fmt"
	"math"
	"time"

	"l4gen.dev/cb"
	"l4gen.dev/l4/tcp"
	"l4gen.dev/lookup"
	"l4gen.dev/loop"
	"l4gen.dev/net/packet"
	"l4gen.dev/netif"
	"l4gen.dev/notif"
	"l4gen.dev/types/logger"
)

const (
	defaultRTO = 200 * time.Millisecond
	maxRTO     = 60 * time.Second
)

// Config configures a Machine.
type Config struct {
	Loop   *loop.Loop
	Bus    *notif.Bus
	Lookup *lookup.Table
	Ports  []*netif.Port
	Stats  *tcp.PortStats

	// Deliver is called with the in-order payload received on a session.
	// data is only valid for the duration of the call.
	Deliver func(b *cb.Block, data []byte)

	// ISS returns initial sequence numbers. Nil derives them from the
	// loop clock.
	ISS func() uint32

	Logf logger.Logf
}

// Machine implements tcp.StateMachine for the blocks of one worker.
type Machine struct {
	loop    *loop.Loop
	bus     *notif.Bus
	lookup  *lookup.Table
	ports   []*netif.Port
	stats   *tcp.PortStats
	deliver func(*cb.Block, []byte)
	iss     func() uint32
	logf    logger.Logf

	lastISS uint32
	ipid    uint16
}

var _ tcp.StateMachine = (*Machine)(nil)

// New returns a Machine.
func New(c Config) *Machine {
	m := &Machine{
		loop:    c.Loop,
		bus:     c.Bus,
		lookup:  c.Lookup,
		ports:   c.Ports,
		stats:   c.Stats,
		deliver: c.Deliver,
		iss:     c.ISS,
		logf:    c.Logf,
	}
	if m.stats == nil {
		m.stats = new(tcp.PortStats)
	}
	if m.logf == nil {
		m.logf = logger.Discard
	}
	if m.iss == nil {
		m.iss = m.clockISS
	}
	return m
}

// clockISS follows the 4µs ISS clock, stepped so that two sessions opened
// in the same instant differ.
func (m *Machine) clockISS() uint32 {
	m.lastISS += 64000 + uint32(m.loop.Now().UnixMicro()/4)
	return m.lastISS
}

// Initialize implements tcp.StateMachine.
func (m *Machine) Initialize(b *cb.Block, active bool) {
	t := b.TCB
	t.Timer.Stop()
	clear(t.Retrans)
	*t = cb.TCB{
		State:   cb.TCPInit,
		RcvWnd:  min(b.Opts.WindowSize, math.MaxUint16),
		Retrans: t.Retrans[:0],
		Timer:   t.Timer,
	}
}

// Terminate implements tcp.StateMachine.
func (m *Machine) Terminate(b *cb.Block) {
	t := b.TCB
	t.Timer.Stop()
	clear(t.Retrans)
	t.Retrans = t.Retrans[:0]
	t.WinFull = false
	t.State = cb.TCPClosed
}

// Dispatch implements tcp.StateMachine.
func (m *Machine) Dispatch(b *cb.Block, ev tcp.Event, arg *tcp.Arg) error {
	switch ev {
	case tcp.EvOpen:
		return m.open(b)
	case tcp.EvClose:
		m.close(b)
		return nil
	case tcp.EvSend:
		return m.send(b, arg)
	case tcp.EvSegmentArrives:
		m.segment(b, arg.Seg)
		return nil
	}
	return fmt.Errorf("tcpsm: unknown event %v", ev)
}

func (m *Machine) open(b *cb.Block) error {
	t := b.TCB
	if t.State != cb.TCPInit {
		return fmt.Errorf("tcpsm: open of %v", b)
	}
	if !b.Active() {
		m.setState(b, cb.TCPListen)
		return nil
	}
	t.ISS = m.iss()
	t.SndUna = t.ISS
	t.SndNxt = t.ISS + 1
	m.setState(b, cb.TCPSynSent)
	m.queue(b, cb.Segment{Seq: t.ISS, Flags: uint8(packet.TCPSyn)})
	return nil
}

func (m *Machine) close(b *cb.Block) {
	switch b.TCB.State {
	case cb.TCPInit, cb.TCPListen, cb.TCPSynSent:
		m.setState(b, cb.TCPClosed)
	case cb.TCPSynRecv, cb.TCPEstablished:
		m.setState(b, cb.TCPFinWait1)
		m.sendFin(b)
	case cb.TCPCloseWait:
		m.setState(b, cb.TCPLastAck)
		m.sendFin(b)
	}
}

func (m *Machine) send(b *cb.Block, arg *tcp.Arg) error {
	t := b.TCB
	if t.State != cb.TCPEstablished && t.State != cb.TCPCloseWait {
		return tcp.ErrNotConnected
	}
	n := min(len(arg.Data), int(t.SndAvail()), mss(b))
	arg.Sent = n
	if n > 0 {
		m.queue(b, cb.Segment{Seq: t.SndNxt, Flags: uint8(packet.TCPPsh), Data: arg.Data[:n]})
		t.SndNxt += uint32(n)
	}
	if t.SndAvail() == 0 && !t.WinFull {
		t.WinFull = true
		m.bus.NotifyBlock(notif.SndWinFull, b)
	}
	return nil
}

func (m *Machine) sendFin(b *cb.Block) {
	t := b.TCB
	m.queue(b, cb.Segment{Seq: t.SndNxt, Flags: uint8(packet.TCPFin)})
	t.SndNxt++
}

func (m *Machine) segment(b *cb.Block, q *packet.Parsed) {
	t := b.TCB
	flags := q.TCPFlags
	payload := q.Payload()

	switch t.State {
	case cb.TCPInit, cb.TCPClosed:
		if !flags.Has(packet.TCPRst) {
			m.reset(b, q)
		}
		return

	case cb.TCPListen:
		switch {
		case flags.Has(packet.TCPRst):
		case flags.Has(packet.TCPAck):
			m.reset(b, q)
		case flags.Has(packet.TCPSyn):
			t.IRS = q.Seq
			t.RcvNxt = q.Seq + 1
			t.SndWnd = uint32(q.Window)
			t.ISS = m.iss()
			t.SndUna = t.ISS
			t.SndNxt = t.ISS + 1
			m.setState(b, cb.TCPSynRecv)
			if !b.IsFree() && t.State == cb.TCPSynRecv {
				m.queue(b, cb.Segment{Seq: t.ISS, Flags: uint8(packet.TCPSyn)})
			}
		}
		return

	case cb.TCPSynSent:
		if flags.Has(packet.TCPAck) && q.Ack != t.SndNxt {
			if !flags.Has(packet.TCPRst) {
				m.reset(b, q)
			}
			return
		}
		if flags.Has(packet.TCPRst) {
			if flags.Has(packet.TCPAck) {
				m.setState(b, cb.TCPClosed)
			}
			return
		}
		if !flags.Has(packet.TCPSyn | packet.TCPAck) {
			// Simultaneous open is not supported.
			return
		}
		t.IRS = q.Seq
		t.RcvNxt = q.Seq + 1
		m.ack(b, q)
		m.output(b, t.SndNxt, t.RcvNxt, packet.TCPAck, nil)
		m.setState(b, cb.TCPEstablished)
		return
	}

	// SYN-RECEIVED and the synchronized states.
	if len(payload) > 0 || flags&(packet.TCPSyn|packet.TCPFin) != 0 {
		if q.Seq != t.RcvNxt {
			if flags.Has(packet.TCPSyn) && t.State == cb.TCPSynRecv && q.Seq == t.IRS && len(t.Retrans) > 0 {
				// Our SYN-ACK was lost.
				m.sendSeg(b, t.Retrans[0])
				return
			}
			m.sendAck(b)
			return
		}
	}
	if flags.Has(packet.TCPRst) {
		m.setState(b, cb.TCPClosed)
		return
	}
	if flags.Has(packet.TCPSyn) {
		m.sendRst(b, t.SndNxt)
		m.setState(b, cb.TCPClosed)
		return
	}
	if !flags.Has(packet.TCPAck) {
		return
	}
	if seqLT(t.SndNxt, q.Ack) {
		m.sendAck(b)
		return
	}
	if t.State == cb.TCPSynRecv {
		if !seqLT(t.SndUna, q.Ack) {
			m.reset(b, q)
			return
		}
		m.ack(b, q)
		m.setState(b, cb.TCPEstablished)
		if b.IsFree() {
			return
		}
	} else {
		m.ack(b, q)
	}

	finAcked := t.SndUna == t.SndNxt
	switch t.State {
	case cb.TCPFinWait1:
		if finAcked {
			m.setState(b, cb.TCPFinWait2)
		}
	case cb.TCPClosing:
		if finAcked {
			m.timeWait(b)
			return
		}
	case cb.TCPLastAck:
		if finAcked {
			m.setState(b, cb.TCPClosed)
			return
		}
	}
	if b.IsFree() {
		return
	}

	needAck := false
	if len(payload) > 0 {
		switch t.State {
		case cb.TCPEstablished, cb.TCPFinWait1, cb.TCPFinWait2:
			t.RcvNxt += uint32(len(payload))
			needAck = true
			if m.deliver != nil {
				m.deliver(b, payload)
			}
			if b.IsFree() || t.State == cb.TCPClosed {
				return
			}
		}
	}

	if flags.Has(packet.TCPFin) {
		t.RcvNxt++
		m.sendAck(b)
		switch t.State {
		case cb.TCPEstablished:
			m.setState(b, cb.TCPCloseWait)
			// The passive side answers a close at once.
			if !b.IsFree() && t.State == cb.TCPCloseWait {
				m.close(b)
			}
		case cb.TCPFinWait1:
			m.setState(b, cb.TCPClosing)
		case cb.TCPFinWait2:
			m.timeWait(b)
		}
		return
	}
	if needAck {
		m.sendAck(b)
	}
}

// ack processes the acknowledgment and window of q.
func (m *Machine) ack(b *cb.Block, q *packet.Parsed) {
	t := b.TCB
	if seqLT(t.SndUna, q.Ack) {
		t.SndUna = q.Ack
		n := 0
		for n < len(t.Retrans) && seqLEQ(t.Retrans[n].Seq+t.Retrans[n].Len(), q.Ack) {
			n++
		}
		if n > 0 {
			rest := copy(t.Retrans, t.Retrans[n:])
			clear(t.Retrans[rest:])
			t.Retrans = t.Retrans[:rest]
		}
		t.Retries = 0
		if len(t.Retrans) == 0 {
			t.Timer.Stop()
		} else {
			m.armRTO(b)
		}
	}
	t.SndWnd = uint32(q.Window)
	if t.WinFull && t.SndAvail() > 0 {
		t.WinFull = false
		m.bus.NotifyBlock(notif.SndWinAvail, b)
	}
}

func (m *Machine) timeWait(b *cb.Block) {
	if b.Opts.SkipTimeWait || b.Opts.TimeWaitTimeout <= 0 {
		m.setState(b, cb.TCPClosed)
		return
	}
	m.setState(b, cb.TCPTimeWait)
	if b.IsFree() || b.TCB.State != cb.TCPTimeWait {
		return
	}
	m.armTimer(b, b.Opts.TimeWaitTimeout)
}

// timeout runs when b's timer fires.
func (m *Machine) timeout(b *cb.Block) {
	t := b.TCB
	if t.State == cb.TCPTimeWait {
		m.setState(b, cb.TCPClosed)
		return
	}
	if len(t.Retrans) == 0 {
		return
	}
	limit := b.Opts.DataRetries
	switch t.State {
	case cb.TCPSynSent:
		limit = b.Opts.SynRetries
	case cb.TCPSynRecv:
		limit = b.Opts.SynAckRetries
	}
	if t.Retries >= limit {
		if t.State != cb.TCPSynSent {
			m.sendRst(b, t.SndNxt)
		}
		m.setState(b, cb.TCPClosed)
		return
	}
	t.Retries++
	st := m.stats.Port(b.Port)
	for _, s := range t.Retrans {
		m.sendSeg(b, s)
		st.Retransmits++
	}
	m.armRTO(b)
}

func (m *Machine) armRTO(b *cb.Block) {
	rto := b.Opts.RTO
	if rto <= 0 {
		rto = defaultRTO
	}
	rto = min(rto<<b.TCB.Retries, maxRTO)
	m.armTimer(b, rto)
}

func (m *Machine) armTimer(b *cb.Block, d time.Duration) {
	t := b.TCB
	if t.Timer == nil {
		t.Timer = m.loop.AfterFunc(d, func() { m.timeout(b) })
		return
	}
	t.Timer.Reset(d)
}

// queue transmits s and keeps it for retransmission.
func (m *Machine) queue(b *cb.Block, s cb.Segment) {
	t := b.TCB
	t.Retrans = append(t.Retrans, s)
	m.sendSeg(b, s)
	if !t.Timer.Active() {
		m.armRTO(b)
	}
}

func (m *Machine) sendSeg(b *cb.Block, s cb.Segment) {
	t := b.TCB
	flags := packet.TCPFlag(s.Flags)
	ack := uint32(0)
	if t.State != cb.TCPSynSent {
		flags |= packet.TCPAck
		ack = t.RcvNxt
	}
	m.output(b, s.Seq, ack, flags, s.Data)
}

func (m *Machine) sendAck(b *cb.Block) {
	m.output(b, b.TCB.SndNxt, b.TCB.RcvNxt, packet.TCPAck, nil)
}

func (m *Machine) sendRst(b *cb.Block, seq uint32) {
	m.output(b, seq, 0, packet.TCPRst, nil)
	m.stats.Port(b.Port).RstSent++
}

// reset answers the unacceptable segment q.
func (m *Machine) reset(b *cb.Block, q *packet.Parsed) {
	if q.TCPFlags.Has(packet.TCPAck) {
		m.sendRst(b, q.Ack)
		return
	}
	n := uint32(len(q.Payload()))
	if q.TCPFlags.Has(packet.TCPSyn) {
		n++
	}
	if q.TCPFlags.Has(packet.TCPFin) {
		n++
	}
	m.output(b, 0, q.Seq+n, packet.TCPRst|packet.TCPAck, nil)
	m.stats.Port(b.Port).RstSent++
}

// output builds and transmits one segment of b.
func (m *Machine) output(b *cb.Block, seq, ack uint32, flags packet.TCPFlag, data []byte) {
	st := m.stats.Port(b.Port)
	if b.Port >= len(m.ports) {
		st.TxFailed++
		return
	}
	port := m.ports[b.Port]
	m.ipid++
	h := packet.TCP4Header{
		IP4Header: packet.IP4Header{
			IPID: m.ipid,
			TOS:  b.Opts.TOS,
			TTL:  b.Opts.TTL,
			Src:  b.Tuple.Local,
			Dst:  b.Tuple.Remote,
		},
		SrcPort: b.Tuple.LocalPort,
		DstPort: b.Tuple.RemotePort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  uint16(b.TCB.RcvWnd),
	}
	buf, err := port.Pool().Alloc(h.Len() + len(data))
	if err != nil {
		st.TxFailed++
		return
	}
	pkt := buf.Bytes()
	copy(pkt[h.Len():], data)
	if err := h.Marshal(pkt); err != nil {
		port.Pool().Free(buf)
		st.TxFailed++
		return
	}
	if !b.Opts.TxCsumOffload {
		h.WriteChecksum(pkt)
	}
	if b.Traced() {
		m.logf("tcp: tx %v [%v] seq=%d ack=%d len=%d", b, flags, seq, ack, len(data))
	}
	if err := port.Transmit(buf); err != nil {
		st.TxFailed++
		return
	}
	st.TxPackets++
	st.TxBytes += uint64(len(pkt))
}

// setState moves b to s and reports the change. Entering Closed detaches
// b from the lookup table and, for malloced blocks, frees it once the
// change has been reported.
func (m *Machine) setState(b *cb.Block, s cb.TCPState) {
	t := b.TCB
	old := t.State
	if old == s {
		return
	}
	t.State = s
	if b.Traced() {
		m.logf("tcp: %v: %v -> %v", b, old, s)
	}
	if s == cb.TCPClosed {
		t.Timer.Stop()
		clear(t.Retrans)
		t.Retrans = t.Retrans[:0]
		t.WinFull = false
		m.lookup.Remove(b)
	}
	m.bus.Notify(notif.Event{Kind: notif.TCPStateChange, Port: b.Port, TCID: b.TCID, Block: b, PrevTCP: old})
	if s == cb.TCPClosed && b.Malloced() && !b.IsFree() && b.Queue() == nil && !b.Linked {
		m.stats.Port(b.Port).Freed++
		b.Pool().Free(b)
	}
}

func mss(b *cb.Block) int {
	mtu := int(b.Opts.MTU)
	if mtu == 0 {
		mtu = 1500
	}
	return mtu - packet.TCP4Header{}.Len()
}

func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }
