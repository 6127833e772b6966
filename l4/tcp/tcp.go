// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tcp implements the control-block operations of the TCP
// transport: opening and listening, closing, sending and demultiplexing
// inbound segments. The protocol itself is run by a StateMachine.
package tcp

import (
	"errors"
	"fmt"

	"l4gen.dev/cb"
	"l4gen.dev/lookup"
	"l4gen.dev/net/packet"
	"l4gen.dev/pktbuf"
	"l4gen.dev/types/logger"
	"l4gen.dev/types/tuple"
)

var (
	// ErrNotIPv4 is returned when a session's endpoints are not IPv4.
	ErrNotIPv4 = errors.New("tcp: IPv4 only")
	// ErrNotConnected is returned by Send outside the states that carry
	// data.
	ErrNotConnected = errors.New("tcp: not connected")
)

// Event is an input to the state machine.
type Event uint8

const (
	EvOpen Event = iota + 1
	EvClose
	EvSend
	EvSegmentArrives
)

func (e Event) String() string {
	switch e {
	case EvOpen:
		return "OPEN"
	case EvClose:
		return "CLOSE"
	case EvSend:
		return "SEND"
	case EvSegmentArrives:
		return "SEGMENT_ARRIVES"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// Arg carries the event-specific arguments of Dispatch.
type Arg struct {
	// Data is the payload to send, for EvSend.
	Data []byte
	// Sent is set by the state machine to the number of bytes of Data it
	// accepted.
	Sent int

	// Seg is the decoded segment, for EvSegmentArrives. It is only valid
	// for the duration of the call.
	Seg *packet.Parsed
}

// StateMachine runs the TCP protocol for a block.
type StateMachine interface {
	// Initialize resets the protocol state of b.
	Initialize(b *cb.Block, active bool)
	// Dispatch feeds ev to b's state machine.
	Dispatch(b *cb.Block, ev Event, arg *Arg) error
	// Terminate stops all protocol activity on b without sending
	// anything. b is left in the Closed state.
	Terminate(b *cb.Block)
}

// Stats are per-port TCP counters.
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
	RstSent      uint64 `json:"rst_sent"`
	Retransmits  uint64 `json:"retransmits"`
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
	s.RstSent += o.RstSent
	s.Retransmits += o.Retransmits
	s.AllocErr += o.AllocErr
	s.Duplicates += o.Duplicates
	s.Malloced += o.Malloced
	s.Freed += o.Freed
}

// PortStats holds Stats per port index. The zero value is ready to use.
type PortStats struct {
	ports []Stats
}

// Port returns the counters of port i.
func (p *PortStats) Port(i int) *Stats {
	if i >= len(p.ports) {
		p.ports = append(p.ports, make([]Stats, i+1-len(p.ports))...)
	}
	return &p.ports[i]
}

// Snapshot returns a copy of the counters of every port seen so far.
func (p *PortStats) Snapshot() []Stats {
	return append([]Stats(nil), p.ports...)
}

// Config configures Ops.
type Config struct {
	Pool   *cb.Pool
	Lookup *lookup.Table
	SM     StateMachine
	Stats  *PortStats
	// Buffers is where received frames are returned after processing.
	Buffers *pktbuf.Pool
	Logf    logger.Logf
}

// Ops are the TCP control-block operations of one worker.
type Ops struct {
	pool   *cb.Pool
	lookup *lookup.Table
	sm     StateMachine
	stats  *PortStats
	bufs   *pktbuf.Pool
	logf   logger.Logf
}

// New returns the TCP operations over the given pool and lookup table.
func New(c Config) *Ops {
	if c.Pool.Proto() != cb.ProtoTCP {
		panic("tcp: pool is not a TCP pool")
	}
	if c.Stats == nil {
		c.Stats = new(PortStats)
	}
	if c.Logf == nil {
		c.Logf = logger.Discard
	}
	return &Ops{
		pool:   c.Pool,
		lookup: c.Lookup,
		sm:     c.SM,
		stats:  c.Stats,
		bufs:   c.Buffers,
		logf:   c.Logf,
	}
}

// Stats returns the counters of port.
func (o *Ops) Stats(port int) *Stats { return o.stats.Port(port) }

// Pool returns the control block pool.
func (o *Ops) Pool() *cb.Pool { return o.pool }

// OpenArgs describe a session to open.
type OpenArgs struct {
	Port  int
	TCID  uint32
	Tuple tuple.Tuple
	Opts  cb.SockOpts
	// Reuse opens a block that was opened before without reinitializing
	// its identity, endpoints and options.
	Reuse bool
	Trace bool
}

// Open opens a session. If b is nil a block is allocated and marked
// malloced. A session with a remote endpoint is active and starts the
// handshake; one without is passive (see Listen).
//
// If the tuple is already in use Open returns an error wrapping
// lookup.ErrExists. On any error the block is detached again and freed
// if Open allocated it.
func (o *Ops) Open(b *cb.Block, a OpenArgs) (*cb.Block, error) {
	if !a.Tuple.Is4() {
		return nil, ErrNotIPv4
	}
	st := o.stats.Port(a.Port)
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
		return nil, fmt.Errorf("tcp open %v: %w", a.Tuple, err)
	}
	o.sm.Initialize(b, b.Active())
	if err := o.sm.Dispatch(b, EvOpen, nil); err != nil {
		o.lookup.Remove(b)
		o.sm.Terminate(b)
		if b.Malloced() && !b.IsFree() {
			o.free(b)
		}
		return nil, fmt.Errorf("tcp open %v: %w", a.Tuple, err)
	}
	return b, nil
}

// Listen opens a passive session on the local endpoint of a.Tuple.
func (o *Ops) Listen(b *cb.Block, a OpenArgs) (*cb.Block, error) {
	a.Tuple = a.Tuple.Listener()
	return o.Open(b, a)
}

// CloseMode selects how Close ends a session.
type CloseMode uint8

const (
	// CloseGraceful runs the protocol's close handshake.
	CloseGraceful CloseMode = iota
	// CloseSilent drops the session immediately without telling the
	// peer.
	CloseSilent
)

// Close closes b. A silent close detaches b from the lookup table, stops
// its timers and frees it if it is malloced; the caller must not use a
// malloced block afterwards.
func (o *Ops) Close(b *cb.Block, mode CloseMode) {
	if mode == CloseGraceful {
		if err := o.sm.Dispatch(b, EvClose, nil); err != nil && b.Traced() {
			o.logf("tcp: close %v: %v", b, err)
		}
		return
	}
	o.lookup.Remove(b)
	o.sm.Terminate(b)
	if b.Malloced() && !b.IsFree() {
		o.free(b)
	}
}

// Send queues data on b and returns how many bytes were accepted. Zero
// means the peer's window is full.
func (o *Ops) Send(b *cb.Block, data []byte) (int, error) {
	arg := Arg{Data: data}
	if err := o.sm.Dispatch(b, EvSend, &arg); err != nil {
		return 0, err
	}
	return arg.Sent, nil
}

// Clone returns a malloced copy of b.
func (o *Ops) Clone(b *cb.Block) (*cb.Block, error) {
	nb, err := o.pool.Clone(b)
	if err != nil {
		o.stats.Port(b.Port).AllocErr++
		return nil, err
	}
	nb.Flags |= cb.FlagMalloced
	o.stats.Port(b.Port).Malloced++
	return nb, nil
}

// free returns a malloced block to the pool.
func (o *Ops) free(b *cb.Block) {
	o.stats.Port(b.Port).Freed++
	o.pool.Free(b)
}

// Input processes one received frame. It takes ownership of buf.
func (o *Ops) Input(buf *pktbuf.Buf) {
	defer o.bufs.Free(buf)
	st := o.stats.Port(buf.Port)
	st.RxPackets++
	st.RxBytes += uint64(buf.PktLen())

	var q packet.Parsed
	if err := q.Decode(buf.Linearize()); err != nil {
		st.RxTooSmall++
		return
	}
	if q.IPProto != packet.TCP {
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

	arg := Arg{Seg: &q}
	b := o.lookup.Find(buf.Port, hash, q.Dst.Addr(), q.Src.Addr(), q.Dst.Port(), q.Src.Port())
	if b == nil && q.TCPFlags&(packet.TCPSyn|packet.TCPAck|packet.TCPRst) == packet.TCPSyn {
		if l := o.lookup.FindListener(buf.Port, q.Dst.Addr(), q.Dst.Port()); l != nil {
			b = o.accept(l, &q, hash)
			if b == nil {
				return
			}
		}
	}
	if b == nil {
		st.RxNotFound++
		// A closed block without identity answers with a reset.
		var tcb cb.TCB
		tcb.State = cb.TCPClosed
		z := cb.Block{
			Port:  buf.Port,
			Proto: cb.ProtoTCP,
			Tuple: q.Tuple(),
			Hash:  hash,
			Opts:  cb.DefaultSockOpts(),
			TCB:   &tcb,
		}
		o.sm.Dispatch(&z, EvSegmentArrives, &arg)
		return
	}
	if err := o.sm.Dispatch(b, EvSegmentArrives, &arg); err != nil && b.Traced() {
		o.logf("tcp: %v: %v", b, err)
	}
}

// accept clones listener l for the connection request in q.
func (o *Ops) accept(l *cb.Block, q *packet.Parsed, hash uint32) *cb.Block {
	b, err := o.Clone(l)
	if err != nil {
		o.logf("tcp: accept on %v: %v", l, err)
		return nil
	}
	b.Flags &^= cb.FlagActive
	b.Tuple = q.Tuple()
	b.Hash = hash
	if err := o.lookup.Insert(b); err != nil {
		o.stats.Port(b.Port).Duplicates++
		o.free(b)
		return nil
	}
	return b
}
