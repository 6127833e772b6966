// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package cb defines the control blocks that hold the complete state of
// one transport session, the per-worker pools they are allocated from and
// the lifecycle queues the test case scheduler moves them through.
//
// Control blocks are owned by exactly one worker and are never touched
// from another goroutine.
package cb

import (
	"fmt"
	"strings"
	"time"

	"l4gen.dev/loop"
	"l4gen.dev/types/tuple"
)

// Flags are per-block boolean properties.
type Flags uint8

const (
	// FlagActive marks a block that initiated its session (a client).
	FlagActive Flags = 1 << iota
	// FlagMalloced marks a block that the transport allocated itself and
	// must return to the pool when the session closes. Blocks allocated
	// in bulk by the scheduler are not malloced; the scheduler frees them
	// when the test case is purged.
	FlagMalloced
	// FlagTrace enables per-block trace logging.
	FlagTrace
	// FlagReuse marks an open of a block that was already initialized and
	// must not be reinitialized.
	FlagReuse
)

// Has reports whether all bits of v are set in f.
func (f Flags) Has(v Flags) bool { return f&v == v }

func (f Flags) String() string {
	var s []string
	for _, n := range []struct {
		f    Flags
		name string
	}{
		{FlagActive, "active"},
		{FlagMalloced, "malloced"},
		{FlagTrace, "trace"},
		{FlagReuse, "reuse"},
	} {
		if f.Has(n.f) {
			s = append(s, n.name)
		}
	}
	return "[" + strings.Join(s, ",") + "]"
}

// SockOpts are the per-test-case socket options, copied by value into each
// block when it is opened.
type SockOpts struct {
	// IPv4.
	TOS           uint8
	TTL           uint8
	MTU           uint16
	TxCsumOffload bool // the port computes transmit checksums
	RxCsumOffload bool // the port verifies receive checksums

	// TCP.
	WindowSize      uint32
	SynRetries      uint8
	SynAckRetries   uint8
	DataRetries     uint8
	RTO             time.Duration
	TimeWaitTimeout time.Duration
	SkipTimeWait    bool
}

// DefaultSockOpts returns the options used when a test case sets none.
func DefaultSockOpts() SockOpts {
	return SockOpts{
		TTL:             64,
		MTU:             1500,
		WindowSize:      65535,
		SynRetries:      3,
		SynAckRetries:   3,
		DataRetries:     3,
		RTO:             200 * time.Millisecond,
		TimeWaitTimeout: time.Second,
		SkipTimeWait:    true,
	}
}

// Block is a transport control block: the common header shared by TCP and
// UDP plus exactly one protocol payload.
//
// Field ownership: TCB and UCB contents are written only by the transport
// state machine; App only by the application layer; TestState, TestTimer
// and queue membership only by the test case scheduler; Linked only by
// the lookup table.
type Block struct {
	Port  int    // index of the port the session runs on
	TCID  uint32 // test case id
	ID    uint32 // unique among the blocks of one pool
	Proto Proto

	Tuple tuple.Tuple
	Hash  uint32 // lookup hash of Tuple

	Flags Flags
	Opts  SockOpts

	TCB *TCB // set iff Proto == ProtoTCP
	UCB *UCB // set iff Proto == ProtoUDP

	App any

	TestState TestState
	TestTimer *loop.Timer

	Linked bool

	queue      *Queue
	prev, next *Block

	pool *Pool
	free bool
}

// Active reports whether b is a client-side block.
func (b *Block) Active() bool { return b.Flags.Has(FlagActive) }

// Malloced reports whether b is freed by the transport on close.
func (b *Block) Malloced() bool { return b.Flags.Has(FlagMalloced) }

// Traced reports whether trace logging is enabled for b.
func (b *Block) Traced() bool { return b.Flags.Has(FlagTrace) }

// Queue returns the lifecycle queue b is on, or nil.
func (b *Block) Queue() *Queue { return b.queue }

// Pool returns the pool b was allocated from.
func (b *Block) Pool() *Pool { return b.pool }

// StateString returns the protocol state of b.
func (b *Block) StateString() string {
	switch {
	case b.TCB != nil:
		return b.TCB.State.String()
	case b.UCB != nil:
		return b.UCB.State.String()
	}
	return "?"
}

func (b *Block) String() string {
	return fmt.Sprintf("%v#%d{port=%d tc=%d %v %s %v test=%v}",
		b.Proto, b.ID, b.Port, b.TCID, b.Tuple, b.StateString(), b.Flags, b.TestState)
}

// TCB is the TCP payload of a Block.
type TCB struct {
	State TCPState

	ISS    uint32 // initial send sequence number
	IRS    uint32 // initial receive sequence number
	SndUna uint32 // oldest unacknowledged sequence number
	SndNxt uint32 // next sequence number to send
	SndWnd uint32 // window advertised by the peer
	RcvNxt uint32 // next sequence number expected
	RcvWnd uint32 // window advertised to the peer

	// Retrans holds the segments sent and not yet acknowledged, oldest
	// first.
	Retrans []Segment
	Retries uint8

	// Timer is the retransmission timer, reused as the TIME-WAIT timer.
	Timer *loop.Timer

	// WinFull records that the last send found no window, so that the
	// state machine reports when window opens again.
	WinFull bool
}

// SndAvail returns how many more bytes the peer's window admits.
func (t *TCB) SndAvail() uint32 {
	inflight := t.SndNxt - t.SndUna
	if inflight >= t.SndWnd {
		return 0
	}
	return t.SndWnd - inflight
}

// Segment is a transmitted TCP segment kept for retransmission.
type Segment struct {
	Seq   uint32
	Flags uint8 // TCP header flags
	Data  []byte
}

// Len returns the sequence space consumed by s.
func (s Segment) Len() uint32 {
	n := uint32(len(s.Data))
	const syn, fin = 0x02, 0x01
	if s.Flags&syn != 0 {
		n++
	}
	if s.Flags&fin != 0 {
		n++
	}
	return n
}

// UCB is the UDP payload of a Block.
type UCB struct {
	State UDPState
}
