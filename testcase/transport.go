// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package testcase

import (
	"l4gen.dev/cb"
	"l4gen.dev/l4/tcp"
	"l4gen.dev/l4/udp"
	"l4gen.dev/types/tuple"
)

// transport is the part of the TCP and UDP operations a test case
// drives.
type transport interface {
	pool() *cb.Pool
	open(b *cb.Block) error
	listen(port int, tcid uint32, t tuple.Tuple, opts cb.SockOpts, trace bool) (*cb.Block, error)
	// close starts a graceful close.
	close(b *cb.Block)
	// abort drops b silently. Malloced blocks are freed.
	abort(b *cb.Block)
	// idle reports whether b has no transport state to tear down.
	idle(b *cb.Block) bool
	// sendMax returns how much b may send now.
	sendMax(b *cb.Block) int
	send(b *cb.Block, data []byte) (int, error)
	// sendBlocked reports whether b's send window is closed.
	sendBlocked(b *cb.Block) bool
}

type tcpTransport struct{ ops *tcp.Ops }

func (t tcpTransport) pool() *cb.Pool { return t.ops.Pool() }

func (t tcpTransport) open(b *cb.Block) error {
	_, err := t.ops.Open(b, tcp.OpenArgs{Port: b.Port, TCID: b.TCID, Tuple: b.Tuple, Opts: b.Opts, Reuse: true})
	return err
}

func (t tcpTransport) listen(port int, tcid uint32, tu tuple.Tuple, opts cb.SockOpts, trace bool) (*cb.Block, error) {
	return t.ops.Listen(nil, tcp.OpenArgs{Port: port, TCID: tcid, Tuple: tu, Opts: opts, Trace: trace})
}

func (t tcpTransport) close(b *cb.Block) { t.ops.Close(b, tcp.CloseGraceful) }
func (t tcpTransport) abort(b *cb.Block) { t.ops.Close(b, tcp.CloseSilent) }

func (t tcpTransport) idle(b *cb.Block) bool {
	s := b.TCB.State
	return s == cb.TCPInit || s == cb.TCPClosed
}

func (t tcpTransport) sendMax(b *cb.Block) int { return int(b.TCB.SndAvail()) }

func (t tcpTransport) send(b *cb.Block, data []byte) (int, error) { return t.ops.Send(b, data) }

func (t tcpTransport) sendBlocked(b *cb.Block) bool { return b.TCB.WinFull }

type udpTransport struct{ ops *udp.Ops }

func (t udpTransport) pool() *cb.Pool { return t.ops.Pool() }

func (t udpTransport) open(b *cb.Block) error {
	_, err := t.ops.Open(b, udp.OpenArgs{Port: b.Port, TCID: b.TCID, Tuple: b.Tuple, Opts: b.Opts, Reuse: true})
	return err
}

func (t udpTransport) listen(port int, tcid uint32, tu tuple.Tuple, opts cb.SockOpts, trace bool) (*cb.Block, error) {
	return t.ops.Listen(nil, udp.OpenArgs{Port: port, TCID: tcid, Tuple: tu, Opts: opts, Trace: trace})
}

func (t udpTransport) close(b *cb.Block) { t.ops.Close(b) }
func (t udpTransport) abort(b *cb.Block) { t.ops.Close(b) }

func (t udpTransport) idle(b *cb.Block) bool {
	s := b.UCB.State
	return s == cb.UDPInit || s == cb.UDPClosed
}

func (t udpTransport) sendMax(b *cb.Block) int { return udp.MaxPayload(b) }

func (t udpTransport) send(b *cb.Block, data []byte) (int, error) { return t.ops.Send(b, data) }

func (t udpTransport) sendBlocked(*cb.Block) bool { return false }
