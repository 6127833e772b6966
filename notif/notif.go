// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package notif is the per-worker notification bus that carries
// transport and application events to the test case that owns the
// session.
//
// Dispatch is synchronous: Notify runs the handler before it returns, on
// the worker that raised the event. Handlers must not block.
package notif

import (
	"fmt"

	"l4gen.dev/cb"
	"l4gen.dev/types/logger"
)

// Kind identifies an event.
type Kind uint8

const (
	_ Kind = iota
	TCPStateChange
	UDPStateChange
	SndWinAvail // send window opened after being full
	SndWinFull  // send window exhausted
	TimerFired  // the block's test timer expired
	DataFailed
	DataNull // the application had nothing to send
	ClientUp
	ClientDown
	ClientFailed
	ServerUp
	ServerDown
	ServerFailed
	ServerConnected
	AppSendStart
	AppSendStop
	AppClose

	numKinds
)

var kindNames = [numKinds]string{
	TCPStateChange:  "tcp-state",
	UDPStateChange:  "udp-state",
	SndWinAvail:     "snd-win",
	SndWinFull:      "no-snd-win",
	TimerFired:      "timer",
	DataFailed:      "data-failed",
	DataNull:        "data-null",
	ClientUp:        "client-up",
	ClientDown:      "client-down",
	ClientFailed:    "client-failed",
	ServerUp:        "server-up",
	ServerDown:      "server-down",
	ServerFailed:    "server-failed",
	ServerConnected: "server-connected",
	AppSendStart:    "app-send-start",
	AppSendStop:     "app-send-stop",
	AppClose:        "app-close",
}

func (k Kind) String() string {
	if k < numKinds && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Event is a single notification.
type Event struct {
	Kind Kind
	Port int
	TCID uint32

	// Block is the session the event is about. It is nil for events that
	// concern a test case as a whole, such as a listener failing to come
	// up.
	Block *cb.Block

	// PrevTCP and PrevUDP hold the state a block left, for state change
	// events.
	PrevTCP cb.TCPState
	PrevUDP cb.UDPState
}

func (e Event) String() string {
	if e.Block == nil {
		return fmt.Sprintf("%v port=%d tc=%d", e.Kind, e.Port, e.TCID)
	}
	return fmt.Sprintf("%v %v", e.Kind, e.Block)
}

// Handler consumes events for one test case.
type Handler func(Event)

type key struct {
	port int
	tcid uint32
}

// Bus routes events to the handler registered for their port and test
// case.
type Bus struct {
	logf     logger.Logf
	handlers map[key]Handler
	counts   [numKinds]uint64
	dropped  uint64
}

// NewBus returns an empty Bus that traces events of traced blocks to
// logf.
func NewBus(logf logger.Logf) *Bus {
	return &Bus{
		logf:     logf,
		handlers: make(map[key]Handler),
	}
}

// Register installs h as the handler for test case tcid on port,
// replacing any previous handler.
func (b *Bus) Register(port int, tcid uint32, h Handler) {
	b.handlers[key{port, tcid}] = h
}

// Unregister removes the handler for test case tcid on port.
func (b *Bus) Unregister(port int, tcid uint32) {
	delete(b.handlers, key{port, tcid})
}

// Notify delivers ev. Events for which no handler is registered are
// counted and dropped.
func (b *Bus) Notify(ev Event) {
	if ev.Kind == 0 || ev.Kind >= numKinds {
		panic(fmt.Sprintf("notif: invalid event kind %d", ev.Kind))
	}
	b.counts[ev.Kind]++
	if ev.Block != nil && ev.Block.Traced() {
		b.logf("notif: %v", ev)
	}
	h, ok := b.handlers[key{ev.Port, ev.TCID}]
	if !ok {
		b.dropped++
		return
	}
	h(ev)
}

// NotifyBlock delivers an event of kind k about blk.
func (b *Bus) NotifyBlock(k Kind, blk *cb.Block) {
	b.Notify(Event{Kind: k, Port: blk.Port, TCID: blk.TCID, Block: blk})
}

// Stats is a snapshot of bus counters.
type Stats struct {
	ByKind  map[string]uint64
	Dropped uint64
}

// Stats returns the number of events seen per kind and the number
// dropped for lack of a handler.
func (b *Bus) Stats() Stats {
	s := Stats{ByKind: make(map[string]uint64), Dropped: b.dropped}
	for k, n := range b.counts {
		if n > 0 {
			s.ByKind[Kind(k).String()] = n
		}
	}
	return s
}
