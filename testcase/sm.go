// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package testcase

import (
	"time"

	"l4gen.dev/cb"
	"l4gen.dev/notif"
)

// event drives the per-session test state machine.
type event uint8

const (
	evTimer event = iota
	evConnecting
	evConnected
	evClosing
	evClosed
	evSndWin
	evNoSndWin
	evSendStart
	evSendStop
	evPurge
)

var eventNames = [...]string{
	evTimer:      "timer",
	evConnecting: "connecting",
	evConnected:  "connected",
	evClosing:    "closing",
	evClosed:     "closed",
	evSndWin:     "snd-win",
	evNoSndWin:   "no-snd-win",
	evSendStart:  "send-start",
	evSendStop:   "send-stop",
	evPurge:      "purge",
}

func (e event) String() string { return eventNames[e] }

// clientInit enters the first client state. A session without init
// delay goes straight to the open queue; Start reschedules the opens.
func (tc *TestCase) clientInit(b *cb.Block) {
	d := tc.cfg.Client.Delays.Init
	if d == 0 {
		tc.pacers[catOpen].queue.PushBack(b)
		b.TestState = cb.TestClientToOpen
		return
	}
	tc.toInit.PushBack(b)
	b.TestState = cb.TestClientToInit
	tc.armTimer(b, d)
}

// serverInit enters the first state of a new server session.
func (tc *TestCase) serverInit(b *cb.Block) {
	tc.app.Init(b)
	b.TestState = cb.TestServerOpening
}

func (tc *TestCase) armTimer(b *cb.Block, d Delay) {
	if d == Infinite {
		return
	}
	if b.TestTimer == nil {
		b.TestTimer = tc.env.Loop.AfterFunc(time.Duration(d), func() {
			tc.env.Bus.NotifyBlock(notif.TimerFired, b)
		})
		return
	}
	b.TestTimer.Reset(time.Duration(d))
}

func (tc *TestCase) enqueue(c category, b *cb.Block) {
	tc.pacers[c].queue.PushBack(b)
	tc.resched(c)
}

func (tc *TestCase) dequeue(c category, b *cb.Block) {
	tc.pacers[c].queue.Remove(b)
}

// connUp completes an open.
func (tc *TestCase) connUp(b *cb.Block) {
	tc.armTimer(b, tc.cfg.Client.Delays.Uptime)
	b.TestState = cb.TestClientOpen
	tc.app.ConnUp(b)
}

// connDown leaves an open state on a transport close.
func (tc *TestCase) connDown(b *cb.Block, next cb.TestState) {
	b.TestTimer.Stop()
	tc.app.ConnDown(b)
	b.TestState = next
}

func (tc *TestCase) enterClosed(b *cb.Block) {
	b.TestState = cb.TestClientClosed
	tc.closed.PushBack(b)
	tc.armTimer(b, tc.cfg.Client.Delays.Downtime)
	tc.env.Bus.NotifyBlock(notif.ClientDown, b)
}

func (tc *TestCase) enterPurged(b *cb.Block) {
	b.TestTimer.Stop()
	if q := b.Queue(); q != nil {
		q.Remove(b)
	}
	b.TestState = cb.TestPurged
}

// dispatch runs ev through b's test state machine. Events a state does
// not handle are ignored.
func (tc *TestCase) dispatch(b *cb.Block, ev event) {
	if b.Traced() {
		tc.logf("%v: %v on %v", b, ev, b.TestState)
	}
	if ev == evPurge {
		tc.enterPurged(b)
		return
	}
	switch b.TestState {
	case cb.TestClientToInit:
		if ev == evTimer {
			tc.toInit.Remove(b)
			b.TestState = cb.TestClientToOpen
			tc.enqueue(catOpen, b)
		}

	case cb.TestClientToOpen:
		switch ev {
		case evConnecting:
			tc.dequeue(catOpen, b)
			b.TestState = cb.TestClientOpening
		case evConnected:
			tc.dequeue(catOpen, b)
			tc.connUp(b)
		}

	case cb.TestClientOpening:
		switch ev {
		case evConnected:
			tc.connUp(b)
		case evClosing:
			b.TestState = cb.TestClientClosing
		}

	case cb.TestClientOpen:
		switch ev {
		case evSendStart:
			b.TestState = cb.TestClientSending
			tc.enqueue(catSend, b)
		case evClosing:
			tc.connDown(b, cb.TestClientClosing)
		case evTimer:
			b.TestState = cb.TestClientToClose
			tc.enqueue(catClose, b)
		}

	case cb.TestClientSending:
		switch ev {
		case evClosing:
			tc.dequeue(catSend, b)
			tc.connDown(b, cb.TestClientClosing)
		case evNoSndWin:
			tc.dequeue(catSend, b)
			b.TestState = cb.TestClientNoSndWin
		case evTimer:
			tc.dequeue(catSend, b)
			b.TestState = cb.TestClientToClose
			tc.enqueue(catClose, b)
		case evSendStop:
			tc.dequeue(catSend, b)
			b.TestState = cb.TestClientOpen
		}

	case cb.TestClientNoSndWin:
		switch ev {
		case evClosing:
			tc.connDown(b, cb.TestClientClosing)
		case evTimer:
			b.TestState = cb.TestClientToClose
			tc.enqueue(catClose, b)
		case evSndWin:
			b.TestState = cb.TestClientSending
			tc.enqueue(catSend, b)
		case evSendStop:
			b.TestState = cb.TestClientOpen
		}

	case cb.TestClientToClose:
		if ev == evClosing {
			tc.dequeue(catClose, b)
			tc.connDown(b, cb.TestClientClosing)
		}

	case cb.TestClientClosing:
		if ev == evClosed {
			tc.enterClosed(b)
		}

	case cb.TestClientClosed:
		if ev == evTimer {
			tc.closed.Remove(b)
			b.TestState = cb.TestClientToOpen
			tc.enqueue(catOpen, b)
		}

	case cb.TestServerOpening:
		switch ev {
		case evConnected:
			b.TestState = cb.TestServerOpen
			tc.app.ConnUp(b)
		case evClosing:
			b.TestState = cb.TestServerClosing
		}

	case cb.TestServerOpen:
		switch ev {
		case evSendStart:
			b.TestState = cb.TestServerSending
			tc.enqueue(catSend, b)
		case evClosing:
			tc.connDown(b, cb.TestServerClosing)
		}

	case cb.TestServerSending:
		switch ev {
		case evClosing:
			tc.dequeue(catSend, b)
			tc.connDown(b, cb.TestServerClosing)
		case evNoSndWin:
			tc.dequeue(catSend, b)
			b.TestState = cb.TestServerNoSndWin
		case evSendStop:
			tc.dequeue(catSend, b)
			b.TestState = cb.TestServerOpen
		}

	case cb.TestServerNoSndWin:
		switch ev {
		case evClosing:
			tc.connDown(b, cb.TestServerClosing)
		case evSndWin:
			b.TestState = cb.TestServerSending
			tc.enqueue(catSend, b)
		case evSendStop:
			b.TestState = cb.TestServerOpen
		}

	case cb.TestServerClosing:
		if ev == evClosed {
			b.TestState = cb.TestServerClosed
		}
	}
}
