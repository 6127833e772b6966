// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package testcase

import (
	"l4gen.dev/cb"
	"l4gen.dev/notif"
	"l4gen.dev/tstime"
)

// tick starts a new rate interval for c.
func (tc *TestCase) tick(c category) {
	p := &tc.pacers[c]
	p.gov.Advance(tstime.Micros(tc.env.Loop.Now()))
	p.achieved = false
	tc.resched(c)
}

// resched submits a run of c unless one is outstanding, the interval's
// quota is used up or c is disabled.
func (tc *TestCase) resched(c category) {
	p := &tc.pacers[c]
	if p.inProgress || p.achieved || p.gov.Zero() {
		return
	}
	if err := tc.env.Loop.Submit(p.task); err != nil {
		// The next tick retries.
		tc.dropf("%s run: %v", catNames[c], err)
		return
	}
	p.inProgress = true
}

// run processes one batch of c and resubmits itself while the queue has
// work and the quota allows.
func (tc *TestCase) run(c category) {
	p := &tc.pacers[c]
	if p.gov.Zero() {
		p.inProgress = false
		return
	}
	if !p.queue.Empty() {
		p.gov.Consume(p.run(p.gov.Available()))
	}
	if p.gov.RateReached() {
		p.achieved = true
		p.inProgress = false
		return
	}
	if p.queue.Empty() {
		p.inProgress = false
		return
	}
	if err := tc.env.Loop.Submit(p.task); err != nil {
		tc.dropf("%s run: %v", catNames[c], err)
		p.inProgress = false
	}
}

// runOpen opens up to n queued sessions and returns the number of
// attempts.
func (tc *TestCase) runOpen(n uint32) uint32 {
	q := tc.pacers[catOpen].queue
	var done uint32
	for ; done < n; done++ {
		b := q.PopFront()
		if b == nil {
			break
		}
		if err := tc.tr.open(b); err != nil {
			tc.dropf("open %v: %v", b, err)
			tc.env.Bus.NotifyBlock(notif.ClientFailed, b)
			if b.TestState == cb.TestClientToOpen && b.Queue() == nil {
				q.PushBack(b)
			}
			continue
		}
		tc.env.Bus.NotifyBlock(notif.ClientUp, b)
	}
	return done
}

// runClose closes up to n queued sessions.
func (tc *TestCase) runClose(n uint32) uint32 {
	q := tc.pacers[catClose].queue
	var done uint32
	for ; done < n; done++ {
		b := q.PopFront()
		if b == nil {
			break
		}
		tc.tr.close(b)
		if !b.IsFree() && b.TestState == cb.TestClientToClose && b.Queue() == nil {
			// The close did not change the transport state; retry.
			q.PushBack(b)
		}
	}
	return done
}

// runSend sends on up to n queued sessions and returns the number of
// messages completed.
func (tc *TestCase) runSend(n uint32) uint32 {
	q := tc.pacers[catSend].queue
	var msgs uint32
	for i := uint32(0); i < n && !q.Empty(); i++ {
		b := q.Front()
		data := tc.app.Send(b, tc.tr.sendMax(b))
		if data == nil {
			tc.env.Bus.NotifyBlock(notif.DataNull, b)
			if b.Queue() == q {
				q.MoveToBack(b)
			}
			continue
		}
		sent, err := tc.tr.send(b, data)
		if err != nil {
			tc.env.Bus.NotifyBlock(notif.DataFailed, b)
		}
		if sent > 0 {
			if tc.app.DataSent(b, sent) {
				msgs++
			}
			continue
		}
		if !tc.tr.sendBlocked(b) && b.Queue() == q {
			q.MoveToBack(b)
		}
	}
	tc.rates.Data += uint64(msgs)
	return msgs
}
