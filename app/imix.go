// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package app

import "l4gen.dev/cb"

// imix runs a weighted mix of raw applications. Each session is assigned
// an entry when it comes up, so that server sessions are distributed by
// weight too.
type imix struct {
	entries []*raw
	table   []int // entry index repeated by weight
	next    int
	stats   Stats
}

func newImix(entries []ImixEntry, server bool, notify Notifier, lat *latency) *imix {
	a := &imix{}
	a.stats.ImixSessions = make([]uint64, len(entries))
	for i, e := range entries {
		a.entries = append(a.entries, newRaw(e.Raw, server, notify, &a.stats, lat))
		for range e.Weight {
			a.table = append(a.table, i)
		}
	}
	return a
}

func (a *imix) TCStart()      { a.next = 0 }
func (a *imix) TCStop()       {}
func (a *imix) Stats() *Stats { return &a.stats }

func (a *imix) Init(b *cb.Block) {
	b.App = &rawSession{}
}

func (a *imix) ConnUp(b *cb.Block) {
	s := session(b)
	if s == nil {
		a.Init(b)
		s = session(b)
	}
	s.entry = a.table[a.next]
	a.next = (a.next + 1) % len(a.table)
	a.stats.ImixSessions[s.entry]++
	a.entries[s.entry].up(b, s)
}

func (a *imix) ConnDown(b *cb.Block) {}

func (a *imix) Deliver(b *cb.Block, data []byte) int {
	s := session(b)
	if s == nil {
		return 0
	}
	return a.entries[s.entry].deliver(b, s, data)
}

func (a *imix) Send(b *cb.Block, max int) []byte {
	s := session(b)
	if s == nil {
		return nil
	}
	return a.entries[s.entry].send(s, max)
}

func (a *imix) DataSent(b *cb.Block, n int) bool {
	s := session(b)
	if s == nil {
		return false
	}
	return a.entries[s.entry].dataSent(b, s, n)
}
