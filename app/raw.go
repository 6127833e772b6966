// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package app

import (
	"time"

	"l4gen.dev/cb"
	"l4gen.dev/notif"
)

type rawState uint8

const (
	rawSending rawState = iota
	rawReceiving
)

// rawSession is the per-session state of a raw application.
type rawSession struct {
	state     rawState
	remaining uint32
	entry     int       // imix entry, 0 for plain raw
	sentAt    time.Time // request fully sent, when sampling latency
}

func (s *rawSession) goTo(st rawState, remaining uint32) {
	s.state = st
	s.remaining = remaining
}

type raw struct {
	cfg    Raw
	server bool
	notify Notifier
	stats  *Stats
	lat    *latency // nil unless sampling
}

func newRaw(cfg Raw, server bool, notify Notifier, stats *Stats, lat *latency) *raw {
	return &raw{cfg: cfg, server: server, notify: notify, stats: stats, lat: lat}
}

func session(b *cb.Block) *rawSession {
	s, _ := b.App.(*rawSession)
	return s
}

func (a *raw) TCStart()      {}
func (a *raw) TCStop()       {}
func (a *raw) Stats() *Stats { return a.stats }

func (a *raw) Init(b *cb.Block) {
	// Cloned server blocks share their listener's App; never reuse it.
	s := &rawSession{}
	a.reset(s)
	b.App = s
}

func (a *raw) reset(s *rawSession) {
	s.sentAt = time.Time{}
	if a.server {
		s.goTo(rawReceiving, a.cfg.ReqSize)
	} else {
		s.goTo(rawSending, a.cfg.ReqSize)
	}
}

func (a *raw) ConnUp(b *cb.Block) {
	s := session(b)
	if s == nil {
		a.Init(b)
		s = session(b)
	}
	a.up(b, s)
}

func (a *raw) up(b *cb.Block, s *rawSession) {
	a.reset(s)
	if !a.server && a.cfg.ReqSize != 0 {
		a.notify(notif.AppSendStart, b)
	}
}

func (a *raw) ConnDown(b *cb.Block) {}

func (a *raw) Deliver(b *cb.Block, data []byte) int {
	s := session(b)
	if s == nil {
		return 0
	}
	return a.deliver(b, s, data)
}

func (a *raw) deliver(b *cb.Block, s *rawSession, data []byte) int {
	a.stats.RxBytes += uint64(len(data))
	if s.state != rawReceiving || s.remaining == 0 {
		return 0
	}
	n := uint32(min(len(data), int(s.remaining)))
	s.remaining -= n
	if s.remaining > 0 {
		return int(n)
	}
	if a.server {
		a.stats.Requests++
		if a.cfg.RespSize != 0 {
			s.goTo(rawSending, a.cfg.RespSize)
			a.notify(notif.AppSendStart, b)
		} else {
			s.goTo(rawReceiving, a.cfg.ReqSize)
		}
		return int(n)
	}
	a.stats.Responses++
	if !s.sentAt.IsZero() {
		a.stats.Latency.sample(a.lat.now().Sub(s.sentAt), a.lat.cfg)
		s.sentAt = time.Time{}
	}
	if a.cfg.ReqSize != 0 {
		s.goTo(rawSending, a.cfg.ReqSize)
		a.notify(notif.AppSendStart, b)
	} else {
		s.goTo(rawReceiving, a.cfg.RespSize)
	}
	return int(n)
}

func (a *raw) Send(b *cb.Block, max int) []byte {
	s := session(b)
	if s == nil {
		return nil
	}
	return a.send(s, max)
}

func (a *raw) send(s *rawSession, max int) []byte {
	if s.state != rawSending || s.remaining == 0 || max <= 0 {
		return nil
	}
	return Payload(min(int(s.remaining), max))
}

func (a *raw) DataSent(b *cb.Block, n int) bool {
	s := session(b)
	if s == nil {
		return false
	}
	return a.dataSent(b, s, n)
}

func (a *raw) dataSent(b *cb.Block, s *rawSession, n int) bool {
	if s.state != rawSending || n <= 0 {
		return false
	}
	a.stats.TxBytes += uint64(n)
	s.remaining -= uint32(min(n, int(s.remaining)))
	if s.remaining > 0 {
		return false
	}
	a.notify(notif.AppSendStop, b)
	if a.server {
		a.stats.Responses++
		s.goTo(rawReceiving, a.cfg.ReqSize)
		return true
	}
	a.stats.Requests++
	if a.cfg.RespSize != 0 {
		if a.lat != nil {
			s.sentAt = a.lat.now()
		}
		s.goTo(rawReceiving, a.cfg.RespSize)
	} else {
		s.goTo(rawSending, a.cfg.ReqSize)
		a.notify(notif.AppSendStart, b)
	}
	return true
}
