// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package app contains the application layer run over the generated
// sessions. The set of applications is closed and selected by Kind.
package app

import (
	"errors"
	"fmt"
	"time"

	"l4gen.dev/cb"
	"l4gen.dev/notif"
)

// Kind selects an application.
type Kind uint8

const (
	KindNoop Kind = iota
	KindRaw
	KindImix
)

var kindNames = [...]string{
	KindNoop: "noop",
	KindRaw:  "raw",
	KindImix: "imix",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	if int(k) >= len(kindNames) {
		return nil, fmt.Errorf("app: invalid kind %d", uint8(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("app: unknown kind %q", b)
}

// Raw configures the raw application: the client sends ReqSize bytes and
// waits for RespSize bytes in return, forever. Either size may be zero.
type Raw struct {
	ReqSize  uint32 `json:"req_size"`
	RespSize uint32 `json:"resp_size"`
}

// ImixEntry is one member of an imix group.
type ImixEntry struct {
	Weight uint32 `json:"weight"`
	Raw    Raw    `json:"raw"`
}

// MaxImixWeight bounds the sum of the weights of an imix group.
const MaxImixWeight = 1000

// Latency configures request/response latency sampling on raw and imix
// clients. A sample is the time from a request being fully sent to its
// response being fully received.
type Latency struct {
	Enabled bool `json:"enabled"`
	// Samples above MaxUS, and samples that push the average above
	// MaxAvgUS, are counted. Zero disables the check.
	MaxUS    uint64 `json:"max_us,omitempty"`
	MaxAvgUS uint64 `json:"max_avg_us,omitempty"`
}

// Config is the application part of a test case.
type Config struct {
	Kind    Kind        `json:"kind"`
	Raw     Raw         `json:"raw,omitzero"`
	Imix    []ImixEntry `json:"imix,omitempty"`
	Latency Latency     `json:"latency,omitzero"`
}

var errEmptyImix = errors.New("app: imix group has no entries")

// Validate reports whether c describes a runnable application.
func (c Config) Validate() error {
	switch c.Kind {
	case KindNoop, KindRaw:
		return nil
	case KindImix:
		if len(c.Imix) == 0 {
			return errEmptyImix
		}
		var total uint32
		for i, e := range c.Imix {
			if e.Weight == 0 {
				return fmt.Errorf("app: imix entry %d has zero weight", i)
			}
			total += e.Weight
		}
		if total > MaxImixWeight {
			return fmt.Errorf("app: imix weight %d exceeds %d", total, MaxImixWeight)
		}
		return nil
	}
	return fmt.Errorf("app: invalid kind %v", c.Kind)
}

// Stats are application counters of one test case.
type Stats struct {
	Requests  uint64 `json:"requests"`
	Responses uint64 `json:"responses"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxBytes   uint64 `json:"rx_bytes"`

	// ImixSessions counts sessions started per imix entry.
	ImixSessions []uint64 `json:"imix_sessions,omitempty"`

	Latency LatencyStats `json:"latency,omitzero"`
}

// LatencyStats summarize latency samples, in microseconds.
type LatencyStats struct {
	Samples uint64 `json:"samples"`
	SumUS   uint64 `json:"sum_us"`
	MinUS   uint64 `json:"min_us"`
	MaxUS   uint64 `json:"max_us"`
	// JitterUS is the largest distance of a sample from the average
	// before it.
	JitterUS       uint64 `json:"jitter_us"`
	MaxExceeded    uint64 `json:"max_exceeded"`
	MaxAvgExceeded uint64 `json:"max_avg_exceeded"`
}

// AvgUS returns the average sample.
func (l *LatencyStats) AvgUS() uint64 {
	if l.Samples == 0 {
		return 0
	}
	return l.SumUS / l.Samples
}

func (l *LatencyStats) add(o *LatencyStats) {
	if o.Samples == 0 {
		return
	}
	if l.Samples == 0 || o.MinUS < l.MinUS {
		l.MinUS = o.MinUS
	}
	l.MaxUS = max(l.MaxUS, o.MaxUS)
	l.JitterUS = max(l.JitterUS, o.JitterUS)
	l.Samples += o.Samples
	l.SumUS += o.SumUS
	l.MaxExceeded += o.MaxExceeded
	l.MaxAvgExceeded += o.MaxAvgExceeded
}

// sample records one latency of d checked against cfg.
func (l *LatencyStats) sample(d time.Duration, cfg Latency) {
	us := uint64(max(d.Microseconds(), 0))
	if l.Samples > 0 {
		avg := l.AvgUS()
		l.JitterUS = max(l.JitterUS, max(avg, us)-min(avg, us))
	}
	if l.Samples == 0 || us < l.MinUS {
		l.MinUS = us
	}
	l.MaxUS = max(l.MaxUS, us)
	l.Samples++
	l.SumUS += us
	if cfg.MaxUS != 0 && us > cfg.MaxUS {
		l.MaxExceeded++
	}
	if cfg.MaxAvgUS != 0 && l.AvgUS() > cfg.MaxAvgUS {
		l.MaxAvgExceeded++
	}
}

// Add adds o to s.
func (s *Stats) Add(o *Stats) {
	s.Requests += o.Requests
	s.Responses += o.Responses
	s.TxBytes += o.TxBytes
	s.RxBytes += o.RxBytes
	s.Latency.add(&o.Latency)
	if len(s.ImixSessions) < len(o.ImixSessions) {
		s.ImixSessions = append(s.ImixSessions, make([]uint64, len(o.ImixSessions)-len(s.ImixSessions))...)
	}
	for i, n := range o.ImixSessions {
		s.ImixSessions[i] += n
	}
}

// Reset zeroes s, keeping its storage.
func (s *Stats) Reset() {
	imix := s.ImixSessions
	clear(imix)
	*s = Stats{ImixSessions: imix}
}

// Notifier raises an application event (AppSendStart, AppSendStop,
// AppClose) for a session.
type Notifier func(k notif.Kind, b *cb.Block)

// Layer is an application instance bound to one test case on one worker.
// All methods are called from the worker's loop.
type Layer interface {
	// TCStart and TCStop bracket the test case run.
	TCStart()
	TCStop()

	// Init prepares the per-session state of b. It is called when a
	// client block is (re)initialized and when a server session is
	// created.
	Init(b *cb.Block)
	ConnUp(b *cb.Block)
	ConnDown(b *cb.Block)

	// Deliver consumes received data and returns how much of it the
	// application accounted for.
	Deliver(b *cb.Block, data []byte) int
	// Send returns at most max bytes to send next. The returned slice
	// stays valid until the test case stops. A nil result means there is
	// nothing to send.
	Send(b *cb.Block, max int) []byte
	// DataSent reports that n bytes returned by Send were accepted by the
	// transport. It returns true when a whole message has been sent.
	DataSent(b *cb.Block, n int) bool

	// Stats returns the live counters of the test case.
	Stats() *Stats
}

// New returns the application described by c. server selects the server
// side. now reads the worker clock for latency samples; it may be nil
// when c.Latency is disabled.
func New(c Config, server bool, notify Notifier, now func() time.Time) (Layer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if notify == nil {
		notify = func(notif.Kind, *cb.Block) {}
	}
	var lat *latency
	if c.Latency.Enabled && !server {
		if now == nil {
			return nil, errors.New("app: latency sampling without a clock")
		}
		lat = &latency{cfg: c.Latency, now: now}
	}
	switch c.Kind {
	case KindRaw:
		return newRaw(c.Raw, server, notify, new(Stats), lat), nil
	case KindImix:
		return newImix(c.Imix, server, notify, lat), nil
	}
	return new(noop), nil
}

type latency struct {
	cfg Latency
	now func() time.Time
}

// payloadSize is the size of the static transmit payload.
const payloadSize = 64 << 10

// payload is shared by every sender. Transports may keep references to
// it until the data is acknowledged, so it is never written after init.
var payload = func() []byte {
	b := make([]byte, payloadSize)
	for i := range b {
		b[i] = 'a' + byte(i%26)
	}
	return b
}()

// Payload returns n bytes of the static transmit payload.
func Payload(n int) []byte {
	return payload[:min(n, payloadSize)]
}

type noop struct {
	stats Stats
}

func (*noop) TCStart() {}
func (*noop) TCStop() {}
func (*noop) Init(*cb.Block) {}
func (*noop) ConnUp(*cb.Block) {}
func (*noop) ConnDown(*cb.Block) {}
func (*noop) Send(*cb.Block, int) []byte { return nil }
func (*noop) DataSent(*cb.Block, int) bool { return false }
func (a *noop) Stats() *Stats { return &a.stats }
func (a *noop) Deliver(_ *cb.Block, d []byte) int {
	a.stats.RxBytes += uint64(len(d))
	return len(d)
}
