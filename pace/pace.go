// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pace converts a target rate of events per second into
// per-interval quotas and tracks how much of the current interval's
// quota has been consumed.
//
// A Governor is owned by a single worker and is not safe for concurrent
// use.
package pace

import (
	"fmt"
	"math"
)

// Unlimited is the rate value meaning "as fast as possible".
const Unlimited Rate = math.MaxUint32

const (
	// DefaultMinInterval is the smallest interval size, in microseconds,
	// used when no other value is configured.
	DefaultMinInterval = 100

	// NoLimitInterval is the interval size, in microseconds, used for
	// Unlimited rates. The quota is effectively infinite so the interval
	// only controls how often the scheduler is woken up.
	NoLimitInterval = 10000

	usPerSecond = 1_000_000
)

// Rate is a desired number of events per second.
type Rate uint32

func (r Rate) String() string {
	if r == Unlimited {
		return "unlimited"
	}
	return fmt.Sprintf("%d/s", uint32(r))
}

// Scale returns r scaled by local/total, the fraction of sessions that
// a single worker owns. Unlimited rates and zero totals are not scaled.
func (r Rate) Scale(local, total uint64) Rate {
	if r == Unlimited || total == 0 {
		return r
	}
	return Rate(local * uint64(r) / total)
}

// Governor holds the derived configuration and the operational state of
// one rate category (open, close or send).
type Governor struct {
	// Configured fields, derived once by Init.
	IntervalSize       uint32 // µs
	IntervalsPerSecond uint32
	Expected           uint32 // per interval
	ExpectedReduced    uint32 // per interval, for intervals at or after ReducedIndex
	ReducedIndex       uint32 // == IntervalsPerSecond when no interval is reduced
	MaxBurst           uint32

	// Operational fields, reset by Advance.
	CurExpected uint32
	CurDone     uint32

	rate Rate
}

// New returns a Governor initialized by Init.
func New(r Rate, maxBurst, minInterval uint32) *Governor {
	g := new(Governor)
	g.Init(r, maxBurst, minInterval)
	return g
}

// Init derives the per-interval quota for rate r. minInterval is the
// smallest interval size in microseconds; zero means DefaultMinInterval.
//
// A zero rate leaves every field zero: no timer is armed for it and
// RateReached never reports true.
func (g *Governor) Init(r Rate, maxBurst, minInterval uint32) {
	*g = Governor{rate: r}
	if r == 0 {
		return
	}
	if minInterval == 0 {
		minInterval = DefaultMinInterval
	}
	if minInterval > usPerSecond {
		minInterval = usPerSecond
	}

	if r == Unlimited {
		g.IntervalSize = NoLimitInterval
		g.IntervalsPerSecond = usPerSecond / NoLimitInterval
		g.Expected = math.MaxUint32
		g.ExpectedReduced = math.MaxUint32
		g.ReducedIndex = g.IntervalsPerSecond
		g.MaxBurst = maxBurst
		if g.MaxBurst == 0 {
			g.MaxBurst = 1
		}
		return
	}

	if uint32(r) <= usPerSecond/minInterval {
		g.IntervalSize = usPerSecond / uint32(r)
	} else {
		g.IntervalSize = minInterval
	}
	ips := usPerSecond / g.IntervalSize
	g.IntervalsPerSecond = ips
	g.Expected = uint32((uint64(r) + uint64(ips) - 1) / uint64(ips))
	g.ExpectedReduced = g.Expected
	g.ReducedIndex = ips

	// The ceiling above overshoots by (Expected*ips - r) events per
	// second. Every interval from index r%ips onwards gives one back.
	// When the overshoot is a single event that is exactly the interval
	// at index r%ips.
	if over := uint64(g.Expected)*uint64(ips) - uint64(r); over > 0 {
		g.ExpectedReduced = g.Expected - 1
		g.ReducedIndex = uint32(uint64(r) % uint64(ips))
	}

	g.MaxBurst = min(maxBurst, g.Expected)
	if g.MaxBurst == 0 {
		g.MaxBurst = 1
	}
}

// Rate returns the rate g was initialized with.
func (g *Governor) Rate() Rate { return g.rate }

// Zero reports whether g is degenerate (rate 0). Nothing is ever scheduled
// for a degenerate governor.
func (g *Governor) Zero() bool { return g.IntervalSize == 0 }

// Interval returns the interval size in microseconds; 0 for a degenerate
// governor.
func (g *Governor) Interval() uint32 { return g.IntervalSize }

// Advance starts the interval that contains nowUs (microseconds since the
// Unix epoch) and resets the consumed count.
func (g *Governor) Advance(nowUs uint64) {
	if g.Zero() {
		return
	}
	idx := uint32((nowUs / uint64(g.IntervalSize)) % uint64(g.IntervalsPerSecond))
	g.CurDone = 0
	if idx >= g.ReducedIndex {
		g.CurExpected = g.ExpectedReduced
	} else {
		g.CurExpected = g.Expected
	}
}

// Available returns how many events may be processed by a single
// invocation: the remaining quota of the current interval, capped at
// MaxBurst.
func (g *Governor) Available() uint32 {
	if g.CurDone >= g.CurExpected {
		return 0
	}
	return min(g.MaxBurst, g.CurExpected-g.CurDone)
}

// Consume records n processed events in the current interval.
func (g *Governor) Consume(n uint32) {
	if n > math.MaxUint32-g.CurDone {
		g.CurDone = math.MaxUint32
		return
	}
	g.CurDone += n
}

// RateReached reports whether the current interval's quota is used up.
// It is always false for a degenerate governor.
func (g *Governor) RateReached() bool {
	if g.Zero() {
		return false
	}
	return g.CurDone >= g.CurExpected
}

func (g *Governor) String() string {
	return fmt.Sprintf("rate=%v interval=%dus ips=%d expected=%d reduced=%d@%d burst=%d cur=%d/%d",
		g.rate, g.IntervalSize, g.IntervalsPerSecond, g.Expected, g.ExpectedReduced,
		g.ReducedIndex, g.MaxBurst, g.CurDone, g.CurExpected)
}
