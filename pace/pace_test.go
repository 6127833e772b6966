// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pace

import (
	"math"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name        string
		rate        Rate
		burst       uint32
		minInterval uint32
		want        Governor
	}{
		{
			name: "zero",
			rate: 0, burst: 16, minInterval: 100,
			want: Governor{},
		},
		{
			name: "one_per_interval",
			rate: 1000, burst: 50, minInterval: 1000,
			want: Governor{
				IntervalSize: 1000, IntervalsPerSecond: 1000,
				Expected: 1, ExpectedReduced: 1, ReducedIndex: 1000,
				MaxBurst: 1,
			},
		},
		{
			name: "three_per_second",
			rate: 3, burst: 16, minInterval: 1000,
			want: Governor{
				IntervalSize: 333333, IntervalsPerSecond: 3,
				Expected: 1, ExpectedReduced: 1, ReducedIndex: 3,
				MaxBurst: 1,
			},
		},
		{
			name: "high_even",
			rate: 20000, burst: 16, minInterval: 100,
			want: Governor{
				IntervalSize: 100, IntervalsPerSecond: 10000,
				Expected: 2, ExpectedReduced: 2, ReducedIndex: 10000,
				MaxBurst: 2,
			},
		},
		{
			name: "high_remainder",
			rate: 10001, burst: 16, minInterval: 100,
			want: Governor{
				IntervalSize: 100, IntervalsPerSecond: 10000,
				Expected: 2, ExpectedReduced: 1, ReducedIndex: 1,
				MaxBurst: 2,
			},
		},
		{
			name: "burst_capped",
			rate: 1_000_000, burst: 8, minInterval: 100,
			want: Governor{
				IntervalSize: 100, IntervalsPerSecond: 10000,
				Expected: 100, ExpectedReduced: 100, ReducedIndex: 10000,
				MaxBurst: 8,
			},
		},
		{
			name: "unlimited",
			rate: Unlimited, burst: 16, minInterval: 100,
			want: Governor{
				IntervalSize: NoLimitInterval, IntervalsPerSecond: 100,
				Expected: math.MaxUint32, ExpectedReduced: math.MaxUint32,
				ReducedIndex: 100, MaxBurst: 16,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.rate, tt.burst, tt.minInterval)
			if diff := cmp.Diff(tt.want, *g, cmpopts.IgnoreUnexported(Governor{})); diff != "" {
				t.Errorf("Init mismatch (-want +got):\n%s", diff)
			}
			if g.Rate() != tt.rate {
				t.Errorf("Rate() = %v; want %v", g.Rate(), tt.rate)
			}
		})
	}
}

// perSecond walks one full cycle of intervals, consuming as much as each
// interval allows, and returns the total.
func perSecond(g *Governor, startUs uint64) (total uint64, maxPerInterval uint32) {
	for i := uint64(0); i < uint64(g.IntervalsPerSecond); i++ {
		g.Advance(startUs + i*uint64(g.IntervalSize))
		var done uint32
		for !g.RateReached() {
			n := g.Available()
			if n == 0 || n > g.MaxBurst {
				panic("bad available")
			}
			g.Consume(n)
			done += n
		}
		total += uint64(done)
		maxPerInterval = max(maxPerInterval, done)
	}
	return total, maxPerInterval
}

func TestRateConservation(t *testing.T) {
	for _, minInterval := range []uint32{100, 1000} {
		for _, r := range []Rate{1, 2, 3, 7, 999, 1000, 1001, 7000, 9999, 10001, 12345, 99999, 250000, 1_000_000} {
			g := New(r, 16, minInterval)
			total, maxPer := perSecond(g, 0)
			if total != uint64(r) {
				t.Errorf("rate %v, minInterval %d: total per second = %d; want %d (%v)", r, minInterval, total, r, g)
			}
			if maxPer > g.Expected {
				t.Errorf("rate %v: interval processed %d > expected %d", r, maxPer, g.Expected)
			}
		}
	}
}

func TestReducedTail(t *testing.T) {
	// 1500/s over 1000 intervals: the first 500 carry 2 and every later
	// one carries 1.
	c := qt.New(t)
	g := New(1500, 16, 1000)
	c.Assert(g.IntervalsPerSecond, qt.Equals, uint32(1000))
	c.Assert(g.ReducedIndex, qt.Equals, uint32(500))
	var total uint32
	for i := range uint64(1000) {
		g.Advance(i * uint64(g.IntervalSize))
		want := uint32(2)
		if i >= 500 {
			want = 1
		}
		c.Assert(g.CurExpected, qt.Equals, want, qt.Commentf("interval %d", i))
		total += g.CurExpected
	}
	c.Assert(total, qt.Equals, uint32(1500))
}

func TestScenarioThreePerSecond(t *testing.T) {
	c := qt.New(t)
	g := New(3, 16, 1000)
	c.Assert(g.IntervalSize, qt.Equals, uint32(333333))
	c.Assert(g.IntervalsPerSecond, qt.Equals, uint32(3))

	// Any whole-second window aligned on the interval grid yields 3.
	for _, start := range []uint64{0, 333333, 2 * 333333, 10 * 333333} {
		total, _ := perSecond(g, start)
		c.Assert(total, qt.Equals, uint64(3), qt.Commentf("start %d", start))
	}
}

func TestZeroRate(t *testing.T) {
	c := qt.New(t)
	g := New(0, 16, 100)
	c.Assert(g.Zero(), qt.IsTrue)
	c.Assert(g.Interval(), qt.Equals, uint32(0))
	for now := uint64(0); now < 1_000_000; now += 100 {
		g.Advance(now)
		c.Assert(g.RateReached(), qt.IsFalse)
		c.Assert(g.Available(), qt.Equals, uint32(0))
	}
}

func TestAvailableBurst(t *testing.T) {
	c := qt.New(t)
	g := New(1_000_000, 8, 100)
	g.Advance(0)
	c.Assert(g.Available(), qt.Equals, uint32(8))
	g.Consume(96)
	c.Assert(g.Available(), qt.Equals, uint32(4))
	g.Consume(4)
	c.Assert(g.RateReached(), qt.IsTrue)
	c.Assert(g.Available(), qt.Equals, uint32(0))

	g.Advance(100)
	c.Assert(g.CurDone, qt.Equals, uint32(0))
	c.Assert(g.RateReached(), qt.IsFalse)
}

func TestUnlimitedNeverReached(t *testing.T) {
	g := New(Unlimited, 32, 100)
	g.Advance(12345)
	for range 1000 {
		g.Consume(g.Available())
	}
	if g.RateReached() {
		t.Fatal("unlimited governor reached its rate")
	}
}

func TestScale(t *testing.T) {
	c := qt.New(t)
	c.Assert(Rate(1000).Scale(250, 1000), qt.Equals, Rate(250))
	c.Assert(Rate(1000).Scale(0, 1000), qt.Equals, Rate(0))
	c.Assert(Unlimited.Scale(1, 4), qt.Equals, Unlimited)
	c.Assert(Rate(7).Scale(5, 0), qt.Equals, Rate(7))
	c.Assert(Unlimited.String(), qt.Equals, "unlimited")
	c.Assert(Rate(5).String(), qt.Equals, "5/s")
}
