// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package tstest holds test helpers: a manual clock for driving worker
// loops deterministically, a goroutine leak check and an allocation
// check.
package tstest

import (
	"sync"
	"time"
)

// ClockOpts configures NewClock.
type ClockOpts struct {
	// Start is the first time Now returns. Zero means one hour after
	// the Unix epoch in UTC, so microsecond intervals start whole.
	Start time.Time

	// Step is added on every Now call after the first. Zero means the
	// clock only moves through Advance and AdvanceTo.
	Step time.Duration
}

// Clock is a manual tstime.Clock.
type Clock struct {
	start time.Time
	step  time.Duration

	mu   sync.Mutex
	now  time.Time
	hold bool // next Now returns now without stepping
}

// NewClock returns a Clock configured by co.
func NewClock(co ClockOpts) *Clock {
	if co.Start.IsZero() {
		co.Start = time.Unix(3600, 0).UTC()
	}
	return &Clock{start: co.Start, step: co.Step, now: co.Start, hold: true}
}

// Now returns the current virtual time, stepping it first unless the
// clock was just created or moved.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hold {
		c.hold = false
	} else {
		c.now = c.now.Add(c.step)
	}
	return c.now
}

// PeekNow returns the last time Now returned, without stepping.
func (c *Clock) PeekNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock by d and returns the new time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.hold = true
	return c.now
}

// AdvanceTo sets the clock to t.
func (c *Clock) AdvanceTo(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	c.hold = true
}

// GetStart returns the clock's initial time.
func (c *Clock) GetStart() time.Time { return c.start }
