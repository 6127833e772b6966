// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"go4.org/netipx"
	"l4gen.dev/pace"
	"l4gen.dev/testcase"
)

// Range is an IPv4 address range written as "a.b.c.d", "a.b.c.d-e.f.g.h"
// or "a.b.c.d/n".
type Range struct {
	netipx.IPRange
}

func (r *Range) UnmarshalText(b []byte) error {
	s := string(b)
	switch {
	case strings.Contains(s, "-"):
		ipr, err := netipx.ParseIPRange(s)
		if err != nil {
			return err
		}
		r.IPRange = ipr
	case strings.Contains(s, "/"):
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return err
		}
		r.IPRange = netipx.RangeOfPrefix(p)
	default:
		a, err := netip.ParseAddr(s)
		if err != nil {
			return err
		}
		r.IPRange = netipx.IPRangeFrom(a, a)
	}
	if !r.From().Is4() {
		return fmt.Errorf("range %q: only IPv4 is supported", s)
	}
	return nil
}

func (r Range) MarshalText() ([]byte, error) {
	if r.From() == r.To() {
		return r.From().MarshalText()
	}
	return r.IPRange.MarshalText()
}

// Ports is a transport port range written as a number, "n" or "n-m".
type Ports struct {
	testcase.PortRange
}

func (p *Ports) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] != '"' {
		n, err := strconv.ParseUint(string(b), 10, 16)
		if err != nil {
			return fmt.Errorf("port %s: %w", b, err)
		}
		p.First, p.Last = uint16(n), uint16(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	first, last, ok := strings.Cut(s, "-")
	if !ok {
		last = first
	}
	f, err := strconv.ParseUint(strings.TrimSpace(first), 10, 16)
	if err != nil {
		return fmt.Errorf("ports %q: %w", s, err)
	}
	l, err := strconv.ParseUint(strings.TrimSpace(last), 10, 16)
	if err != nil {
		return fmt.Errorf("ports %q: %w", s, err)
	}
	if l < f {
		return fmt.Errorf("ports %q: empty range", s)
	}
	p.First, p.Last = uint16(f), uint16(l)
	return nil
}

func (p Ports) MarshalJSON() ([]byte, error) {
	if p.First == p.Last {
		return json.Marshal(p.First)
	}
	return json.Marshal(p.PortRange.String())
}

// Rate is a rate in events per second, or "unlimited".
type Rate struct {
	pace.Rate
}

const unlimited = "unlimited"

func (r *Rate) or(def pace.Rate) pace.Rate {
	if r == nil {
		return def
	}
	return r.Rate
}

func (r *Rate) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte(`"`+unlimited+`"`)) {
		r.Rate = pace.Unlimited
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("rate %s: want a number or %q", b, unlimited)
	}
	if n >= uint64(pace.Unlimited) {
		return fmt.Errorf("rate %d too large", n)
	}
	r.Rate = pace.Rate(n)
	return nil
}

func (r Rate) MarshalJSON() ([]byte, error) {
	if r.Rate == pace.Unlimited {
		return json.Marshal(unlimited)
	}
	return json.Marshal(uint32(r.Rate))
}

// Delay is a number of seconds, a Go duration string, or "infinite".
type Delay struct {
	testcase.Delay
}

const infinite = "infinite"

func (d *Delay) or(def testcase.Delay) testcase.Delay {
	if d == nil {
		return def
	}
	return d.Delay
}

func (d *Delay) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] != '"' {
		var secs float64
		if err := json.Unmarshal(b, &secs); err != nil {
			return err
		}
		if secs < 0 || secs > math.MaxInt64/float64(time.Second) {
			return fmt.Errorf("delay %s out of range", b)
		}
		d.Delay = testcase.Delay(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == infinite {
		d.Delay = testcase.Infinite
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("delay %q: want seconds, a duration or %q", s, infinite)
	}
	if v < 0 {
		return fmt.Errorf("delay %q is negative", s)
	}
	d.Delay = testcase.Delay(v)
	return nil
}

func (d Delay) MarshalJSON() ([]byte, error) {
	if d.Delay == testcase.Infinite {
		return json.Marshal(infinite)
	}
	return json.Marshal(time.Duration(d.Delay).Seconds())
}

// Duration returns d as a time.Duration. It must not be infinite.
func (d Delay) Duration() time.Duration { return time.Duration(d.Delay) }
