// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package logger

import (
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestRateLimiter(t *testing.T) {
	var got []string
	logf := func(format string, args ...any) {
		got = append(got, fmt.Sprintf(format, args...))
	}

	lg := RateLimitedFn(logf, time.Hour, 2, 50)
	for i := range 5 {
		lg("drop on port %d", i)
	}
	lg("other format")

	c := qt.New(t)
	c.Assert(got, qt.DeepEquals, []string{
		"drop on port 0",
		"drop on port 1",
		`[RATE LIMITED] format string "drop on port %d" (example: "drop on port 2")`,
		"other format",
	})
}

func TestWithPrefix(t *testing.T) {
	var got string
	lg := WithPrefix(func(format string, args ...any) {
		got = fmt.Sprintf(format, args...)
	}, "core1: ")
	lg("tc %d started", 7)
	if want := "core1: tc 7 started"; got != want {
		t.Errorf("got %q; want %q", got, want)
	}
}

func TestStdLogger(t *testing.T) {
	var got []string
	l := StdLogger(func(format string, args ...any) {
		got = append(got, fmt.Sprintf(format, args...))
	})
	l.Printf("http: TLS handshake error from %s", "10.0.0.9:1234")
	l.Println("second")
	c := qt.New(t)
	c.Assert(got, qt.DeepEquals, []string{
		"http: TLS handshake error from 10.0.0.9:1234",
		"second",
	})
}

func TestRateLimiterEviction(t *testing.T) {
	n := 0
	lg := RateLimitedFn(func(string, ...any) { n++ }, time.Hour, 1, 2)
	lg("a")
	lg("b")
	lg("c") // evicts "a"
	lg("a") // fresh limiter
	if n != 4 {
		t.Errorf("logged %d; want 4", n)
	}
}
