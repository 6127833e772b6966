// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package logger defines the printf-like logging func passed around the
// generator, and wrappers for it.
package logger

import (
	"container/list"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"l4gen.dev/envknob"
)

// Logf is a printf-like func. The format need not end in a newline.
// Logf funcs must be safe for concurrent use.
//
// Wrappers must pass the caller's format through unchanged: rate
// limiting is keyed on it.
type Logf func(format string, args ...any)

// WithPrefix returns a Logf that prepends prefix to every format.
func WithPrefix(f Logf, prefix string) Logf {
	return func(format string, args ...any) {
		f(prefix+format, args...)
	}
}

// Discard drops everything.
func Discard(string, ...any) {}

type writer struct{ f Logf }

func (w writer) Write(p []byte) (int, error) {
	w.f("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

// StdLogger returns a *log.Logger that writes each line to f, for
// packages that want one, such as net/http.Server.ErrorLog.
func StdLogger(f Logf) *log.Logger {
	return log.New(writer{f}, "", 0)
}

var debugLogRate = envknob.RegisterString("L4GEN_DEBUG_LOG_RATE")

// formatLimit is the limiter state of one format string.
type formatLimit struct {
	lim    *rate.Limiter
	warned bool          // the drop notice was logged since the last pass
	elem   *list.Element // in the LRU; Value is the format
}

// RateLimitedFn returns a Logf that lets each distinct format through
// at most once per interval, in bursts of up to burst. Only the
// maxFormats most recently used formats are tracked. The first message
// dropped for a format is replaced by a single notice.
//
// Setting L4GEN_DEBUG_LOG_RATE=all disables the limit.
func RateLimitedFn(logf Logf, interval time.Duration, burst, maxFormats int) Logf {
	if debugLogRate() == "all" {
		return logf
	}
	var (
		mu     sync.Mutex
		limits = make(map[string]*formatLimit)
		lru    = list.New() // front is most recent
	)
	// admit reports whether to log format, and whether to log the drop
	// notice instead.
	admit := func(format string) (pass, notice bool) {
		mu.Lock()
		defer mu.Unlock()
		fl := limits[format]
		if fl == nil {
			fl = &formatLimit{lim: rate.NewLimiter(rate.Every(interval), burst), elem: lru.PushFront(format)}
			limits[format] = fl
			if lru.Len() > maxFormats {
				oldest := lru.Back()
				lru.Remove(oldest)
				delete(limits, oldest.Value.(string))
			}
		} else {
			lru.MoveToFront(fl.elem)
		}
		if fl.lim.Allow() {
			fl.warned = false
			return true, false
		}
		if fl.warned {
			return false, false
		}
		fl.warned = true
		return false, true
	}
	return func(format string, args ...any) {
		switch pass, notice := admit(format); {
		case pass:
			logf(format, args...)
		case notice:
			logf("[RATE LIMITED] format string \"%s\" (example: \"%s\")", format, strings.TrimSpace(fmt.Sprintf(format, args...)))
		}
	}
}

// TestLogger returns a Logf that logs through tb.Logf.
func TestLogger(tb interface{ Logf(string, ...any) }) Logf {
	return func(format string, args ...any) {
		tb.Logf("    ... "+format, args...)
	}
}
