// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package tstest

import (
	"fmt"
	"runtime"
	"testing"
	"time"
)

// MinAllocsPerRun reports an error unless at least one run of f makes
// no more than target allocations. It tries up to 1000 runs or for 5s.
//
// GOMAXPROCS is 1 while it measures.
func MinAllocsPerRun(t testing.TB, target uint64, f func()) error {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	var ms runtime.MemStats
	var lo, hi, sum uint64
	start := time.Now()
	var runs int
	for runs < 1000 && time.Since(start) < 5*time.Second {
		runtime.ReadMemStats(&ms)
		before := ms.Mallocs
		f()
		runtime.ReadMemStats(&ms)
		n := ms.Mallocs - before
		if n <= target {
			return nil
		}
		if lo == 0 || n < lo {
			lo = n
		}
		hi = max(hi, n)
		sum += n
		runs++
	}
	return fmt.Errorf("allocs per run: min %d, max %d, avg %.1f; want a run with <= %d", lo, hi, float64(sum)/float64(runs), target)
}
