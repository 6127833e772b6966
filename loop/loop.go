// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package loop implements the cooperative run-to-completion loop that
// each worker runs on its own goroutine.
//
// A Loop multiplexes three sources of work: a bounded queue of tasks
// submitted by the loop's own code, a heap of timers, and an inbox of
// functions sent from other goroutines. Nothing that runs on a Loop may
// block; work that cannot finish now is deferred by submitting another
// task.
package loop

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"l4gen.dev/tstime"
	"l4gen.dev/types/logger"
	"l4gen.dev/util/ringbuffer"
)

var (
	// ErrQueueFull is returned by Submit when the task queue is at its
	// limit.
	ErrQueueFull = errors.New("loop: task queue full")

	// ErrInboxFull is returned by TrySend when the inbox cannot take
	// another message without blocking.
	ErrInboxFull = errors.New("loop: inbox full")
)

// Task is a unit of work run on the loop.
type Task func()

// Options configures a Loop.
type Options struct {
	// TaskLimit bounds the number of outstanding submitted tasks.
	// Zero means 64k.
	TaskLimit int
	// InboxSize is the buffer size of the cross-goroutine inbox.
	// Zero means 4096.
	InboxSize int
	// Clock is the time source. Nil means tstime.StdClock.
	Clock tstime.Clock
	// Logf is used for loop-level diagnostics. Nil means logger.Discard.
	Logf logger.Logf
}

// Loop is a single-threaded scheduler. Only Send, TrySend and Run may be
// called from goroutines other than the one running the loop.
type Loop struct {
	clock tstime.Clock
	logf  logger.Logf

	tasks  *ringbuffer.RingBuffer[Task]
	timers timerHeap
	seq    uint64
	inbox  chan func()

	now   time.Time // loop time, refreshed at the start of each pass
	stats Stats
}

// Stats counts loop activity.
type Stats struct {
	Passes      uint64
	Tasks       uint64
	Timers      uint64
	Messages    uint64
	TasksDenied uint64
}

// New returns a new Loop.
func New(opts Options) *Loop {
	if opts.TaskLimit == 0 {
		opts.TaskLimit = 1 << 16
	}
	if opts.InboxSize == 0 {
		opts.InboxSize = 4096
	}
	if opts.Clock == nil {
		opts.Clock = tstime.StdClock{}
	}
	if opts.Logf == nil {
		opts.Logf = logger.Discard
	}
	l := &Loop{
		clock: opts.Clock,
		logf:  opts.Logf,
		tasks: ringbuffer.NewBounded[Task](opts.TaskLimit),
		inbox: make(chan func(), opts.InboxSize),
	}
	l.now = l.clock.Now()
	return l
}

// Now returns the loop time: the clock reading taken at the start of the
// current pass. Work within one pass observes a single instant.
func (l *Loop) Now() time.Time { return l.now }

// Stats returns a copy of the loop counters.
func (l *Loop) Stats() Stats { return l.stats }

// Submit queues t to run on a later pass of the loop.
func (l *Loop) Submit(t Task) error {
	if !l.tasks.Push(t) {
		l.stats.TasksDenied++
		return ErrQueueFull
	}
	return nil
}

// Pending returns the number of submitted tasks not yet run.
func (l *Loop) Pending() int { return l.tasks.Len() }

// Send delivers f to the loop from any goroutine, blocking until the
// inbox accepts it or ctx is done.
func (l *Loop) Send(ctx context.Context, f func()) error {
	select {
	case l.inbox <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend delivers f to the loop from any goroutine without blocking.
func (l *Loop) TrySend(f func()) error {
	select {
	case l.inbox <- f:
		return nil
	default:
		return ErrInboxFull
	}
}

// RunOnce performs a single pass: it drains the inbox, fires every timer
// that is due, then runs the tasks that were queued when the pass began.
// Tasks submitted during the pass run on the next one. It returns the
// number of units of work done.
func (l *Loop) RunOnce() int {
	l.now = l.clock.Now()
	l.stats.Passes++
	n := 0

	for drained := false; !drained; {
		select {
		case f := <-l.inbox:
			f()
			l.stats.Messages++
			n++
		default:
			drained = true
		}
	}

	for len(l.timers) > 0 && !l.timers[0].when.After(l.now) {
		t := l.timers[0]
		if t.period > 0 {
			t.when = t.when.Add(t.period)
			if !t.when.After(l.now) {
				// Missed ticks are skipped, keeping the phase.
				missed := l.now.Sub(t.when)/t.period + 1
				t.when = t.when.Add(missed * t.period)
			}
			heap.Fix(&l.timers, t.index)
		} else {
			heap.Pop(&l.timers)
		}
		t.f()
		l.stats.Timers++
		n++
	}

	for budget := l.tasks.Len(); budget > 0; budget-- {
		t, ok := l.tasks.Pop()
		if !ok {
			break
		}
		t()
		l.stats.Tasks++
		n++
	}
	return n
}

// RunUntilIdle runs passes until one does no work or maxPasses is
// reached, and returns the number of passes run. It is meant for tests
// that drive the loop with a manual clock.
func (l *Loop) RunUntilIdle(maxPasses int) int {
	for i := 1; i <= maxPasses; i++ {
		if l.RunOnce() == 0 {
			return i
		}
	}
	return maxPasses
}

// NextDeadline returns when the earliest timer is due.
func (l *Loop) NextDeadline() (time.Time, bool) {
	if len(l.timers) == 0 {
		return time.Time{}, false
	}
	return l.timers[0].when, true
}

// Run runs the loop until ctx is done. It spins while there is work and
// otherwise sleeps until the next timer or an inbox message.
func (l *Loop) Run(ctx context.Context) error {
	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.RunOnce() > 0 || l.tasks.Len() > 0 {
			continue
		}
		wait := time.Hour
		if when, ok := l.NextDeadline(); ok {
			wait = when.Sub(l.clock.Now())
			if wait <= 0 {
				continue
			}
		}
		idle.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-l.inbox:
			l.now = l.clock.Now()
			f()
			l.stats.Messages++
		case <-idle.C:
		}
	}
}

// Timer is a one-shot or periodic callback scheduled on a Loop. Timers
// are not safe for use from other goroutines.
type Timer struct {
	l      *Loop
	when   time.Time
	period time.Duration
	f      func()
	index  int // in l.timers; -1 when not scheduled
	seq    uint64
}

// AfterFunc schedules f to run on the loop once d has elapsed.
func (l *Loop) AfterFunc(d time.Duration, f func()) *Timer {
	t := &Timer{l: l, f: f, index: -1}
	t.Reset(d)
	return t
}

// Every schedules f to run on the loop every d, starting d from now.
// d must be positive.
func (l *Loop) Every(d time.Duration, f func()) *Timer {
	if d <= 0 {
		panic("loop: non-positive period")
	}
	t := &Timer{l: l, f: f, period: d, index: -1}
	t.Reset(d)
	return t
}

// Reset (re)arms t to fire d from now.
func (t *Timer) Reset(d time.Duration) {
	l := t.l
	t.when = l.clock.Now().Add(d)
	l.seq++
	t.seq = l.seq
	if t.index >= 0 {
		heap.Fix(&l.timers, t.index)
		return
	}
	heap.Push(&l.timers, t)
}

// Stop cancels t. It reports whether t was armed.
func (t *Timer) Stop() bool {
	if t == nil || t.index < 0 {
		return false
	}
	heap.Remove(&t.l.timers, t.index)
	return true
}

// Active reports whether t is armed.
func (t *Timer) Active() bool { return t != nil && t.index >= 0 }

// timerHeap is a min-heap of timers ordered by deadline, then by
// arming order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
