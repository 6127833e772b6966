// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package engine runs one worker per core and exposes the admin API that
// configures, starts, stops and observes test cases across all of them.
//
// Admin calls may come from any goroutine. They reach the workers through
// their inboxes and wait for the answer, bounded by the caller's context.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/google/uuid"
	"l4gen.dev/core"
	"l4gen.dev/envknob"
	"l4gen.dev/net/packet"
	"l4gen.dev/netif"
	"l4gen.dev/pktbuf"
	"l4gen.dev/testcase"
	"l4gen.dev/tstime"
	"l4gen.dev/types/logger"
)

var (
	ErrNotFound   = errors.New("engine: no such test case")
	ErrExists     = errors.New("engine: test case already configured")
	ErrRunning    = errors.New("engine: test case is running")
	ErrNotRunning = errors.New("engine: test case is not running")
	ErrBadPort    = errors.New("engine: no such port")
	ErrInvalid    = errors.New("engine: invalid test case")
)

var (
	traceAll    = envknob.RegisterBool("L4GEN_TRACE")
	minInterval = envknob.RegisterUint64("L4GEN_MIN_INTERVAL_US")
)

// Config configures an Engine.
type Config struct {
	// Workers is the number of cores. Zero means one.
	Workers int
	Ports   []*netif.Port
	Buffers *pktbuf.Pool

	// Per worker sizes; see core.Config.
	TCPBlocks int
	UDPBlocks int
	TaskLimit int
	InboxSize int

	Clock tstime.Clock

	// MaxRunTime bounds how long a run may take to meet its criteria
	// before it fails. Zero means DefaultMaxRunTime; negative means
	// no bound.
	MaxRunTime time.Duration
	// CheckInterval is how often Run evaluates the criteria of running
	// test cases. Zero means DefaultCheckInterval.
	CheckInterval time.Duration
	// Logf receives unprefixed lines; the engine and each worker add
	// their own prefix.
	Logf logger.Logf
}

// Defaults for Config.
const (
	DefaultMaxRunTime    = 10 * time.Minute
	DefaultCheckInterval = time.Second
)

// Key identifies a test case.
type Key = core.Key

// Engine owns the workers and the test case registry.
type Engine struct {
	logf       logger.Logf
	clock      tstime.Clock
	ports      []*netif.Port
	workers    []*core.Worker
	metrics    *metrics
	maxRun     time.Duration
	checkEvery time.Duration

	mu  sync.Mutex
	tcs map[Key]*entry
}

type entry struct {
	cfg     testcase.Config
	state   testcase.RunState
	runID   uuid.UUID
	started time.Time
	stopped time.Time

	result  testcase.Result

	// Counters pulled from the workers are handed over here, including
	// those of workers that answer after the caller gave up. pending
	// feeds Stats, pendingRates feeds Rates, unexported feeds the
	// Prometheus counters and total is the run's sum for the criteria.
	pending      testcase.Stats
	pendingRates testcase.RateStats
	unexported   testcase.Stats
	total        testcase.Stats
}

// New returns an Engine with c.Workers workers and installs its frame
// steering on every port.
func New(c Config) *Engine {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Logf == nil {
		c.Logf = logger.Discard
	}
	if c.Clock == nil {
		c.Clock = tstime.StdClock{}
	}
	if c.MaxRunTime == 0 {
		c.MaxRunTime = DefaultMaxRunTime
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	e := &Engine{
		logf:       logger.WithPrefix(c.Logf, "engine: "),
		clock:      c.Clock,
		ports:      c.Ports,
		maxRun:     max(c.MaxRunTime, 0),
		checkEvery: c.CheckInterval,
		tcs:        make(map[Key]*entry),
	}
	for i := range c.Workers {
		e.workers = append(e.workers, core.New(core.Config{
			Index:     i,
			Workers:   c.Workers,
			Ports:     c.Ports,
			Buffers:   c.Buffers,
			TCPBlocks: c.TCPBlocks,
			UDPBlocks: c.UDPBlocks,
			TaskLimit: c.TaskLimit,
			InboxSize: c.InboxSize,
			Clock:     c.Clock,
			Logf:      c.Logf,
		}))
	}
	for _, p := range c.Ports {
		p.SetReceiver(e.steer)
	}
	e.metrics = newMetrics(e)
	return e
}

// Workers returns the number of workers.
func (e *Engine) Workers() int { return len(e.workers) }

// Ports returns the ports e serves.
func (e *Engine) Ports() []*netif.Port { return e.ports }

// Run runs every worker, and the criteria checks, until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	var g taskgroup.Group
	for _, w := range e.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	g.Go(func() error {
		t := time.NewTicker(e.checkEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if err := e.Check(ctx); err != nil && ctx.Err() == nil {
					e.logf("criteria: %v", err)
				}
			}
		}
	})
	e.logf("running %d workers", len(e.workers))
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// steer hands a received frame to the worker owning its session. Ports
// with RSS have already hashed it.
func (e *Engine) steer(b *pktbuf.Buf) {
	if len(e.workers) == 1 {
		e.workers[0].Receive(b)
		return
	}
	h := b.RSSHash
	if !b.HasRSS {
		var q packet.Parsed
		if err := q.Decode(b.Bytes()); err != nil {
			// Worker 0 counts it.
			e.workers[0].Receive(b)
			return
		}
		h = q.Tuple().Hash()
	}
	e.workers[core.Shard(h, len(e.workers))].Receive(b)
}

type result[T any] struct {
	i   int
	v   T
	err error
}

// gather runs f on every worker's loop and returns the results in
// worker order once every worker has answered or given up on ctx. A
// worker that gives up may still run f later; its result is then
// discarded, so f must hand off anything that must not be lost itself.
func gather[T any](ctx context.Context, e *Engine, f func(w *core.Worker) (T, error)) ([]T, error) {
	ch := make(chan result[T], len(e.workers))
	for i, w := range e.workers {
		go func() {
			done := make(chan result[T], 1)
			err := w.Do(ctx, func() {
				v, err := f(w)
				done <- result[T]{i, v, err}
			})
			if err != nil {
				ch <- result[T]{i: i, err: err}
				return
			}
			ch <- <-done
		}()
	}
	out := make([]T, len(e.workers))
	var errs []error
	for range e.workers {
		r := <-ch
		out[r.i] = r.v
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	return out, errors.Join(errs...)
}

// each runs f on every worker's loop and waits for all of them.
func (e *Engine) each(ctx context.Context, f func(w *core.Worker) error) error {
	_, err := gather(ctx, e, func(w *core.Worker) (struct{}, error) {
		return struct{}{}, f(w)
	})
	return err
}

func (e *Engine) lookup(k Key) (*entry, error) {
	ent := e.tcs[k]
	if ent == nil {
		return nil, fmt.Errorf("test case %v: %w", k, ErrNotFound)
	}
	return ent, nil
}

// Configure adds a test case to every worker.
func (e *Engine) Configure(ctx context.Context, cfg testcase.Config) error {
	if cfg.Port < 0 || cfg.Port >= len(e.ports) {
		return fmt.Errorf("port %d: %w", cfg.Port, ErrBadPort)
	}
	if traceAll() {
		cfg.Trace = true
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = uint32(minInterval())
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	k := Key{Port: cfg.Port, TCID: cfg.TCID}

	e.mu.Lock()
	if _, ok := e.tcs[k]; ok {
		e.mu.Unlock()
		return fmt.Errorf("test case %v: %w", k, ErrExists)
	}
	ent := &entry{cfg: cfg, state: testcase.Idle}
	e.tcs[k] = ent
	e.mu.Unlock()

	err := e.each(ctx, func(w *core.Worker) error { return w.Configure(cfg) })
	if err != nil {
		e.each(context.WithoutCancel(ctx), func(w *core.Worker) error {
			if w.TestCase(k) == nil {
				return nil
			}
			return w.Delete(k)
		})
		e.mu.Lock()
		delete(e.tcs, k)
		e.mu.Unlock()
		return fmt.Errorf("configuring %v: %w", k, err)
	}
	e.logf("configured %v (%v %v)", k, cfg.Role, cfg.Proto)
	return nil
}

// Start starts test case k on every worker and returns its run id.
func (e *Engine) Start(ctx context.Context, k Key) (uuid.UUID, error) {
	e.mu.Lock()
	ent, err := e.lookup(k)
	if err == nil && ent.state != testcase.Idle {
		err = fmt.Errorf("test case %v: %w", k, ErrRunning)
	}
	if err != nil {
		e.mu.Unlock()
		return uuid.Nil, err
	}
	ent.state = testcase.Running
	ent.runID = uuid.New()
	ent.started = e.clock.Now()
	ent.stopped = time.Time{}
	ent.result = testcase.ResultNone
	ent.total = testcase.Stats{}
	id := ent.runID
	e.mu.Unlock()

	err = e.each(ctx, func(w *core.Worker) error { return w.Start(k) })
	if err != nil {
		e.logf("start %v failed, stopping: %v", k, err)
		if serr := e.Stop(context.WithoutCancel(ctx), k); serr != nil {
			e.logf("stop %v: %v", k, serr)
		}
		return uuid.Nil, fmt.Errorf("starting %v: %w", k, err)
	}
	e.logf("started %v run %v", k, id)
	return id, nil
}

// Stop stops test case k on every worker and waits until all of them
// have purged its sessions or ctx is done. Stopping a test case that is
// already stopping waits again.
func (e *Engine) Stop(ctx context.Context, k Key) error {
	e.mu.Lock()
	ent, err := e.lookup(k)
	if err == nil && ent.state == testcase.Idle {
		err = fmt.Errorf("test case %v: %w", k, ErrNotRunning)
	}
	if err != nil {
		e.mu.Unlock()
		return err
	}
	ent.state = testcase.Stopping
	e.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(e.workers))
	err = e.each(ctx, func(w *core.Worker) error {
		return w.Stop(k, wg.Done)
	})
	if err != nil {
		return fmt.Errorf("stopping %v: %w", k, err)
	}
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return fmt.Errorf("stopping %v: %w", k, ctx.Err())
	}

	e.mu.Lock()
	ent.state = testcase.Idle
	ent.stopped = e.clock.Now()
	e.mu.Unlock()
	e.logf("stopped %v", k)
	return nil
}

// Delete removes the idle test case k.
func (e *Engine) Delete(ctx context.Context, k Key) error {
	e.mu.Lock()
	ent, err := e.lookup(k)
	if err == nil && ent.state != testcase.Idle {
		err = fmt.Errorf("test case %v: %w", k, ErrRunning)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if err := e.each(ctx, func(w *core.Worker) error { return w.Delete(k) }); err != nil {
		return fmt.Errorf("deleting %v: %w", k, err)
	}
	e.mu.Lock()
	delete(e.tcs, k)
	e.mu.Unlock()
	return nil
}

// pull clears the counters of ent on every worker and hands them over
// to ent. Counters of workers that answer after ctx is done are handed
// over when they do.
func (e *Engine) pull(ctx context.Context, k Key, ent *entry) error {
	return e.each(ctx, func(w *core.Worker) error {
		tc := w.TestCase(k)
		if tc == nil {
			return fmt.Errorf("test case %v: %w", k, ErrNotFound)
		}
		s := tc.Stats()
		e.mu.Lock()
		ent.pending.Add(&s)
		ent.unexported.Add(&s)
		ent.total.Add(&s)
		e.mu.Unlock()
		return nil
	})
}

// Stats returns the counters of k accumulated since the previous
// successful call, summed over all workers. On error the counters are
// kept for the next call.
func (e *Engine) Stats(ctx context.Context, k Key) (testcase.Stats, error) {
	e.mu.Lock()
	ent, err := e.lookup(k)
	e.mu.Unlock()
	if err != nil {
		return testcase.Stats{}, err
	}
	if err := e.pull(ctx, k, ent); err != nil {
		return testcase.Stats{}, err
	}
	e.mu.Lock()
	s := ent.pending
	ent.pending = testcase.Stats{StartTime: s.StartTime, EndTime: s.EndTime}
	e.mu.Unlock()
	return s, nil
}

// Rates returns the per second counters of k since the previous
// successful call, summed over all workers. On error the counters are
// kept for the next call.
func (e *Engine) Rates(ctx context.Context, k Key) (testcase.RateStats, error) {
	e.mu.Lock()
	ent, err := e.lookup(k)
	e.mu.Unlock()
	if err != nil {
		return testcase.RateStats{}, err
	}
	err = e.each(ctx, func(w *core.Worker) error {
		tc := w.TestCase(k)
		if tc == nil {
			return fmt.Errorf("test case %v: %w", k, ErrNotFound)
		}
		r := tc.Rates()
		e.mu.Lock()
		ent.pendingRates.Add(&r)
		e.mu.Unlock()
		return nil
	})
	if err != nil {
		return testcase.RateStats{}, err
	}
	e.mu.Lock()
	r := ent.pendingRates
	ent.pendingRates = testcase.RateStats{}
	e.mu.Unlock()
	return r, nil
}

// Check pulls the counters of every running test case that has
// criteria and no result yet, and decides them. Decided client test
// cases are stopped; server test cases keep running until stopped.
func (e *Engine) Check(ctx context.Context) error {
	var errs []error
	for _, st := range e.List() {
		if st.State != testcase.Running.String() ||
			st.Config.Criteria.Kind == testcase.CritNone ||
			st.Result != testcase.ResultNone {
			continue
		}
		if err := e.check(ctx, st.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) check(ctx context.Context, k Key) error {
	e.mu.Lock()
	ent, err := e.lookup(k)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if err := e.pull(ctx, k, ent); err != nil {
		return fmt.Errorf("checking %v: %w", k, err)
	}
	e.mu.Lock()
	if ent.state != testcase.Running || ent.result != testcase.ResultNone {
		e.mu.Unlock()
		return nil
	}
	done, r := ent.cfg.Criteria.Evaluate(&ent.total, e.clock.Now().Sub(ent.started), e.maxRun)
	if done {
		ent.result = r
	}
	server := ent.cfg.Role == testcase.RoleServer
	e.mu.Unlock()
	if !done {
		return nil
	}
	e.logf("%v %v", k, r)
	if server {
		return nil
	}
	if err := e.Stop(ctx, k); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return nil
}

// Status describes a test case.
type Status struct {
	Key     Key                 `json:"-"`
	Port    int                 `json:"port"`
	TCID    uint32              `json:"tcid"`
	Role    string              `json:"role"`
	Proto   string              `json:"proto"`
	State   string              `json:"state"`
	RunID   uuid.UUID           `json:"run_id"`
	Started time.Time           `json:"started,omitzero"`
	Stopped time.Time           `json:"stopped,omitzero"`
	Result  testcase.Result     `json:"result"`
	Queues  map[string]int      `json:"queues,omitempty"`
	Config  testcase.Config     `json:"-"`
	Workers []testcase.RunState `json:"-"`
}

func (ent *entry) status(k Key) Status {
	return Status{
		Key:     k,
		Port:    k.Port,
		TCID:    k.TCID,
		Role:    ent.cfg.Role.String(),
		Proto:   ent.cfg.Proto.String(),
		State:   ent.state.String(),
		RunID:   ent.runID,
		Started: ent.started,
		Stopped: ent.stopped,
		Result:  ent.result,
		Config:  ent.cfg,
	}
}

// State returns the status of k, with queue lengths summed over all
// workers.
func (e *Engine) State(ctx context.Context, k Key) (Status, error) {
	e.mu.Lock()
	ent, err := e.lookup(k)
	var st Status
	if err == nil {
		st = ent.status(k)
	}
	e.mu.Unlock()
	if err != nil {
		return Status{}, err
	}

	type workerState struct {
		lens  map[string]int
		state testcase.RunState
	}
	ws, err := gather(ctx, e, func(w *core.Worker) (workerState, error) {
		tc := w.TestCase(k)
		if tc == nil {
			return workerState{}, fmt.Errorf("test case %v: %w", k, ErrNotFound)
		}
		return workerState{tc.QueueLens(), tc.State()}, nil
	})
	if err != nil {
		return Status{}, err
	}
	st.Queues = make(map[string]int)
	for _, w := range ws {
		st.Workers = append(st.Workers, w.state)
		for q, n := range w.lens {
			st.Queues[q] += n
		}
	}
	return st, nil
}

// List returns the status of every test case without visiting the
// workers, ordered by port then id.
func (e *Engine) List() []Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := make([]Status, 0, len(e.tcs))
	for k, ent := range e.tcs {
		all = append(all, ent.status(k))
	}
	slices.SortFunc(all, func(a, b Status) int {
		if a.Port != b.Port {
			return a.Port - b.Port
		}
		return int(int64(a.TCID) - int64(b.TCID))
	})
	return all
}

// Counters returns the transport counters of every worker.
func (e *Engine) Counters(ctx context.Context) ([]core.Counters, error) {
	return gather(ctx, e, func(w *core.Worker) (core.Counters, error) {
		return w.Counters(len(e.ports)), nil
	})
}

// StopAll stops every running test case. It is used on shutdown.
func (e *Engine) StopAll(ctx context.Context) error {
	var errs []error
	for _, st := range e.List() {
		if st.State == testcase.Idle.String() {
			continue
		}
		if err := e.Stop(ctx, st.Key); err != nil && !errors.Is(err, ErrNotRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
