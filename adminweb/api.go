// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package adminweb

import (
	"context"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"l4gen.dev/config"
	"l4gen.dev/engine"
	"l4gen.dev/metrics"
	"l4gen.dev/netif"
	"l4gen.dev/types/logger"
)

var responses = metrics.NewLabelMap[StatusKey]("l4gen_admin_responses", "counter", "Admin API responses by route and status code.")

// DefaultTimeout bounds each admin call into the engine.
const DefaultTimeout = 30 * time.Second

// Options configures NewHandler.
type Options struct {
	Logf logger.Logf
	// Gatherer is served on /metrics and /debug/varz. Nil serves the
	// engine alone.
	Gatherer prometheus.Gatherer
	// Timeout bounds each engine call. Zero means DefaultTimeout.
	Timeout time.Duration
}

type server struct {
	eng     *engine.Engine
	logf    logger.Logf
	timeout time.Duration
}

// NewHandler returns the admin HTTP handler for eng: the /v0 API,
// /metrics and the /debug pages.
func NewHandler(eng *engine.Engine, opts Options) http.Handler {
	if opts.Logf == nil {
		opts.Logf = logger.Discard
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	g := opts.Gatherer
	if g == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(eng)
		g = reg
	}
	s := &server{eng: eng, logf: opts.Logf, timeout: opts.Timeout}

	mux := http.NewServeMux()
	handle := func(pattern, route string, h JSONHandlerFunc) {
		mux.Handle(pattern, Protected(&apiRoute{
			name:  route,
			fn:    h,
			logf:  opts.Logf,
			now:   time.Now,
			codes: responses,
		}))
	}
	handle("GET /v0/testcases", "list", s.list)
	handle("POST /v0/testcases", "configure", s.configure)
	handle("GET /v0/testcases/{port}/{tcid}", "state", s.state)
	handle("DELETE /v0/testcases/{port}/{tcid}", "delete", s.delete)
	handle("POST /v0/testcases/{port}/{tcid}/start", "start", s.start)
	handle("POST /v0/testcases/{port}/{tcid}/stop", "stop", s.stop)
	handle("GET /v0/testcases/{port}/{tcid}/stats", "stats", s.stats)
	handle("GET /v0/testcases/{port}/{tcid}/rates", "rates", s.rates)
	handle("GET /v0/counters", "counters", s.counters)
	handle("GET /v0/ports", "ports", s.ports)

	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	dbg := Debugger(mux, g)
	dbg.KV("Workers", eng.Workers())
	dbg.KV("Ports", len(eng.Ports()))
	dbg.KVFunc("Test cases", func() any { return len(eng.List()) })
	dbg.URL("/v0/testcases", "Test cases (JSON)")
	dbg.URL("/v0/counters", "Engine counters (JSON)")
	dbg.URL("/metrics", "Prometheus")
	return mux
}

// apiError maps engine errors to HTTP errors.
func apiError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrExists),
		errors.Is(err, engine.ErrRunning),
		errors.Is(err, engine.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrBadPort), errors.Is(err, engine.ErrInvalid):
		code = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		code = http.StatusServiceUnavailable
	}
	return Error(code, err.Error(), err)
}

func (s *server) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func testCaseKey(r *http.Request) (engine.Key, error) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil || port < 0 {
		return engine.Key{}, Error(http.StatusBadRequest, "bad port", err)
	}
	tcid, err := strconv.ParseUint(r.PathValue("tcid"), 10, 32)
	if err != nil {
		return engine.Key{}, Error(http.StatusBadRequest, "bad test case id", err)
	}
	return engine.Key{Port: port, TCID: uint32(tcid)}, nil
}

func (s *server) list(r *http.Request) (int, any, error) {
	return http.StatusOK, s.eng.List(), nil
}

func (s *server) configure(r *http.Request) (int, any, error) {
	var t config.Test
	if err := DecodeBody(r, &t); err != nil {
		return 0, nil, err
	}
	cfg, err := t.TestCase()
	if err != nil {
		return 0, nil, Error(http.StatusBadRequest, err.Error(), err)
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.Configure(ctx, cfg); err != nil {
		return 0, nil, apiError(err)
	}
	st, err := s.eng.State(ctx, engine.Key{Port: cfg.Port, TCID: cfg.TCID})
	if err != nil {
		return 0, nil, apiError(err)
	}
	return http.StatusCreated, st, nil
}

func (s *server) state(r *http.Request) (int, any, error) {
	k, err := testCaseKey(r)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	st, err := s.eng.State(ctx, k)
	if err != nil {
		return 0, nil, apiError(err)
	}
	return http.StatusOK, st, nil
}

func (s *server) delete(r *http.Request) (int, any, error) {
	k, err := testCaseKey(r)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.Delete(ctx, k); err != nil {
		return 0, nil, apiError(err)
	}
	return http.StatusOK, nil, nil
}

// StartResponse is the data returned by a successful start.
type StartResponse struct {
	RunID uuid.UUID `json:"run_id"`
}

func (s *server) start(r *http.Request) (int, any, error) {
	k, err := testCaseKey(r)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	id, err := s.eng.Start(ctx, k)
	if err != nil {
		return 0, nil, apiError(err)
	}
	s.logf("started %v run %v", k, id)
	return http.StatusOK, StartResponse{RunID: id}, nil
}

func (s *server) stop(r *http.Request) (int, any, error) {
	k, err := testCaseKey(r)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.eng.Stop(ctx, k); err != nil {
		return 0, nil, apiError(err)
	}
	st, err := s.eng.State(ctx, k)
	if err != nil {
		return 0, nil, apiError(err)
	}
	return http.StatusOK, st, nil
}

func (s *server) stats(r *http.Request) (int, any, error) {
	k, err := testCaseKey(r)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	st, err := s.eng.Stats(ctx, k)
	if err != nil {
		return 0, nil, apiError(err)
	}
	return http.StatusOK, st, nil
}

func (s *server) rates(r *http.Request) (int, any, error) {
	k, err := testCaseKey(r)
	if err != nil {
		return 0, nil, err
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	rs, err := s.eng.Rates(ctx, k)
	if err != nil {
		return 0, nil, apiError(err)
	}
	return http.StatusOK, rs, nil
}

func (s *server) counters(r *http.Request) (int, any, error) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	c, err := s.eng.Counters(ctx)
	if err != nil {
		return 0, nil, apiError(err)
	}
	return http.StatusOK, c, nil
}

// PortInfo describes a port in the /v0/ports response.
type PortInfo struct {
	Index int          `json:"index"`
	Name  string       `json:"name"`
	Addrs []netip.Addr `json:"addrs"`
	Stats netif.Stats  `json:"stats"`
}

func (s *server) ports(r *http.Request) (int, any, error) {
	var out []PortInfo
	for _, p := range s.eng.Ports() {
		out = append(out, PortInfo{
			Index: p.Index,
			Name:  p.Name,
			Addrs: p.Addrs(),
			Stats: p.Stats(),
		})
	}
	return http.StatusOK, out, nil
}
