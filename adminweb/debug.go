// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package adminweb

import (
	"expvar"
	"fmt"
	"html"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"l4gen.dev/metrics"
)

var startTime = time.Now()

// DebugHandler serves the /debug/ index: a list of facts about the
// process followed by links to the other debug and admin pages.
type DebugHandler struct {
	mux   *http.ServeMux
	facts []func() string // each renders one <li>
	links []string
}

// Debugger returns the DebugHandler registered on mux at /debug/,
// creating it if necessary. Its varz page renders g.
func Debugger(mux *http.ServeMux, g prometheus.Gatherer) *DebugHandler {
	h, pat := mux.Handler(&http.Request{Method: "GET", URL: &url.URL{Path: "/debug/"}})
	if d, ok := h.(*DebugHandler); ok && pat == "/debug/" {
		return d
	}
	d := &DebugHandler{mux: mux}
	mux.Handle("/debug/", d)
	// Linked from the pprof index.
	mux.Handle("/debug/pprof/profile", Protected(http.HandlerFunc(pprof.Profile)))

	d.KVFunc("Uptime", func() any { return time.Since(startTime).Round(time.Second) })
	d.KV("Version", buildVersion())
	if host, err := os.Hostname(); err == nil {
		d.KV("Machine", host)
	}
	d.KVFunc("Goroutines", func() any { return runtime.NumGoroutine() })
	d.KVFunc("Open FDs", func() any { return metrics.CurrentFDs() })
	d.Handle("varz", "Metrics (Prometheus)", VarzHandler(g))
	d.Handle("vars", "Metrics (Go)", expvar.Handler())
	d.Handle("pprof/", "pprof", http.HandlerFunc(pprof.Index))
	d.URL("/debug/pprof/goroutine?debug=2", "Goroutines")
	d.Handle("gc", "Force GC", http.HandlerFunc(gcHandler))
	return d
}

func buildVersion() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return runtime.Version()
	}
	return fmt.Sprintf("%s %s (%s)", bi.Main.Path, bi.Main.Version, bi.GoVersion)
}

func (d *DebugHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !AllowDebugAccess(r) {
		http.Error(w, "debug access denied", http.StatusForbidden)
		return
	}
	if r.URL.Path != "/debug/" {
		http.NotFound(w, r)
		return
	}
	var b strings.Builder
	b.WriteString("<html><body><h1>l4gen debug</h1><ul>\n")
	for _, f := range d.facts {
		b.WriteString(f())
	}
	b.WriteString("</ul><ul>\n")
	for _, l := range d.links {
		b.WriteString(l)
	}
	b.WriteString("</ul></body></html>\n")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(b.String()))
}

// Handle registers handler at /debug/<slug> behind Protected and links
// it from the index.
func (d *DebugHandler) Handle(slug, desc string, handler http.Handler) {
	href := "/debug/" + slug
	d.mux.Handle(href, Protected(handler))
	d.URL(href, desc)
}

// KV lists a fixed fact on the index.
func (d *DebugHandler) KV(k string, v any) {
	li := factItem(k, v)
	d.facts = append(d.facts, func() string { return li })
}

// KVFunc lists a fact that v computes on every render.
func (d *DebugHandler) KVFunc(k string, v func() any) {
	d.facts = append(d.facts, func() string { return factItem(k, v()) })
}

func factItem(k string, v any) string {
	return fmt.Sprintf("<li><b>%s:</b> %s</li>\n", html.EscapeString(k), html.EscapeString(fmt.Sprint(v)))
}

// URL links url from the index.
func (d *DebugHandler) URL(url, desc string) {
	d.links = append(d.links, fmt.Sprintf("<li><a href=%q>%s</a> %s</li>\n", url, html.EscapeString(url), html.EscapeString(desc)))
}

func gcHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	runtime.GC()
	fmt.Fprintf(w, "GC done in %v\n", time.Since(start).Round(time.Microsecond))
}
