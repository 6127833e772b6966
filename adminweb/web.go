// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package adminweb serves the l4gen admin API and debug pages over HTTP.
package adminweb

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"go4.org/mem"
	"l4gen.dev/envknob"
	"l4gen.dev/metrics"
	"l4gen.dev/types/logger"
)

// AllowDebugAccess reports whether r may use the admin and debug
// endpoints: loopback callers, the L4GEN_ALLOW_DEBUG_IP address, and GETs
// carrying the key stored at L4GEN_DEBUG_KEY_PATH.
func AllowDebugAccess(r *http.Request) bool {
	if hasDebugKey(r) {
		return true
	}
	if r.Header.Get("X-Forwarded-For") != "" {
		return false
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	return ip.IsLoopback() || host == envknob.String("L4GEN_ALLOW_DEBUG_IP")
}

func hasDebugKey(r *http.Request) bool {
	if r.Method != "GET" {
		return false
	}
	key, path := r.FormValue("debugkey"), envknob.String("L4GEN_DEBUG_KEY_PATH")
	if key == "" || path == "" {
		return false
	}
	want, err := os.ReadFile(path)
	return err == nil && string(bytes.TrimSpace(want)) == key
}

// Protected wraps h so that requests failing AllowDebugAccess get a 403.
func Protected(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !AllowDebugAccess(r) {
			http.Error(w, "debug access denied", http.StatusForbidden)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// acceptsGzip reports whether r lists gzip in Accept-Encoding.
func acceptsGzip(r *http.Request) bool {
	for part := range strings.SplitSeq(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(part, ";")
		if mem.EqualFold(mem.S(strings.TrimSpace(enc)), mem.S("gzip")) {
			return true
		}
	}
	return false
}

// StatusKey labels the admin response counters.
type StatusKey struct {
	Route string
	Code  int
}

// statusClientClosed is recorded for requests whose caller went away
// (nginx's 499).
const statusClientClosed = 499

// apiRoute serves one /v0 endpoint. It counts every response under its
// route name and logs the ones that did not succeed.
type apiRoute struct {
	name  string
	fn    JSONHandlerFunc
	logf  logger.Logf
	now   func() time.Time
	codes *metrics.LabelMap[StatusKey] // or nil
}

func (h *apiRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := AccessLogRecord{
		When:       h.now(),
		RemoteAddr: r.RemoteAddr,
		Method:     r.Method,
		RequestURI: r.URL.RequestURI(),
		UserAgent:  r.UserAgent(),
	}
	code, n, err := h.fn.reply(w, r)
	rec.Seconds = h.now().Sub(rec.When).Seconds()
	rec.Code, rec.Bytes = code, n
	if err != nil {
		rec.Err = err.Error()
		if r.Context().Err() == context.Canceled {
			rec.Code = statusClientClosed
		}
	}
	if h.codes != nil {
		h.codes.Add(StatusKey{Route: h.name, Code: rec.Code}, 1)
	}
	if rec.Code != http.StatusOK {
		h.logf("%s", rec)
	}
}

// HTTPError is an error with embedded HTTP response information.
type HTTPError struct {
	Code int    // HTTP response code to send to client; 0 means 500
	Msg  string // Response body to send to client
	Err  error  // Detailed error to log on the server
}

// Error implements the error interface.
func (e HTTPError) Error() string { return fmt.Sprintf("httperror{%d, %q, %v}", e.Code, e.Msg, e.Err) }
func (e HTTPError) Unwrap() error { return e.Err }

// Error returns an HTTPError containing the given information.
func Error(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}
