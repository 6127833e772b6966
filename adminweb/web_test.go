// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package adminweb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"l4gen.dev/envknob"
	"l4gen.dev/metrics"
)

func TestAPIRoute(t *testing.T) {
	fixed := func(code int, err error) JSONHandlerFunc {
		return func(r *http.Request) (int, any, error) { return code, "ok", err }
	}
	tests := []struct {
		name     string
		fn       JSONHandlerFunc
		cancel   bool
		wantCode int // sent to the client
		wantLog  int // recorded; 0 means no log line
		wantErr  string
	}{
		{
			name:     "success",
			fn:       fixed(http.StatusOK, nil),
			wantCode: 200,
		},
		{
			name:     "created",
			fn:       fixed(http.StatusCreated, nil),
			wantCode: 201,
			wantLog:  201,
		},
		{
			name:     "http error",
			fn:       fixed(0, Error(409, "busy", errors.New("test case is running"))),
			wantCode: 409,
			wantLog:  409,
			wantErr:  "busy: test case is running",
		},
		{
			name:     "plain error",
			fn:       fixed(0, errors.New("boom")),
			wantCode: 500,
			wantLog:  500,
			wantErr:  "boom",
		},
		{
			name:     "caller went away",
			fn:       fixed(0, Error(503, "context canceled", context.Canceled)),
			cancel:   true,
			wantCode: 503,
			wantLog:  statusClientClosed,
			wantErr:  "context canceled",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs []AccessLogRecord
			codes := new(metrics.LabelMap[StatusKey])
			h := &apiRoute{
				name:  "test",
				fn:    tt.fn,
				logf:  func(format string, args ...any) { logs = append(logs, args[0].(AccessLogRecord)) },
				now:   func() time.Time { return time.Unix(1700000000, 0) },
				codes: codes,
			}
			req := httptest.NewRequest("GET", "/v0/foo", nil)
			if tt.cancel {
				ctx, cancel := context.WithCancel(req.Context())
				cancel()
				req = req.WithContext(ctx)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d; want %d", rec.Code, tt.wantCode)
			}
			counted := tt.wantLog
			if counted == 0 {
				counted = tt.wantCode
			}
			if got := codes.Value(StatusKey{Route: "test", Code: counted}); got != 1 {
				t.Errorf("status counter for %d = %d; want 1", counted, got)
			}
			if tt.wantLog == 0 {
				if len(logs) != 0 {
					t.Errorf("logged %q for a success", logs)
				}
				return
			}
			if len(logs) != 1 {
				t.Fatalf("got %d log lines; want 1", len(logs))
			}
			if logs[0].Code != tt.wantLog {
				t.Errorf("logged code %d; want %d", logs[0].Code, tt.wantLog)
			}
			if logs[0].Bytes != rec.Body.Len() {
				t.Errorf("logged %d bytes; body has %d", logs[0].Bytes, rec.Body.Len())
			}
			if !strings.Contains(logs[0].Err, tt.wantErr) {
				t.Errorf("logged error %q lacks %q", logs[0].Err, tt.wantErr)
			}
		})
	}
}

func TestHTTPError_Unwrap(t *testing.T) {
	wrappedErr := fmt.Errorf("wrapped")
	err := Error(404, "not found", wrappedErr)
	if got := errors.Unwrap(err); got != wrappedErr {
		t.Errorf("HTTPError.Unwrap() = %v, want %v", got, wrappedErr)
	}
}

func TestAcceptsGzip(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"gzip", true},
		{"GZIP", true},
		{"foo,gzip", true},
		{"foo, gzip ", true},
		{"gzip;q=1.2, foo ", true},
		{" gzip;q=1.2, foo ", true},
		{"br, foo", false},
		{"gzipped", false},
	}
	for i, tt := range tests {
		h := make(http.Header)
		if tt.in != "" {
			h.Set("Accept-Encoding", tt.in)
		}
		if got := acceptsGzip(&http.Request{Header: h}); got != tt.want {
			t.Errorf("%d. got %v; want %v", i, got, tt.want)
		}
	}
}

func TestAllowDebugAccess(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "debugkey")
	if err := os.WriteFile(keyPath, []byte("sekrit\n"), 0600); err != nil {
		t.Fatal(err)
	}
	envknob.Setenv("L4GEN_DEBUG_KEY_PATH", keyPath)
	envknob.Setenv("L4GEN_ALLOW_DEBUG_IP", "192.0.2.7")
	t.Cleanup(func() {
		envknob.Setenv("L4GEN_DEBUG_KEY_PATH", "")
		envknob.Setenv("L4GEN_ALLOW_DEBUG_IP", "")
	})

	tests := []struct {
		name   string
		method string
		url    string
		remote string
		fwd    string
		want   bool
	}{
		{"loopback", "GET", "/", "127.0.0.1:1234", "", true},
		{"loopback6", "GET", "/", "[::1]:1234", "", true},
		{"public", "GET", "/", "8.8.8.8:1234", "", false},
		{"allowed ip", "GET", "/", "192.0.2.7:1234", "", true},
		{"forwarded", "GET", "/", "127.0.0.1:1234", "8.8.8.8", false},
		{"key", "GET", "/?debugkey=sekrit", "8.8.8.8:1234", "", true},
		{"wrong key", "GET", "/?debugkey=nope", "8.8.8.8:1234", "", false},
		{"key on post", "POST", "/?debugkey=sekrit", "8.8.8.8:1234", "", false},
		{"bad remote", "GET", "/", "garbage", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := AllowDebugAccess(req); got != tt.want {
				t.Errorf("AllowDebugAccess = %v; want %v", got, tt.want)
			}
		})
	}
}
