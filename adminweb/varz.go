// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package adminweb

import (
	"expvar"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"l4gen.dev/metrics"
)

// VarzHandler returns a handler that writes the metrics gathered from g
// followed by every published expvar that can render itself in
// Prometheus format.
func VarzHandler(g prometheus.Gatherer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if g != nil {
			if err := gatherPrometheus(w, g); err != nil {
				w.WriteHeader(http.StatusInternalServerError)
				io.WriteString(w, err.Error())
				return
			}
		}
		writeExpvars(w)
	})
}

func gatherPrometheus(w io.Writer, g prometheus.Gatherer) error {
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	mfs, err := g.Gather()
	if err != nil {
		return fmt.Errorf("could not gather metrics: %w", err)
	}
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("could not encode metric %v: %w", mf.GetName(), err)
		}
	}
	if closer, ok := enc.(expfmt.Closer); ok {
		return closer.Close()
	}
	return nil
}

// writeExpvars writes expvars implementing metrics.PrometheusWriter.
// Names are sanitized to the Prometheus charset.
func writeExpvars(w io.Writer) {
	expvar.Do(func(kv expvar.KeyValue) {
		pw, ok := kv.Value.(metrics.PrometheusWriter)
		if !ok {
			return
		}
		pw.WritePrometheus(w, promName(kv.Key))
	})
}

func promName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		}
		return '_'
	}, s)
}
