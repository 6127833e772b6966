// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"l4gen.dev/testcase"
)

const (
	portKey = "port"
	tcidKey = "tcid"
	sideKey = "side"
	coreKey = "core"
)

// collectTimeout bounds how long a scrape waits for the workers.
const collectTimeout = 2 * time.Second

// metrics exports engine counters to Prometheus. Test case counters are
// cumulative CounterVecs fed with the deltas handed over by pulls;
// transport counters are read at scrape time.
type metrics struct {
	e *Engine

	registry    *prometheus.Registry
	sessions    *prometheus.CounterVec // side, event
	dataFailed  *prometheus.CounterVec
	dataNull    *prometheus.CounterVec
	allocErr    *prometheus.CounterVec
	appRequests *prometheus.CounterVec
	appReplies  *prometheus.CounterVec
	appTxBytes  *prometheus.CounterVec
	appRxBytes  *prometheus.CounterVec

	running      *prometheus.Desc
	coreSessions *prometheus.Desc
	corePasses   *prometheus.Desc
	coreDenied   *prometheus.Desc
	coreDropped  *prometheus.Desc
	tcpPackets   *prometheus.Desc
	udpPackets   *prometheus.Desc
	portPackets  *prometheus.Desc
	portBytes    *prometheus.Desc
}

func newMetrics(e *Engine) *metrics {
	tc := []string{portKey, tcidKey}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "l4gen",
			Subsystem: "testcase",
			Name:      name,
			Help:      help,
		}, append(tc[:len(tc):len(tc)], labels...))
	}
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc("l4gen_"+name, help, labels, nil)
	}
	m := &metrics{
		e:           e,
		registry:    prometheus.NewRegistry(),
		sessions:    counter("sessions_total", "Session life cycle events.", sideKey, "event"),
		dataFailed:  counter("data_failed_total", "Sends the transport refused."),
		dataNull:    counter("data_null_total", "Send opportunities the application skipped."),
		allocErr:    counter("alloc_errors_total", "Client sessions that could not be allocated."),
		appRequests: counter("app_requests_total", "Application requests."),
		appReplies:  counter("app_responses_total", "Application responses."),
		appTxBytes:  counter("app_tx_bytes_total", "Application bytes sent."),
		appRxBytes:  counter("app_rx_bytes_total", "Application bytes received."),

		running:      desc("testcase_running", "Whether the test case is running.", portKey, tcidKey),
		coreSessions: desc("core_sessions", "Sessions in the core's table, listeners included.", coreKey),
		corePasses:   desc("core_loop_passes_total", "Loop passes.", coreKey),
		coreDenied:   desc("core_tasks_denied_total", "Tasks refused by a full task ring.", coreKey),
		coreDropped:  desc("core_rx_dropped_total", "Frames dropped before reaching a transport.", coreKey),
		tcpPackets:   desc("tcp_packets_total", "TCP segments by direction.", coreKey, portKey, "dir"),
		udpPackets:   desc("udp_packets_total", "UDP datagrams by direction.", coreKey, portKey, "dir"),
		portPackets:  desc("port_packets_total", "Frames by direction.", portKey, "dir"),
		portBytes:    desc("port_bytes_total", "Frame bytes by direction.", portKey, "dir"),
	}
	m.registry.MustRegister(
		m.sessions, m.dataFailed, m.dataNull, m.allocErr,
		m.appRequests, m.appReplies, m.appTxBytes, m.appRxBytes,
	)
	return m
}

func tcLabels(k Key) prometheus.Labels {
	return prometheus.Labels{
		portKey: strconv.Itoa(k.Port),
		tcidKey: strconv.FormatUint(uint64(k.TCID), 10),
	}
}

func with(l prometheus.Labels, kv ...string) prometheus.Labels {
	out := make(prometheus.Labels, len(l)+len(kv)/2)
	for k, v := range l {
		out[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i]] = kv[i+1]
	}
	return out
}

// addStats adds a delta pulled from the workers.
func (m *metrics) addStats(k Key, s *testcase.Stats) {
	l := tcLabels(k)
	side := func(name string, ss *testcase.SideStats) {
		m.sessions.With(with(l, sideKey, name, "event", "up")).Add(float64(ss.Up))
		m.sessions.With(with(l, sideKey, name, "event", "down")).Add(float64(ss.Down))
		m.sessions.With(with(l, sideKey, name, "event", "failed")).Add(float64(ss.Failed))
		m.sessions.With(with(l, sideKey, name, "event", "established")).Add(float64(ss.Established))
	}
	side("client", &s.Clients)
	side("server", &s.Servers)
	m.dataFailed.With(l).Add(float64(s.DataFailed))
	m.dataNull.With(l).Add(float64(s.DataNull))
	m.allocErr.With(l).Add(float64(s.AllocErr))
	m.appRequests.With(l).Add(float64(s.App.Requests))
	m.appReplies.With(l).Add(float64(s.App.Responses))
	m.appTxBytes.With(l).Add(float64(s.App.TxBytes))
	m.appRxBytes.With(l).Add(float64(s.App.RxBytes))
}

// Describe is part of the implementation of prometheus.Collector.
func (e *Engine) Describe(ch chan<- *prometheus.Desc) {
	m := e.metrics
	m.registry.Describe(ch)
	for _, d := range []*prometheus.Desc{
		m.running, m.coreSessions, m.corePasses, m.coreDenied, m.coreDropped,
		m.tcpPackets, m.udpPackets, m.portPackets, m.portBytes,
	} {
		ch <- d
	}
}

// Collect is part of the implementation of prometheus.Collector.
func (e *Engine) Collect(ch chan<- prometheus.Metric) {
	m := e.metrics
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	for _, st := range e.List() {
		running := 0.0
		if st.State == testcase.Running.String() {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(m.running, prometheus.GaugeValue, running,
			strconv.Itoa(st.Port), strconv.FormatUint(uint64(st.TCID), 10))

		e.mu.Lock()
		ent := e.tcs[st.Key]
		e.mu.Unlock()
		if ent == nil {
			continue
		}
		if err := e.pull(ctx, st.Key, ent); err != nil {
			e.logf("metrics: %v: %v", st.Key, err)
		}
		// Export what arrived even if some workers are late.
		e.mu.Lock()
		s := ent.unexported
		ent.unexported = testcase.Stats{}
		e.mu.Unlock()
		m.addStats(st.Key, &s)
	}
	m.registry.Collect(ch)

	cs, err := e.Counters(ctx)
	if err != nil {
		e.logf("metrics: counters: %v", err)
		return
	}
	for i, c := range cs {
		core := strconv.Itoa(i)
		ch <- prometheus.MustNewConstMetric(m.coreSessions, prometheus.GaugeValue, float64(c.Sessions), core)
		ch <- prometheus.MustNewConstMetric(m.corePasses, prometheus.CounterValue, float64(c.Loop.Passes), core)
		ch <- prometheus.MustNewConstMetric(m.coreDenied, prometheus.CounterValue, float64(c.Loop.TasksDenied), core)
		ch <- prometheus.MustNewConstMetric(m.coreDropped, prometheus.CounterValue, float64(c.RxDropped), core)
		for p := range c.TCP {
			port := strconv.Itoa(p)
			ch <- prometheus.MustNewConstMetric(m.tcpPackets, prometheus.CounterValue, float64(c.TCP[p].RxPackets), core, port, "rx")
			ch <- prometheus.MustNewConstMetric(m.tcpPackets, prometheus.CounterValue, float64(c.TCP[p].TxPackets), core, port, "tx")
			ch <- prometheus.MustNewConstMetric(m.udpPackets, prometheus.CounterValue, float64(c.UDP[p].RxPackets), core, port, "rx")
			ch <- prometheus.MustNewConstMetric(m.udpPackets, prometheus.CounterValue, float64(c.UDP[p].TxPackets), core, port, "tx")
		}
	}
	for _, p := range e.ports {
		s := p.Stats()
		port := strconv.Itoa(p.Index)
		ch <- prometheus.MustNewConstMetric(m.portPackets, prometheus.CounterValue, float64(s.RxPackets), port, "rx")
		ch <- prometheus.MustNewConstMetric(m.portPackets, prometheus.CounterValue, float64(s.TxPackets), port, "tx")
		ch <- prometheus.MustNewConstMetric(m.portBytes, prometheus.CounterValue, float64(s.RxBytes), port, "rx")
		ch <- prometheus.MustNewConstMetric(m.portBytes, prometheus.CounterValue, float64(s.TxBytes), port, "tx")
	}
}
