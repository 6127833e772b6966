// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package testcase

import (
	"time"

	"l4gen.dev/app"
)

// SideStats count the life cycle of one side's sessions.
type SideStats struct {
	Up          uint64 `json:"up"`
	Down        uint64 `json:"down"`
	Failed      uint64 `json:"failed"`
	Established uint64 `json:"established"`
}

func (s *SideStats) add(o *SideStats) {
	s.Up += o.Up
	s.Down += o.Down
	s.Failed += o.Failed
	s.Established += o.Established
}

// Stats are the counters of a test case since the previous pull.
type Stats struct {
	Clients    SideStats `json:"clients"`
	Servers    SideStats `json:"servers"`
	DataFailed uint64    `json:"data_failed"`
	DataNull   uint64    `json:"data_null"`
	// AllocErr counts client sessions that could not be allocated at
	// start.
	AllocErr uint64 `json:"alloc_err"`

	// StartTime is when the first client session started opening and
	// EndTime when the last one was established. They survive pulls.
	StartTime time.Time `json:"start_time,omitzero"`
	EndTime   time.Time `json:"end_time,omitzero"`

	App app.Stats `json:"app"`
}

// Add merges o into s. Start times take the earliest, end times the
// latest.
func (s *Stats) Add(o *Stats) {
	s.Clients.add(&o.Clients)
	s.Servers.add(&o.Servers)
	s.DataFailed += o.DataFailed
	s.DataNull += o.DataNull
	s.AllocErr += o.AllocErr
	if !o.StartTime.IsZero() && (s.StartTime.IsZero() || o.StartTime.Before(s.StartTime)) {
		s.StartTime = o.StartTime
	}
	if o.EndTime.After(s.EndTime) {
		s.EndTime = o.EndTime
	}
	s.App.Add(&o.App)
}

// RateStats count per second events over [Start, End).
type RateStats struct {
	Established uint64    `json:"established"`
	Closed      uint64    `json:"closed"`
	Data        uint64    `json:"data"` // messages sent
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// Add merges o into s. A zero window start in o is ignored.
func (s *RateStats) Add(o *RateStats) {
	s.Established += o.Established
	s.Closed += o.Closed
	s.Data += o.Data
	if !o.Start.IsZero() && (s.Start.IsZero() || o.Start.Before(s.Start)) {
		s.Start = o.Start
	}
	if o.End.After(s.End) {
		s.End = o.End
	}
}

// PerSecond scales n to events per second over s's window.
func (s *RateStats) PerSecond(n uint64) float64 {
	d := s.End.Sub(s.Start)
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
