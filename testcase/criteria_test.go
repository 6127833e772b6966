// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package testcase

import (
	"encoding/json"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"l4gen.dev/app"
	"l4gen.dev/cb"
)

func TestCriteriaEvaluate(t *testing.T) {
	const maxRun = 10 * time.Minute
	tests := []struct {
		name     string
		crit     Criteria
		total    Stats
		elapsed  time.Duration
		wantDone bool
		want     Result
	}{
		{
			name:    "none never ends",
			crit:    Criteria{},
			elapsed: time.Hour,
		},
		{
			name:    "run time pending",
			crit:    Criteria{Kind: CritRunTime, RunTime: time.Minute},
			elapsed: 59 * time.Second,
		},
		{
			name:     "run time passes",
			crit:     Criteria{Kind: CritRunTime, RunTime: time.Minute},
			elapsed:  time.Minute,
			wantDone: true,
			want:     ResultPassed,
		},
		{
			name:    "run time never fails",
			crit:    Criteria{Kind: CritRunTime, RunTime: time.Hour},
			elapsed: 30 * time.Minute,
		},
		{
			name:     "servers up",
			crit:     Criteria{Kind: CritServersUp, Target: 4},
			total:    Stats{Servers: SideStats{Up: 4}},
			wantDone: true,
			want:     ResultPassed,
		},
		{
			name:  "clients up pending",
			crit:  Criteria{Kind: CritClientsUp, Target: 4},
			total: Stats{Clients: SideStats{Up: 3}},
		},
		{
			name:     "clients established",
			crit:     Criteria{Kind: CritClientsEstablished, Target: 100},
			total:    Stats{Clients: SideStats{Up: 100, Established: 100}},
			wantDone: true,
			want:     ResultPassed,
		},
		{
			name:     "clients established too late",
			crit:     Criteria{Kind: CritClientsEstablished, Target: 100},
			total:    Stats{Clients: SideStats{Established: 99}},
			elapsed:  maxRun + time.Second,
			wantDone: true,
			want:     ResultFailed,
		},
		{
			name:     "data sent",
			crit:     Criteria{Kind: CritDataSent, Target: 2},
			total:    Stats{App: app.Stats{TxBytes: 2 << 20}},
			wantDone: true,
			want:     ResultPassed,
		},
		{
			name:  "data sent short",
			crit:  Criteria{Kind: CritDataSent, Target: 2},
			total: Stats{App: app.Stats{TxBytes: 2<<20 - 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := qt.New(t)
			done, r := tt.crit.Evaluate(&tt.total, tt.elapsed, maxRun)
			c.Assert(done, qt.Equals, tt.wantDone)
			c.Assert(r, qt.Equals, tt.want)
		})
	}
}

func TestCriteriaValidate(t *testing.T) {
	c := qt.New(t)
	cli := udpClient(1, 10, Rates{})
	cli.Criteria = Criteria{Kind: CritClientsEstablished, Target: 10}
	c.Assert(cli.Validate(), qt.IsNil)

	cli.Criteria = Criteria{Kind: CritServersUp, Target: 1}
	c.Assert(cli.Validate(), qt.ErrorMatches, `testcase: servers_up criteria on a client test case`)
	cli.Criteria = Criteria{Kind: CritClientsUp}
	c.Assert(cli.Validate(), qt.ErrorMatches, `testcase: clients_up criteria without a target`)
	cli.Criteria = Criteria{Kind: CritRunTime}
	c.Assert(cli.Validate(), qt.ErrorMatches, `.*without a duration`)

	srv := server(cb.ProtoUDP, 53, app.Config{})
	srv.Criteria = Criteria{Kind: CritClientsUp, Target: 1}
	c.Assert(srv.Validate(), qt.ErrorMatches, `testcase: clients_up criteria on a server test case`)
	srv.Criteria = Criteria{Kind: CritServersUp, Target: 1}
	c.Assert(srv.Validate(), qt.IsNil)
}

func TestCriteriaKindJSON(t *testing.T) {
	c := qt.New(t)
	var v struct {
		Kind   CriteriaKind `json:"kind"`
		Result Result       `json:"result"`
	}
	c.Assert(json.Unmarshal([]byte(`{"kind":"clients_established","result":"failed"}`), &v), qt.IsNil)
	c.Assert(v.Kind, qt.Equals, CritClientsEstablished)
	c.Assert(v.Result, qt.Equals, ResultFailed)
	c.Assert(json.Unmarshal([]byte(`{"kind":"bogus"}`), &v), qt.ErrorMatches, `.*unknown criteria kind "bogus"`)
}
