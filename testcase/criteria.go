// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package testcase

import (
	"errors"
	"fmt"
	"time"
)

// CriteriaKind selects what makes a run pass.
type CriteriaKind uint8

const (
	CritNone CriteriaKind = iota // runs until stopped
	CritRunTime
	CritServersUp
	CritClientsUp
	CritClientsEstablished
	CritDataSent
)

var critNames = [...]string{
	CritNone:               "none",
	CritRunTime:            "run_time",
	CritServersUp:          "servers_up",
	CritClientsUp:          "clients_up",
	CritClientsEstablished: "clients_established",
	CritDataSent:           "data_mb_sent",
}

func (k CriteriaKind) String() string {
	if int(k) < len(critNames) {
		return critNames[k]
	}
	return fmt.Sprintf("CriteriaKind(%d)", uint8(k))
}

func (k CriteriaKind) MarshalText() ([]byte, error) {
	if int(k) >= len(critNames) {
		return nil, fmt.Errorf("testcase: invalid criteria kind %d", uint8(k))
	}
	return []byte(critNames[k]), nil
}

func (k *CriteriaKind) UnmarshalText(b []byte) error {
	for i, n := range critNames {
		if n == string(b) {
			*k = CriteriaKind(i)
			return nil
		}
	}
	return fmt.Errorf("testcase: unknown criteria kind %q", b)
}

// Criteria decide when a run passes.
type Criteria struct {
	Kind CriteriaKind
	// RunTime is how long a CritRunTime run lasts.
	RunTime time.Duration
	// Target is the session count of the up and established kinds, and
	// the megabytes of CritDataSent.
	Target uint64
}

// bytesPerMB scales the CritDataSent target.
const bytesPerMB = 1 << 20

func (c Criteria) validate(role Role) error {
	switch c.Kind {
	case CritNone:
		return nil
	case CritRunTime:
		if c.RunTime <= 0 {
			return errors.New("testcase: run time criteria without a duration")
		}
		return nil
	case CritServersUp:
		if role != RoleServer {
			return fmt.Errorf("testcase: %v criteria on a %v test case", c.Kind, role)
		}
	case CritClientsUp, CritClientsEstablished:
		if role != RoleClient {
			return fmt.Errorf("testcase: %v criteria on a %v test case", c.Kind, role)
		}
	case CritDataSent:
	default:
		return fmt.Errorf("testcase: invalid criteria kind %d", uint8(c.Kind))
	}
	if c.Target == 0 {
		return fmt.Errorf("testcase: %v criteria without a target", c.Kind)
	}
	return nil
}

// Result is the outcome of a run.
type Result uint8

const (
	ResultNone Result = iota // undecided, or no criteria
	ResultPassed
	ResultFailed
)

var resultNames = [...]string{
	ResultNone:   "none",
	ResultPassed: "passed",
	ResultFailed: "failed",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("Result(%d)", uint8(r))
}

func (r Result) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *Result) UnmarshalText(b []byte) error {
	for i, n := range resultNames {
		if n == string(b) {
			*r = Result(i)
			return nil
		}
	}
	return fmt.Errorf("testcase: unknown result %q", b)
}

// Evaluate decides a run that has lasted elapsed and accumulated total
// since it started. A run that has not met a count or data criteria
// within maxRun fails; zero maxRun never fails it. done is false while
// the outcome is undecided.
func (c Criteria) Evaluate(total *Stats, elapsed, maxRun time.Duration) (done bool, r Result) {
	var met bool
	switch c.Kind {
	case CritNone:
		return false, ResultNone
	case CritRunTime:
		met = elapsed >= c.RunTime
	case CritServersUp:
		met = total.Servers.Up >= c.Target
	case CritClientsUp:
		met = total.Clients.Up >= c.Target
	case CritClientsEstablished:
		met = total.Clients.Established >= c.Target
	case CritDataSent:
		met = total.App.TxBytes >= c.Target*bytesPerMB
	}
	if met {
		return true, ResultPassed
	}
	if c.Kind != CritRunTime && maxRun > 0 && elapsed > maxRun {
		return true, ResultFailed
	}
	return false, ResultNone
}
