// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package adminweb

import (
	"encoding/json"
	"strings"
	"time"
)

// AccessLogRecord is a record of one HTTP request served.
type AccessLogRecord struct {
	When       time.Time `json:"when"`
	Seconds    float64   `json:"duration"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method"`
	RequestURI string    `json:"request_uri"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Code       int       `json:"code"`
	Bytes      int       `json:"bytes,omitempty"`
	Err        string    `json:"err,omitempty"`
}

// String returns m as a JSON string.
func (m AccessLogRecord) String() string {
	if m.When.IsZero() {
		m.When = time.Now()
	}
	var buf strings.Builder
	json.NewEncoder(&buf).Encode(m)
	return strings.TrimRight(buf.String(), "\n")
}
