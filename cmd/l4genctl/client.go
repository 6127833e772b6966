// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tailscale/hujson"
	"l4gen.dev/adminweb"
	"l4gen.dev/engine"
)

// client talks to the l4gen admin API.
type client struct {
	base    string // e.g. "http://127.0.0.1:8017"
	cbor    bool
	timeout time.Duration
	hc      *http.Client // nil means http.DefaultClient
}

// apiError is a non-success reply from the server.
type apiError struct {
	Code int
	Msg  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Code, http.StatusText(e.Code), e.Msg)
}

// do sends a request with an optional JSON body and decodes the data of
// the reply into out, if non-nil.
func (c *client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cbor {
		req.Header.Set("Accept", adminweb.ContentTypeCBOR)
	}
	hc := c.hc
	if hc == nil {
		hc = http.DefaultClient
	}
	res, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	var (
		status, msg string
		data        []byte
		unmarshal   func([]byte, any) error
	)
	switch ct := res.Header.Get("Content-Type"); {
	case strings.HasPrefix(ct, adminweb.ContentTypeCBOR):
		var env struct {
			Status string          `cbor:"status"`
			Error  string          `cbor:"error"`
			Data   cbor.RawMessage `cbor:"data"`
		}
		if err := cbor.Unmarshal(b, &env); err != nil {
			return fmt.Errorf("decoding %s reply: %w", path, err)
		}
		status, msg, data, unmarshal = env.Status, env.Error, env.Data, cbor.Unmarshal
	case strings.HasPrefix(ct, "application/json"):
		var env struct {
			Status string          `json:"status"`
			Error  string          `json:"error"`
			Data   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(b, &env); err != nil {
			return fmt.Errorf("decoding %s reply: %w", path, err)
		}
		status, msg, data, unmarshal = env.Status, env.Error, env.Data, json.Unmarshal
	default:
		return &apiError{Code: res.StatusCode, Msg: strings.TrimSpace(string(b))}
	}
	if status != "success" {
		return &apiError{Code: res.StatusCode, Msg: msg}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return unmarshal(data, out)
}

// parseKey parses "<port>/<tcid>".
func parseKey(s string) (engine.Key, error) {
	ps, ts, ok := strings.Cut(s, "/")
	if !ok {
		return engine.Key{}, fmt.Errorf("bad test case %q, want <port>/<tcid>", s)
	}
	port, err := strconv.Atoi(ps)
	if err != nil || port < 0 {
		return engine.Key{}, fmt.Errorf("bad port in %q", s)
	}
	tcid, err := strconv.ParseUint(ts, 10, 32)
	if err != nil {
		return engine.Key{}, fmt.Errorf("bad test case id in %q", s)
	}
	return engine.Key{Port: port, TCID: uint32(tcid)}, nil
}

func keyPath(k engine.Key, suffix string) string {
	return fmt.Sprintf("/v0/testcases/%d/%d%s", k.Port, k.TCID, suffix)
}

// readTest reads a HuJSON test description from path, or stdin for "-",
// and returns it as standard JSON.
func readTest(path string) ([]byte, error) {
	var b []byte
	var err error
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return hujson.Standardize(b)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = w.Write(b)
	return err
}
