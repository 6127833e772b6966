// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package adminweb

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ContentTypeCBOR is the media type clients send in Accept to get CBOR
// responses.
const ContentTypeCBOR = "application/cbor"

// Response is the envelope of every JSONHandlerFunc reply.
type Response struct {
	Status string `json:"status" cbor:"status"`
	Error  string `json:"error,omitempty" cbor:"error,omitempty"`
	Data   any    `json:"data,omitempty" cbor:"data,omitempty"`
}

// JSONHandlerFunc handles one admin request. Its reply is sent as JSON,
// or CBOR when the request prefers it.
//
// Return an HTTPError to show an error message, otherwise the client
// only sees "internal server error" with status code 500.
type JSONHandlerFunc func(r *http.Request) (status int, data any, err error)

// ServeHTTP implements http.Handler without access logging.
func (fn JSONHandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fn.reply(w, r)
}

// reply runs fn and writes its response. It returns the status and body
// size sent, and the error to log, if any.
func (fn JSONHandlerFunc) reply(w http.ResponseWriter, r *http.Request) (code, n int, err error) {
	var resp *Response
	status, data, err := fn(r)
	if err != nil {
		if werr, ok := err.(HTTPError); ok {
			resp = &Response{
				Status: "error",
				Error:  werr.Msg,
				Data:   data,
			}
			// The client gets the message here; the caller only logs.
			err = werr.Err
			if werr.Msg != "" {
				err = fmt.Errorf("%s: %w", werr.Msg, err)
			}
			if status != 0 && status != werr.Code {
				err = fmt.Errorf("[unexpected] non-zero status that does not match HTTPError status, status: %d, HTTPError.code: %d: %w", status, werr.Code, err)
			}
			status = werr.Code
			if status == 0 {
				status = http.StatusInternalServerError
			}
		} else {
			status = http.StatusInternalServerError
			resp = &Response{
				Status: "error",
				Error:  "internal server error",
			}
		}
	} else if status == 0 {
		status = http.StatusInternalServerError
		resp = &Response{
			Status: "error",
			Error:  "internal server error",
		}
	} else {
		resp = &Response{
			Status: "success",
			Data:   data,
		}
	}

	ct := "application/json"
	marshal := json.Marshal
	if wantsCBOR(r) {
		ct = ContentTypeCBOR
		marshal = cborEnc.Marshal
	}
	w.Header().Set("Content-Type", ct)
	b, merr := marshal(resp)
	if merr != nil {
		const body = `{"status":"error","error":"marshal error"}`
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		n, _ := io.WriteString(w, body)
		if err != nil {
			return http.StatusInternalServerError, n, fmt.Errorf("%w, and then we could not respond: %v", err, merr)
		}
		return http.StatusInternalServerError, n, merr
	}

	if acceptsGzip(r) {
		zb, zerr := gzipBytes(b)
		if zerr != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return http.StatusInternalServerError, 0, zerr
		}
		w.Header().Set("Content-Encoding", "gzip")
		b = zb
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(status)
	n, _ = w.Write(b)
	return status, n, err
}

// cborEnc renders times as RFC 3339 strings, matching the JSON output.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func wantsCBOR(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Accept"))
	return err == nil && mt == ContentTypeCBOR
}

// DecodeBody decodes the JSON request body into v. Unknown fields are
// rejected.
func DecodeBody(r *http.Request, v any) error {
	if mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mt == ContentTypeCBOR {
		return Error(http.StatusUnsupportedMediaType, "request bodies must be JSON", nil)
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return Error(http.StatusBadRequest, "bad request body", err)
	}
	return nil
}

var gzWriterPool sync.Pool // of *gzip.Writer

// gzipBytes returns the gzipped encoding of b.
func gzipBytes(b []byte) (zb []byte, err error) {
	var buf bytes.Buffer
	zw, ok := gzWriterPool.Get().(*gzip.Writer)
	if ok {
		zw.Reset(&buf)
	} else {
		zw = gzip.NewWriter(&buf)
	}
	defer gzWriterPool.Put(zw)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	zb = buf.Bytes()
	zw.Reset(io.Discard)
	return zb, nil
}
