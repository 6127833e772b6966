// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package metrics contains expvar-based counters that render in both the
// expvar JSON form and the Prometheus text form.
package metrics

import (
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"reflect"
	"slices"
	"strings"
	"sync"
)

// PrometheusWriter is implemented by expvar variables that know how to
// write themselves in Prometheus exposition format.
type PrometheusWriter interface {
	WritePrometheus(w io.Writer, name string)
}

// LabelMap is an expvar.Var holding one integer per label set.
//
// K must be a struct of string, integer or bool fields. The lowercased
// field names are the label names unless a "prom" struct tag is present.
type LabelMap[K comparable] struct {
	Type string // optional Prometheus type ("counter", "gauge")
	Help string // optional Prometheus help string

	mu     sync.Mutex
	vals   map[K]*expvar.Int
	sorted []entry[K] // by labels
}

type entry[K comparable] struct {
	key    K
	labels string // {a="x",b="y"}
	val    *expvar.Int
}

// NewLabelMap returns a LabelMap published as name with expvar.Publish.
func NewLabelMap[K comparable](name, promType, help string) *LabelMap[K] {
	m := &LabelMap[K]{Type: promType, Help: help}
	var zero K
	_ = labels(zero) // panic early if K is invalid
	expvar.Publish(name, m)
	return m
}

func labels(k any) string {
	rv := reflect.ValueOf(k)
	t := rv.Type()
	if t.Kind() != reflect.Struct {
		panic(fmt.Sprintf("LabelMap keys must be structs; got %v", t))
	}
	var sb strings.Builder
	sb.WriteByte('{')
	for i := range t.NumField() {
		if i > 0 {
			sb.WriteByte(',')
		}
		f := t.Field(i)
		name := f.Tag.Get("prom")
		if name == "" {
			name = strings.ToLower(f.Name)
		}
		fv := rv.Field(i)
		switch fv.Kind() {
		case reflect.String:
			fmt.Fprintf(&sb, "%s=%q", name, fv.String())
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			fmt.Fprintf(&sb, "%s=\"%d\"", name, fv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			fmt.Fprintf(&sb, "%s=\"%d\"", name, fv.Uint())
		case reflect.Bool:
			fmt.Fprintf(&sb, "%s=\"%v\"", name, fv.Bool())
		default:
			panic(fmt.Sprintf("LabelMap key field %q has unsupported type %v", f.Name, fv.Type()))
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

func (m *LabelMap[K]) get(k K) *expvar.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.vals[k]; v != nil {
		return v
	}
	if m.vals == nil {
		m.vals = make(map[K]*expvar.Int)
	}
	v := new(expvar.Int)
	m.vals[k] = v
	e := entry[K]{key: k, labels: labels(k), val: v}
	i, _ := slices.BinarySearchFunc(m.sorted, e.labels, func(e entry[K], l string) int {
		return strings.Compare(e.labels, l)
	})
	m.sorted = slices.Insert(m.sorted, i, e)
	return v
}

// Add adds delta to the value of k.
func (m *LabelMap[K]) Add(k K, delta int64) { m.get(k).Add(delta) }

// Set sets the value of k.
func (m *LabelMap[K]) Set(k K, v int64) { m.get(k).Set(v) }

// Value returns the value of k, or 0.
func (m *LabelMap[K]) Value(k K) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.vals[k]; v != nil {
		return v.Value()
	}
	return 0
}

// Do calls f for each entry in label order.
func (m *LabelMap[K]) Do(f func(k K, v int64)) {
	m.mu.Lock()
	ents := slices.Clone(m.sorted)
	m.mu.Unlock()
	for _, e := range ents {
		f(e.key, e.val.Value())
	}
}

// String implements expvar.Var. It renders a JSON object keyed by the
// label strings.
func (m *LabelMap[K]) String() string {
	out := make(map[string]int64)
	m.mu.Lock()
	for _, e := range m.sorted {
		out[e.labels] = e.val.Value()
	}
	m.mu.Unlock()
	b, _ := json.Marshal(out)
	return string(b)
}

// WritePrometheus implements PrometheusWriter.
func (m *LabelMap[K]) WritePrometheus(w io.Writer, name string) {
	if m.Type != "" {
		fmt.Fprintf(w, "# TYPE %s %s\n", name, m.Type)
	}
	if m.Help != "" {
		fmt.Fprintf(w, "# HELP %s %s\n", name, m.Help)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sorted {
		fmt.Fprintf(w, "%s%s %d\n", name, e.labels, e.val.Value())
	}
}
