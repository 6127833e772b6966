// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package envknob reads the L4GEN_* environment variables that tweak the
// generator while developing or debugging it.
//
// Knobs are not a stable interface and may be removed at any time.
package envknob

import (
	"fmt"
	"log"
	"os"
	"slices"
	"strconv"
	"sync"
)

var (
	mu    sync.Mutex
	inUse = map[string]string{} // knob name => non-empty value seen
	knobs = map[string]setter{} // registered knobs
)

// setter is a *knob[T] of any T.
type setter interface {
	setLocked(raw string)
}

type knob[T any] struct {
	name  string
	parse func(string) (T, error)
	val   T
}

func (k *knob[T]) setLocked(raw string) {
	noteLocked(k.name, raw)
	var zero T
	if raw == "" {
		k.val = zero
		return
	}
	v, err := k.parse(raw)
	if err != nil {
		log.Fatalf("envknob: invalid value %q for %s: %v", raw, k.name, err)
	}
	k.val = v
}

func noteLocked(name, v string) {
	if v == "" {
		delete(inUse, name)
	} else {
		inUse[name] = v
	}
}

func register[T any](name string, parse func(string) (T, error)) func() T {
	mu.Lock()
	defer mu.Unlock()
	s, ok := knobs[name]
	if !ok {
		k := &knob[T]{name: name, parse: parse}
		k.setLocked(os.Getenv(name))
		knobs[name] = k
		s = k
	}
	k, ok := s.(*knob[T])
	if !ok {
		panic(fmt.Sprintf("envknob: %s registered as %T", name, s))
	}
	return func() T {
		mu.Lock()
		defer mu.Unlock()
		return k.val
	}
}

// RegisterString returns a func that reports the value of the named
// variable. Later changes must go through Setenv.
func RegisterString(name string) func() string {
	return register(name, func(s string) (string, error) { return s, nil })
}

// RegisterBool is like RegisterString for a boolean variable. An
// unparsable value is fatal.
func RegisterBool(name string) func() bool {
	return register(name, strconv.ParseBool)
}

// RegisterUint64 is like RegisterString for an unsigned integer
// variable. An unparsable value is fatal.
func RegisterUint64(name string) func() uint64 {
	return register(name, func(s string) (uint64, error) { return strconv.ParseUint(s, 10, 64) })
}

// String returns the named variable without registering it.
func String(name string) string {
	v := os.Getenv(name)
	mu.Lock()
	noteLocked(name, v)
	mu.Unlock()
	return v
}

// Bool is like String for a boolean variable. Unset is false and an
// unparsable value is fatal.
func Bool(name string) bool {
	v := String(name)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("envknob: invalid value %q for %s: %v", v, name, err)
	}
	return b
}

// Setenv sets the named variable and updates its registered knob, if
// any. It is meant for early in main and for tests.
func Setenv(name, val string) {
	mu.Lock()
	defer mu.Unlock()
	os.Setenv(name, val)
	if k, ok := knobs[name]; ok {
		k.setLocked(val)
	} else {
		noteLocked(name, val)
	}
}

// LogCurrent logs every knob seen with a non-empty value, sorted by
// name. logf is a logger.Logf; logger imports envknob.
func LogCurrent(logf func(format string, args ...any)) {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(inUse))
	for k := range inUse {
		names = append(names, k)
	}
	slices.Sort(names)
	for _, k := range names {
		logf("envknob: %s=%q", k, inUse[k])
	}
}
