// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package ringbuffer

import (
	"testing"
)

func TestNewIsEmpty(t *testing.T) {
	rb := New[int]()
	if rb.Len() != 0 {
		t.Errorf("Len() = %d, want 0", rb.Len())
	}
	if rb.Cap() != 0 {
		t.Errorf("Cap() = %d, want 0 before first push", rb.Cap())
	}
	if _, ok := rb.Pop(); ok {
		t.Error("Pop on empty buffer returned ok")
	}
	if _, ok := rb.Peek(); ok {
		t.Error("Peek on empty buffer returned ok")
	}
}

func TestFIFOAcrossGrowth(t *testing.T) {
	rb := New[int]()
	// Interleave pushes and pops so the buffer wraps before it grows.
	next := 0
	for i := range 100 {
		if !rb.Push(i) {
			t.Fatalf("Push(%d) refused on unbounded buffer", i)
		}
		if i%3 == 0 {
			v, ok := rb.Pop()
			if !ok || v != next {
				t.Fatalf("Pop = %d, %v; want %d", v, ok, next)
			}
			next++
		}
	}
	for rb.Len() > 0 {
		v, _ := rb.Pop()
		if v != next {
			t.Fatalf("Pop = %d; want %d", v, next)
		}
		next++
	}
	if next != 100 {
		t.Errorf("popped %d items; want 100", next)
	}
}

func TestBounded(t *testing.T) {
	rb := NewBounded[string](3)
	for _, s := range []string{"a", "b", "c"} {
		if !rb.Push(s) {
			t.Fatalf("Push(%q) refused below limit", s)
		}
	}
	if !rb.IsFull() {
		t.Error("IsFull() = false at limit")
	}
	if rb.Push("d") {
		t.Error("Push beyond limit accepted")
	}
	if v, _ := rb.Peek(); v != "a" {
		t.Errorf("Peek = %q; want a", v)
	}
	rb.Pop()
	if !rb.Push("d") {
		t.Error("Push after Pop refused")
	}
	st := rb.Stats()
	if st.Refused != 1 || st.Peak != 3 || st.Limit != 3 || st.Cap > 3 {
		t.Errorf("Stats = %v", st)
	}
	var got []string
	for {
		v, ok := rb.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != "b" || got[2] != "d" {
		t.Errorf("drained %q; want [b c d]", got)
	}
}

func TestClear(t *testing.T) {
	rb := NewBounded[int](40)
	for i := range 40 {
		rb.Push(i)
	}
	rb.Clear()
	if !rb.IsEmpty() || rb.Cap() != 0 {
		t.Errorf("after Clear: len=%d cap=%d", rb.Len(), rb.Cap())
	}
	rb.Push(7)
	if v, ok := rb.Pop(); !ok || v != 7 {
		t.Errorf("Pop after Clear = %d, %v", v, ok)
	}
}
