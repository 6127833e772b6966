// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package ringbuffer provides a generic bounded FIFO ring buffer.
package ringbuffer

import (
	"fmt"
)

// RingBuffer is a generic circular buffer that grows on demand up to a
// fixed limit. Once the limit is reached Push refuses new elements
// instead of growing, which keeps the memory used by a producer that
// outruns its consumer bounded.
//
// It is not safe for concurrent use.
type RingBuffer[T any] struct {
	buf   []T
	head  int // index of the first element
	tail  int // index of the next write position
	count int // number of elements in the buffer
	limit int // maximum number of elements; 0 means unbounded

	peak    int    // high watermark of count
	refused uint64 // pushes rejected at the limit
}

const initialSize = 16

// New creates a new RingBuffer with no limit.
// The buffer is allocated on first push.
func New[T any]() *RingBuffer[T] {
	return &RingBuffer[T]{}
}

// NewBounded creates a new RingBuffer that holds at most limit elements.
// The buffer is allocated on first push.
func NewBounded[T any](limit int) *RingBuffer[T] {
	if limit < 1 {
		limit = 1
	}
	return &RingBuffer[T]{limit: limit}
}

// Push adds an element to the ring buffer. It reports false, leaving the
// buffer unchanged, if the buffer already holds its limit of elements.
func (rb *RingBuffer[T]) Push(item T) bool {
	if rb.limit > 0 && rb.count >= rb.limit {
		rb.refused++
		return false
	}
	if rb.buf == nil {
		size := initialSize
		if rb.limit > 0 && rb.limit < size {
			size = rb.limit
		}
		rb.buf = make([]T, size)
	} else if rb.count == len(rb.buf) {
		rb.grow()
	}

	rb.buf[rb.tail] = item
	rb.tail = (rb.tail + 1) % len(rb.buf)
	rb.count++
	if rb.count > rb.peak {
		rb.peak = rb.count
	}
	return true
}

// Pop removes and returns the oldest element from the ring buffer.
// Returns the zero value and false if the buffer is empty.
func (rb *RingBuffer[T]) Pop() (T, bool) {
	var zero T
	if rb.count == 0 {
		return zero, false
	}
	item := rb.buf[rb.head]
	rb.buf[rb.head] = zero // clear reference for GC
	rb.head = (rb.head + 1) % len(rb.buf)
	rb.count--
	return item, true
}

// Peek returns the oldest element without removing it.
// Returns the zero value and false if the buffer is empty.
func (rb *RingBuffer[T]) Peek() (T, bool) {
	if rb.count == 0 {
		var zero T
		return zero, false
	}
	return rb.buf[rb.head], true
}

// Len returns the number of elements in the buffer.
func (rb *RingBuffer[T]) Len() int {
	return rb.count
}

// Cap returns the current capacity of the underlying buffer.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.buf)
}

// IsEmpty returns true if the buffer contains no elements.
func (rb *RingBuffer[T]) IsEmpty() bool {
	return rb.count == 0
}

// IsFull reports whether the buffer holds its limit of elements.
// An unbounded buffer is never full.
func (rb *RingBuffer[T]) IsFull() bool {
	return rb.limit > 0 && rb.count >= rb.limit
}

// Clear removes all elements from the buffer.
func (rb *RingBuffer[T]) Clear() {
	rb.buf = nil
	rb.head = 0
	rb.tail = 0
	rb.count = 0
}

// grow doubles the capacity of the ring buffer, without exceeding limit.
func (rb *RingBuffer[T]) grow() {
	newSize := len(rb.buf) * 2
	if rb.limit > 0 && newSize > rb.limit {
		newSize = rb.limit
	}
	newBuf := make([]T, newSize)
	if rb.head < rb.tail {
		copy(newBuf, rb.buf[rb.head:rb.tail])
	} else {
		// Wrapped around (or full, where head == tail).
		n := copy(newBuf, rb.buf[rb.head:])
		copy(newBuf[n:], rb.buf[:rb.tail])
	}
	rb.buf = newBuf
	rb.head = 0
	rb.tail = rb.count
}

// Stats returns statistics about the ring buffer's behavior.
func (rb *RingBuffer[T]) Stats() Stats {
	return Stats{
		Len:     rb.count,
		Cap:     len(rb.buf),
		Limit:   rb.limit,
		Peak:    rb.peak,
		Refused: rb.refused,
	}
}

// Stats contains statistics about ring buffer usage.
type Stats struct {
	Len     int    // current number of elements
	Cap     int    // current capacity
	Limit   int    // maximum number of elements, 0 if unbounded
	Peak    int    // highest Len observed
	Refused uint64 // pushes rejected because the buffer was full
}

func (s Stats) String() string {
	return fmt.Sprintf("RingBuffer{len=%d, cap=%d, limit=%d, peak=%d, refused=%d}",
		s.Len, s.Cap, s.Limit, s.Peak, s.Refused)
}
