// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package cb

import "fmt"

// Queue is an intrusive FIFO of blocks. A block is on at most one queue
// at a time; the links live in the block itself so that membership
// changes never allocate.
//
// The zero value is an empty, unnamed queue.
type Queue struct {
	name       string
	head, tail *Block
	n          int
}

// NewQueue returns an empty queue with the given name.
func NewQueue(name string) *Queue { return &Queue{name: name} }

func (q *Queue) Name() string { return q.name }

// Len returns the number of blocks on q.
func (q *Queue) Len() int { return q.n }

// Empty reports whether q has no blocks.
func (q *Queue) Empty() bool { return q.n == 0 }

// Front returns the first block, or nil.
func (q *Queue) Front() *Block { return q.head }

// PushBack appends b. It panics if b is already on a queue.
func (q *Queue) PushBack(b *Block) {
	if b.queue != nil {
		panic(fmt.Sprintf("cb: %v pushed on %q while on %q", b, q.name, b.queue.name))
	}
	b.queue = q
	b.prev = q.tail
	b.next = nil
	if q.tail != nil {
		q.tail.next = b
	} else {
		q.head = b
	}
	q.tail = b
	q.n++
}

// PopFront removes and returns the first block, or nil if q is empty.
func (q *Queue) PopFront() *Block {
	b := q.head
	if b != nil {
		q.unlink(b)
	}
	return b
}

// Remove removes b from q and reports whether it was there. Removing a
// block that is not on q is a no-op.
func (q *Queue) Remove(b *Block) bool {
	if b.queue != q {
		return false
	}
	q.unlink(b)
	return true
}

// MoveToBack moves b, which must be on q, to the end of q.
func (q *Queue) MoveToBack(b *Block) {
	if b.queue != q {
		panic(fmt.Sprintf("cb: %v is not on %q", b, q.name))
	}
	if q.tail == b {
		return
	}
	q.unlink(b)
	q.PushBack(b)
}

// Drain removes every block from q, calling f for each in order. f may
// push the block onto another queue.
func (q *Queue) Drain(f func(*Block)) int {
	n := 0
	for b := q.PopFront(); b != nil; b = q.PopFront() {
		f(b)
		n++
	}
	return n
}

func (q *Queue) unlink(b *Block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		q.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	} else {
		q.tail = b.prev
	}
	b.prev, b.next, b.queue = nil, nil, nil
	q.n--
}
