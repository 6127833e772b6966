// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package lookup maps inbound packets to the control blocks of their
// sessions.
//
// A Table is owned by one worker and holds the blocks of one protocol for
// every port the worker serves. Established sessions live in a hash table
// bucketed by the session hash; listeners are kept apart and are only
// consulted when no exact match exists.
package lookup

import (
	"errors"
	"fmt"
	"net/netip"

	"l4gen.dev/cb"
)

// ErrExists is returned by Insert when a block with the same port and
// tuple is already present.
var ErrExists = errors.New("lookup: session exists")

// Table is a per-worker session table.
type Table struct {
	mask      uint32
	buckets   [][]*cb.Block
	listeners map[listenKey]*cb.Block
	n         int
	stats     Stats
}

// Stats counts table activity.
type Stats struct {
	Inserts    uint64
	Duplicates uint64
	Removes    uint64
	Hits       uint64
	Misses     uint64
}

type listenKey struct {
	port int
	addr netip.Addr
	lp   uint16
}

// New returns a table with at least size buckets, rounded up to a power
// of two.
func New(size int) *Table {
	n := 1
	for n < size {
		n <<= 1
	}
	return &Table{
		mask:      uint32(n - 1),
		buckets:   make([][]*cb.Block, n),
		listeners: make(map[listenKey]*cb.Block),
	}
}

// Len returns the number of blocks in t, listeners included.
func (t *Table) Len() int { return t.n + len(t.listeners) }

// Stats returns a copy of the table counters.
func (t *Table) Stats() Stats { return t.stats }

// Insert adds b under its Port, Tuple and Hash. Blocks whose tuple has no
// remote endpoint are registered as listeners.
func (t *Table) Insert(b *cb.Block) error {
	if b.Linked {
		panic(fmt.Sprintf("lookup: %v inserted twice", b))
	}
	if b.Tuple.IsWildcard() {
		k := listenKey{b.Port, b.Tuple.Local, b.Tuple.LocalPort}
		if _, ok := t.listeners[k]; ok {
			t.stats.Duplicates++
			return ErrExists
		}
		t.listeners[k] = b
	} else {
		i := b.Hash & t.mask
		for _, o := range t.buckets[i] {
			if o.Port == b.Port && o.Tuple == b.Tuple {
				t.stats.Duplicates++
				return ErrExists
			}
		}
		t.buckets[i] = append(t.buckets[i], b)
		t.n++
	}
	b.Linked = true
	t.stats.Inserts++
	return nil
}

// Remove deletes b from t. It is a no-op if b is not in t.
func (t *Table) Remove(b *cb.Block) {
	if !b.Linked {
		return
	}
	if b.Tuple.IsWildcard() {
		k := listenKey{b.Port, b.Tuple.Local, b.Tuple.LocalPort}
		if t.listeners[k] == b {
			delete(t.listeners, k)
			b.Linked = false
			t.stats.Removes++
		}
		return
	}
	i := b.Hash & t.mask
	bucket := t.buckets[i]
	for j, o := range bucket {
		if o != b {
			continue
		}
		last := len(bucket) - 1
		bucket[j] = bucket[last]
		bucket[last] = nil
		t.buckets[i] = bucket[:last]
		t.n--
		b.Linked = false
		t.stats.Removes++
		return
	}
}

// Find returns the block of the session identified by its local and
// remote endpoints on port, or nil. hash must be the session hash the
// block was inserted with.
func (t *Table) Find(port int, hash uint32, laddr, raddr netip.Addr, lport, rport uint16) *cb.Block {
	for _, b := range t.buckets[hash&t.mask] {
		tu := &b.Tuple
		if b.Port == port && tu.LocalPort == lport && tu.RemotePort == rport &&
			tu.Local == laddr && tu.Remote == raddr {
			t.stats.Hits++
			return b
		}
	}
	t.stats.Misses++
	return nil
}

// FindListener returns the listener for laddr:lport on port. A listener
// bound to the unspecified address matches any local address.
func (t *Table) FindListener(port int, laddr netip.Addr, lport uint16) *cb.Block {
	if b, ok := t.listeners[listenKey{port, laddr, lport}]; ok {
		return b
	}
	if laddr.Is4() {
		return t.listeners[listenKey{port, netip.IPv4Unspecified(), lport}]
	}
	return nil
}

// Walk calls f for every block in t until f returns false. f must not
// insert or remove blocks; use Collect for that.
func (t *Table) Walk(f func(*cb.Block) bool) {
	for _, b := range t.listeners {
		if !f(b) {
			return
		}
	}
	for _, bucket := range t.buckets {
		for _, b := range bucket {
			if !f(b) {
				return
			}
		}
	}
}

// Collect returns the blocks for which match reports true.
func (t *Table) Collect(match func(*cb.Block) bool) []*cb.Block {
	var out []*cb.Block
	t.Walk(func(b *cb.Block) bool {
		if match(b) {
			out = append(out, b)
		}
		return true
	})
	return out
}

// Count returns the number of blocks of test case tcid on port.
func (t *Table) Count(port int, tcid uint32) int {
	n := 0
	t.Walk(func(b *cb.Block) bool {
		if b.Port == port && b.TCID == tcid {
			n++
		}
		return true
	})
	return n
}
