// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pktbuf provides the packet buffers frames are built in and
// carried between ports and workers.
//
// Unlike control blocks, buffers cross goroutines: a frame built on one
// worker is delivered to the worker that owns the peer session and freed
// there. Pools are therefore safe for concurrent use.
package pktbuf

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

// ErrNoBuf is returned by Alloc when the pool is exhausted or the
// requested size cannot fit in one buffer.
var ErrNoBuf = errors.New("pktbuf: no buffer available")

// DefaultSize is the data capacity of a buffer when a pool is created
// with size 0. It fits a 1500-byte frame.
const DefaultSize = 2048

// Buf is a single packet buffer, optionally the head of a chain.
type Buf struct {
	data []byte // len is the frame length, cap the pool's buffer size

	// Next links buffers of a multi-segment frame.
	Next *Buf

	// Receive metadata, set by the port.
	Port     int
	RSSHash  uint32
	HasRSS   bool
	CsumGood bool // the port verified the checksums in hardware

	pool *Pool
	free bool
}

// Bytes returns the data of b alone, not its chain.
func (b *Buf) Bytes() []byte { return b.data }

// Len returns the data length of b alone.
func (b *Buf) Len() int { return len(b.data) }

// Cap returns how many bytes b can hold.
func (b *Buf) Cap() int { return cap(b.data) }

// SetLen resizes b's data within its capacity.
func (b *Buf) SetLen(n int) {
	if n < 0 || n > cap(b.data) {
		panic(fmt.Sprintf("pktbuf: SetLen(%d) out of range [0,%d]", n, cap(b.data)))
	}
	b.data = b.data[:n]
}

// Append links nb at the end of b's chain.
func (b *Buf) Append(nb *Buf) {
	t := b
	for t.Next != nil {
		t = t.Next
	}
	t.Next = nb
}

// PktLen returns the data length of the whole chain.
func (b *Buf) PktLen() int {
	n := 0
	for ; b != nil; b = b.Next {
		n += len(b.data)
	}
	return n
}

// Segments returns the number of buffers in the chain.
func (b *Buf) Segments() int {
	n := 0
	for ; b != nil; b = b.Next {
		n++
	}
	return n
}

// Linearize returns the chain's data as one slice. For a single buffer
// it is b.Bytes() and does not allocate.
func (b *Buf) Linearize() []byte {
	if b.Next == nil {
		return b.data
	}
	out := make([]byte, 0, b.PktLen())
	for s := b; s != nil; s = s.Next {
		out = append(out, s.data...)
	}
	return out
}

// Checksum returns the ones' complement sum of the chain's data folded
// into initial, not complemented.
func (b *Buf) Checksum(initial uint16) uint16 {
	if b.Next == nil {
		return checksum.Checksum(b.data, initial)
	}
	return checksum.Checksum(b.Linearize(), initial)
}

// Pool is a bounded set of equally sized buffers.
type Pool struct {
	size  int
	limit int64
	inUse atomic.Int64
	p     sync.Pool

	allocs   atomic.Uint64
	frees    atomic.Uint64
	failures atomic.Uint64
}

// NewPool returns a pool of buffers holding size bytes each, of which at
// most limit may be allocated at once. Zero size means DefaultSize; zero
// limit means unbounded.
func NewPool(size, limit int) *Pool {
	if size == 0 {
		size = DefaultSize
	}
	p := &Pool{size: size, limit: int64(limit)}
	p.p.New = func() any {
		return &Buf{data: make([]byte, 0, size), pool: p}
	}
	return p
}

// Size returns the capacity of each buffer.
func (p *Pool) Size() int { return p.size }

// Alloc returns a buffer with n bytes of (unspecified) data.
func (p *Pool) Alloc(n int) (*Buf, error) {
	if n > p.size {
		p.failures.Add(1)
		return nil, ErrNoBuf
	}
	if v := p.inUse.Add(1); p.limit > 0 && v > p.limit {
		p.inUse.Add(-1)
		p.failures.Add(1)
		return nil, ErrNoBuf
	}
	b := p.p.Get().(*Buf)
	b.data = b.data[:n]
	b.free = false
	p.allocs.Add(1)
	return b, nil
}

// FromBytes returns a chain holding a copy of data, split over as many
// buffers as needed. On failure nothing stays allocated.
func (p *Pool) FromBytes(data []byte) (*Buf, error) {
	var head *Buf
	for first := true; first || len(data) > 0; first = false {
		n := min(len(data), p.size)
		b, err := p.Alloc(n)
		if err != nil {
			if head != nil {
				p.Free(head)
			}
			return nil, err
		}
		copy(b.data, data[:n])
		data = data[n:]
		if head == nil {
			head = b
		} else {
			head.Append(b)
		}
	}
	return head, nil
}

// Free returns b and every buffer chained after it to the pool.
func (p *Pool) Free(b *Buf) {
	for b != nil {
		if b.pool != p {
			panic("pktbuf: free into foreign pool")
		}
		if b.free {
			panic("pktbuf: double free")
		}
		next := b.Next
		*b = Buf{data: b.data[:0], pool: p, free: true}
		p.inUse.Add(-1)
		p.frees.Add(1)
		p.p.Put(b)
		b = next
	}
}

// InUse returns the number of buffers currently allocated.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Stats are pool counters.
type Stats struct {
	Allocs   uint64
	Frees    uint64
	Failures uint64
	InUse    int64
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Allocs:   p.allocs.Load(),
		Frees:    p.frees.Load(),
		Failures: p.failures.Load(),
		InUse:    p.inUse.Load(),
	}
}
