// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package cb

import (
	"errors"
	"fmt"
)

// ErrNoMem is returned when a pool has no free blocks left.
var ErrNoMem = errors.New("cb: pool exhausted")

// Pool is a bounded free list of blocks of one protocol. It is owned by a
// single worker.
type Pool struct {
	proto  Proto
	limit  int
	free   []*Block
	inUse  int
	nextID uint32
	stats  PoolStats
}

// PoolStats counts pool activity.
type PoolStats struct {
	Allocs   uint64
	Frees    uint64
	Failures uint64
	Peak     int
}

// NewPool returns a pool of at most limit blocks of protocol proto.
// Blocks are created lazily.
func NewPool(proto Proto, limit int) *Pool {
	if limit <= 0 {
		panic(fmt.Sprintf("cb: invalid pool limit %d", limit))
	}
	return &Pool{proto: proto, limit: limit}
}

// Proto returns the protocol of the pool's blocks.
func (p *Pool) Proto() Proto { return p.proto }

// Limit returns the maximum number of blocks in use at once.
func (p *Pool) Limit() int { return p.limit }

// InUse returns the number of allocated blocks.
func (p *Pool) InUse() int { return p.inUse }

// Stats returns a copy of the pool counters.
func (p *Pool) Stats() PoolStats { return p.stats }

// Alloc returns a zeroed block with a fresh id and protocol payload.
func (p *Pool) Alloc() (*Block, error) {
	if p.inUse >= p.limit {
		p.stats.Failures++
		return nil, ErrNoMem
	}
	var b *Block
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		b = new(Block)
		switch p.proto {
		case ProtoTCP:
			b.TCB = new(TCB)
		case ProtoUDP:
			b.UCB = new(UCB)
		}
	}
	tcb, ucb := b.TCB, b.UCB
	p.nextID++
	*b = Block{ID: p.nextID, Proto: p.proto, TCB: tcb, UCB: ucb, pool: p}
	if tcb != nil {
		retrans := tcb.Retrans[:0]
		*tcb = TCB{Retrans: retrans}
	}
	if ucb != nil {
		*ucb = UCB{}
	}
	p.inUse++
	p.stats.Allocs++
	p.stats.Peak = max(p.stats.Peak, p.inUse)
	return b, nil
}

// Free returns b to the pool. Freeing a block twice, freeing a block of
// another pool, or freeing a block that is still linked in a lookup table
// or queued is a programming error and panics.
func (p *Pool) Free(b *Block) {
	switch {
	case b.pool != p:
		panic(fmt.Sprintf("cb: free of %v into foreign pool", b))
	case b.free:
		panic(fmt.Sprintf("cb: double free of %v", b))
	case b.Linked:
		panic(fmt.Sprintf("cb: free of %v still in lookup", b))
	case b.queue != nil:
		panic(fmt.Sprintf("cb: free of %v still on queue %s", b, b.queue.name))
	}
	if b.TestTimer != nil {
		b.TestTimer.Stop()
		b.TestTimer = nil
	}
	if b.TCB != nil && b.TCB.Timer != nil {
		b.TCB.Timer.Stop()
		b.TCB.Timer = nil
	}
	b.free = true
	b.App = nil
	p.free = append(p.free, b)
	p.inUse--
	p.stats.Frees++
}

// IsFree reports whether b is in its pool's free list.
func (b *Block) IsFree() bool { return b.free }

// Clone allocates a block that is a copy of src except for its id, its
// allocation and its memberships.
func (p *Pool) Clone(src *Block) (*Block, error) {
	if src.Proto != p.proto {
		panic(fmt.Sprintf("cb: clone of %v into %v pool", src, p.proto))
	}
	b, err := p.Alloc()
	if err != nil {
		return nil, err
	}
	id, tcb, ucb := b.ID, b.TCB, b.UCB
	*b = *src
	b.ID, b.TCB, b.UCB = id, tcb, ucb
	b.pool = p
	b.free = false
	b.queue, b.prev, b.next = nil, nil, nil
	b.Linked = false
	b.TestTimer = nil
	if src.TCB != nil {
		retrans := tcb.Retrans[:0]
		*tcb = *src.TCB
		tcb.Retrans = retrans
		tcb.Timer = nil
	}
	if src.UCB != nil {
		*ucb = *src.UCB
	}
	return b, nil
}
