// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package pktbuf

import (
	"bytes"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
)

func TestAllocLimit(t *testing.T) {
	c := qt.New(t)
	p := NewPool(64, 2)

	a, err := p.Alloc(10)
	c.Assert(err, qt.IsNil)
	c.Assert(a.Len(), qt.Equals, 10)
	c.Assert(a.Cap(), qt.Equals, 64)
	b, err := p.Alloc(64)
	c.Assert(err, qt.IsNil)

	_, err = p.Alloc(1)
	c.Assert(err, qt.Equals, ErrNoBuf)
	_, err = p.Alloc(65)
	c.Assert(err, qt.Equals, ErrNoBuf)

	p.Free(a)
	c.Assert(p.InUse(), qt.Equals, 1)
	_, err = p.Alloc(1)
	c.Assert(err, qt.IsNil)

	p.Free(b)
	c.Assert(p.Stats(), qt.Equals, Stats{Allocs: 3, Frees: 2, Failures: 2, InUse: 1})
}

func TestChain(t *testing.T) {
	c := qt.New(t)
	p := NewPool(4, 0)
	data := []byte("0123456789")

	b, err := p.FromBytes(data)
	c.Assert(err, qt.IsNil)
	c.Assert(b.Segments(), qt.Equals, 3)
	c.Assert(b.PktLen(), qt.Equals, len(data))
	c.Assert(b.Linearize(), qt.DeepEquals, data)
	c.Assert(b.Checksum(0), qt.Equals, checksum.Checksum(data, 0))

	p.Free(b)
	c.Assert(p.InUse(), qt.Equals, 0)

	e, err := p.FromBytes(nil)
	c.Assert(err, qt.IsNil)
	c.Assert(e.Len(), qt.Equals, 0)
	p.Free(e)
}

func TestFromBytesFailureReleases(t *testing.T) {
	p := NewPool(4, 2)
	if _, err := p.FromBytes(bytes.Repeat([]byte{1}, 9)); err != ErrNoBuf {
		t.Fatalf("err = %v", err)
	}
	if n := p.InUse(); n != 0 {
		t.Errorf("InUse = %d; want 0", n)
	}
}

func TestFreePanics(t *testing.T) {
	c := qt.New(t)
	p := NewPool(8, 0)
	b, _ := p.Alloc(1)
	p.Free(b)
	c.Assert(func() { p.Free(b) }, qt.PanicMatches, "pktbuf: double free")

	other := NewPool(8, 0)
	o, _ := other.Alloc(1)
	c.Assert(func() { p.Free(o) }, qt.PanicMatches, "pktbuf: free into foreign pool")
	c.Assert(func() { o.SetLen(9) }, qt.PanicMatches, `pktbuf: SetLen\(9\) out of range.*`)
}

func TestConcurrentFree(t *testing.T) {
	p := NewPool(32, 1000)
	ch := make(chan *Buf, 100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for b := range ch {
			p.Free(b)
		}
	}()
	for range 1000 {
		b, err := p.Alloc(16)
		if err != nil {
			t.Fatal(err)
		}
		ch <- b
	}
	close(ch)
	wg.Wait()
	if n := p.InUse(); n != 0 {
		t.Errorf("InUse = %d", n)
	}
}
