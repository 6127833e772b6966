// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"errors"
	"math"
)

// maxPacketLength bounds a whole frame: IPv4 total length is 16 bits.
const maxPacketLength = math.MaxUint16

var (
	errSmallBuffer = errors.New("packet: buffer too small for header")
	errLargePacket = errors.New("packet: frame longer than 64KiB")
	errNotIPv4     = errors.New("packet: address is not IPv4")
)

// Header is a protocol header the transmit path writes in front of a
// payload already in place.
type Header interface {
	// Len is the encoded header length.
	Len() int
	// Marshal writes the header at the start of buf. Bytes past Len
	// are the payload and count towards length fields. It must not
	// allocate.
	Marshal(buf []byte) error
}

// HeaderChecksummer is a Header whose checksum covers the payload, so it
// is written after Marshal once the whole frame is in buf.
type HeaderChecksummer interface {
	Header
	WriteChecksum(buf []byte)
}

// Generate returns a new frame of h followed by payload, checksummed,
// or nil if h does not fit. It allocates; the data path marshals into
// pktbuf buffers instead.
func Generate(h Header, payload []byte) []byte {
	n := h.Len()
	buf := make([]byte, n+len(payload))
	copy(buf[n:], payload)
	if h.Marshal(buf) != nil {
		return nil
	}
	if hc, ok := h.(HeaderChecksummer); ok {
		hc.WriteChecksum(buf)
	}
	return buf
}
