// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// IPProto is an IP subprotocol as used in the IPv4 Protocol field.
type IPProto uint8

const (
	Unknown IPProto = 0x00
	ICMPv4  IPProto = 0x01
	TCP     IPProto = 0x06
	UDP     IPProto = 0x11
)

func (p IPProto) String() string {
	switch p {
	case Unknown:
		return "Unknown"
	case ICMPv4:
		return "ICMPv4"
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	}
	return fmt.Sprintf("IPProto-%d", uint8(p))
}

const ip4HeaderLength = header.IPv4MinimumSize

// IP4Header represents an IPv4 packet header.
type IP4Header struct {
	IPProto IPProto
	IPID    uint16
	TOS     uint8
	TTL     uint8 // zero means 64
	Src     netip.Addr
	Dst     netip.Addr
}

// Len implements Header.
func (h IP4Header) Len() int {
	return ip4HeaderLength
}

// Marshal implements Header.
func (h IP4Header) Marshal(buf []byte) error {
	if len(buf) < ip4HeaderLength {
		return errSmallBuffer
	}
	if len(buf) > maxPacketLength {
		return errLargePacket
	}
	if !h.Src.Is4() || !h.Dst.Is4() {
		return errNotIPv4
	}
	ttl := h.TTL
	if ttl == 0 {
		ttl = 64
	}
	ip := header.IPv4(buf)
	ip.Encode(&header.IPv4Fields{
		TOS:         h.TOS,
		TotalLength: uint16(len(buf)),
		ID:          h.IPID,
		TTL:         ttl,
		Protocol:    uint8(h.IPProto),
		SrcAddr:     tcpipAddr(h.Src),
		DstAddr:     tcpipAddr(h.Dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	return nil
}

// ToResponse swaps the source and destination addresses.
func (h *IP4Header) ToResponse() {
	h.Src, h.Dst = h.Dst, h.Src
	// Flip the bits in the IPID. If incoming IPIDs are distinct, so are these.
	h.IPID = ^h.IPID
}

// pseudoChecksum returns the partial checksum of the pseudo header that
// protects a transport segment of length n.
func (h IP4Header) pseudoChecksum(proto IPProto, n int) uint16 {
	return header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(proto), tcpipAddr(h.Src), tcpipAddr(h.Dst), uint16(n))
}

func tcpipAddr(a netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(a.As4())
}

func netipAddr(a tcpip.Address) netip.Addr {
	return netip.AddrFrom4(a.As4())
}

// PeekProto returns the protocol of the IPv4 packet in b, or Unknown if
// b does not start with an IPv4 header.
func PeekProto(b []byte) IPProto {
	if len(b) < ip4HeaderLength || b[0]>>4 != 4 {
		return Unknown
	}
	return IPProto(b[9])
}
