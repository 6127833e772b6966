// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package packet encodes and decodes the IPv4/TCP and IPv4/UDP frames the
// generator puts on the wire.
package packet

import (
	"errors"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"l4gen.dev/types/tuple"
)

var (
	ErrTooShort  = errors.New("packet: truncated")
	ErrNotIPv4   = errors.New("packet: not IPv4")
	ErrBadLength = errors.New("packet: bad length field")
	ErrFragment  = errors.New("packet: fragmented")
	ErrProto     = errors.New("packet: unsupported protocol")
)

// Parsed is a minimal decoding of an inbound IPv4 TCP or UDP packet.
type Parsed struct {
	// b is the byte buffer that this decodes.
	b []byte
	// subofs is the offset of IP subprotocol.
	subofs int
	// dataofs is the offset of IP subprotocol payload.
	dataofs int
	// length is the total length of the packet.
	// This is not the same as len(b) because b can have trailing bytes.
	length int

	IPVersion uint8   // 4, or whatever the version nibble said
	IPProto   IPProto // IP subprotocol (UDP, TCP)
	TTL       uint8
	Src       netip.AddrPort
	Dst       netip.AddrPort

	// TCP only.
	TCPFlags TCPFlag
	Seq      uint32
	Ack      uint32
	Window   uint16
}

func (q *Parsed) String() string {
	if q.IPVersion != 4 {
		return fmt.Sprintf("IPv%d{???}", q.IPVersion)
	}
	if q.IPProto == TCP {
		return fmt.Sprintf("TCP{%v > %v [%v] seq=%d ack=%d len=%d}", q.Src, q.Dst, q.TCPFlags, q.Seq, q.Ack, len(q.Payload()))
	}
	return fmt.Sprintf("%v{%v > %v len=%d}", q.IPProto, q.Src, q.Dst, len(q.Payload()))
}

// Decode extracts data from the packet in b into q.
// It performs sanity checks but does not verify checksums; see
// VerifyChecksum. q keeps a reference to b.
func (q *Parsed) Decode(b []byte) error {
	*q = Parsed{b: b}

	if len(b) < 1 {
		return ErrTooShort
	}
	q.IPVersion = b[0] >> 4
	if q.IPVersion != 4 {
		return ErrNotIPv4
	}
	if len(b) < ip4HeaderLength {
		return ErrTooShort
	}
	ip := header.IPv4(b)
	ihl := int(ip.HeaderLength())
	if ihl < ip4HeaderLength || ihl > len(b) {
		return ErrTooShort
	}
	total := int(ip.TotalLength())
	if total < ihl || total > len(b) {
		return ErrBadLength
	}
	if ip.FragmentOffset() != 0 || ip.Flags()&header.IPv4FlagMoreFragments != 0 {
		return ErrFragment
	}
	q.length = total
	q.subofs = ihl
	q.IPProto = IPProto(ip.Protocol())
	q.TTL = ip.TTL()
	src := netipAddr(ip.SourceAddress())
	dst := netipAddr(ip.DestinationAddress())

	sub := b[ihl:total]
	switch q.IPProto {
	case TCP:
		if len(sub) < tcpHeaderLength {
			return ErrTooShort
		}
		t := header.TCP(sub)
		off := int(t.DataOffset())
		if off < tcpHeaderLength || off > len(sub) {
			return ErrTooShort
		}
		q.Src = netip.AddrPortFrom(src, t.SourcePort())
		q.Dst = netip.AddrPortFrom(dst, t.DestinationPort())
		q.TCPFlags = TCPFlag(t.Flags())
		q.Seq = t.SequenceNumber()
		q.Ack = t.AckNumber()
		q.Window = t.WindowSize()
		q.dataofs = ihl + off
	case UDP:
		if len(sub) < udpHeaderLength {
			return ErrTooShort
		}
		u := header.UDP(sub)
		ulen := int(u.Length())
		if ulen < udpHeaderLength || ulen > len(sub) {
			return ErrBadLength
		}
		q.Src = netip.AddrPortFrom(src, u.SourcePort())
		q.Dst = netip.AddrPortFrom(dst, u.DestinationPort())
		q.dataofs = ihl + udpHeaderLength
		q.length = ihl + ulen
	default:
		return ErrProto
	}
	return nil
}

// Buffer returns the entire packet buffer.
func (q *Parsed) Buffer() []byte {
	return q.b[:q.length]
}

// Payload returns the transport payload.
func (q *Parsed) Payload() []byte {
	if q.dataofs == 0 {
		return nil
	}
	return q.b[q.dataofs:q.length]
}

// Transport returns the transport header and payload.
func (q *Parsed) Transport() []byte {
	return q.b[q.subofs:q.length]
}

// Tuple returns the session tuple of an inbound packet: the local side is
// the packet's destination.
func (q *Parsed) Tuple() tuple.Tuple {
	return tuple.Tuple{
		Local:      q.Dst.Addr(),
		Remote:     q.Src.Addr(),
		LocalPort:  q.Dst.Port(),
		RemotePort: q.Src.Port(),
	}
}

// UpdateChecksums recomputes the IPv4 header and transport checksums of
// the decoded packet in place.
func (q *Parsed) UpdateChecksums() {
	if q.subofs == 0 {
		return
	}
	ip := header.IPv4(q.b[:q.subofs])
	ip.SetChecksum(0)
	ip.SetChecksum(^ip.CalculateChecksum())

	l4 := q.Transport()
	xsum := header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(q.IPProto),
		tcpipAddr(q.Src.Addr()), tcpipAddr(q.Dst.Addr()), uint16(len(l4)))
	switch q.IPProto {
	case TCP:
		t := header.TCP(l4)
		t.SetChecksum(0)
		t.SetChecksum(^checksum.Checksum(l4, xsum))
	case UDP:
		u := header.UDP(l4)
		u.SetChecksum(0)
		sum := ^checksum.Checksum(l4, xsum)
		if sum == 0 {
			sum = 0xffff
		}
		u.SetChecksum(sum)
	}
}

// VerifyChecksum reports whether both the IPv4 header checksum and the
// transport checksum are correct. A UDP checksum of zero means none was
// sent and is accepted.
func (q *Parsed) VerifyChecksum() bool {
	if q.subofs == 0 {
		return false
	}
	if checksum.Checksum(q.b[:q.subofs], 0) != 0xffff {
		return false
	}
	l4 := q.Transport()
	if q.IPProto == UDP && header.UDP(l4).Checksum() == 0 {
		return true
	}
	xsum := header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(q.IPProto),
		tcpipAddr(q.Src.Addr()), tcpipAddr(q.Dst.Addr()), uint16(len(l4)))
	return checksum.Checksum(l4, xsum) == 0xffff
}
