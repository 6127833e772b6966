// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// UDP4Header represents an UDP packet header.
type UDP4Header struct {
	IP4Header
	SrcPort uint16
	DstPort uint16
}

const (
	udpHeaderLength = header.UDPMinimumSize
	// udpTotalHeaderLength is the length of all headers in a UDP packet.
	udpTotalHeaderLength = ip4HeaderLength + udpHeaderLength
)

// Len implements Header.
func (UDP4Header) Len() int {
	return udpTotalHeaderLength
}

// Marshal implements Header. It leaves the UDP checksum zero; see
// WriteChecksum.
func (h UDP4Header) Marshal(buf []byte) error {
	if len(buf) < udpTotalHeaderLength {
		return errSmallBuffer
	}
	if len(buf) > maxPacketLength {
		return errLargePacket
	}
	// The caller does not need to set this.
	h.IPProto = UDP

	u := header.UDP(buf[ip4HeaderLength:])
	u.Encode(&header.UDPFields{
		SrcPort: h.SrcPort,
		DstPort: h.DstPort,
		Length:  uint16(len(u)),
	})
	return h.IP4Header.Marshal(buf)
}

// WriteChecksum implements HeaderChecksummer.
func (h UDP4Header) WriteChecksum(buf []byte) {
	u := header.UDP(buf[ip4HeaderLength:])
	u.SetChecksum(0)
	xsum := h.pseudoChecksum(UDP, len(u))
	xsum = checksum.Checksum(u.Payload(), xsum)
	sum := ^u.CalculateChecksum(xsum)
	if sum == 0 {
		// Zero means "no checksum" on the wire.
		sum = 0xffff
	}
	u.SetChecksum(sum)
}

// ToResponse swaps the endpoints.
func (h *UDP4Header) ToResponse() {
	h.SrcPort, h.DstPort = h.DstPort, h.SrcPort
	h.IP4Header.ToResponse()
}
