// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package packet

import (
	"strings"

	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// TCPFlag is a set of TCP header flags.
type TCPFlag uint8

const (
	TCPFin    TCPFlag = 0x01
	TCPSyn    TCPFlag = 0x02
	TCPRst    TCPFlag = 0x04
	TCPPsh    TCPFlag = 0x08
	TCPAck    TCPFlag = 0x10
	TCPUrg    TCPFlag = 0x20
	TCPSynAck         = TCPSyn | TCPAck
)

// Has reports whether all of v are set in f.
func (f TCPFlag) Has(v TCPFlag) bool { return f&v == v }

func (f TCPFlag) String() string {
	var sb strings.Builder
	for _, x := range []struct {
		f TCPFlag
		c byte
	}{{TCPSyn, 'S'}, {TCPAck, '.'}, {TCPFin, 'F'}, {TCPRst, 'R'}, {TCPPsh, 'P'}, {TCPUrg, 'U'}} {
		if f.Has(x.f) {
			sb.WriteByte(x.c)
		}
	}
	return sb.String()
}

const (
	tcpHeaderLength = header.TCPMinimumSize
	// tcpTotalHeaderLength is the length of all headers in a TCP packet
	// without options.
	tcpTotalHeaderLength = ip4HeaderLength + tcpHeaderLength
)

// TCP4Header represents a TCP segment header over IPv4, without options.
type TCP4Header struct {
	IP4Header
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   TCPFlag
	Window  uint16
}

// Len implements Header.
func (TCP4Header) Len() int {
	return tcpTotalHeaderLength
}

// Marshal implements Header. It leaves the TCP checksum zero; see
// WriteChecksum.
func (h TCP4Header) Marshal(buf []byte) error {
	if len(buf) < tcpTotalHeaderLength {
		return errSmallBuffer
	}
	// The caller does not need to set this.
	h.IPProto = TCP

	t := header.TCP(buf[ip4HeaderLength:])
	t.Encode(&header.TCPFields{
		SrcPort:    h.SrcPort,
		DstPort:    h.DstPort,
		SeqNum:     h.Seq,
		AckNum:     h.Ack,
		DataOffset: tcpHeaderLength,
		Flags:      header.TCPFlags(h.Flags),
		WindowSize: h.Window,
	})
	return h.IP4Header.Marshal(buf)
}

// WriteChecksum implements HeaderChecksummer.
func (h TCP4Header) WriteChecksum(buf []byte) {
	t := header.TCP(buf[ip4HeaderLength:])
	t.SetChecksum(0)
	xsum := h.pseudoChecksum(TCP, len(t))
	xsum = checksum.Checksum(t.Payload(), xsum)
	t.SetChecksum(^t.CalculateChecksum(xsum))
}

// ToResponse swaps the endpoints.
func (h *TCP4Header) ToResponse() {
	h.SrcPort, h.DstPort = h.DstPort, h.SrcPort
	h.IP4Header.ToResponse()
}
