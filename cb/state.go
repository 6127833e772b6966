// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package cb

import "fmt"

// Proto is the transport protocol of a Block.
type Proto uint8

const (
	ProtoTCP Proto = 6
	ProtoUDP Proto = 17
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	}
	return fmt.Sprintf("proto(%d)", uint8(p))
}

// TCPState is the RFC 793 connection state of a TCB.
type TCPState uint8

const (
	TCPInit TCPState = iota
	TCPListen
	TCPSynSent
	TCPSynRecv
	TCPEstablished
	TCPFinWait1
	TCPFinWait2
	TCPLastAck
	TCPClosing
	TCPTimeWait
	TCPCloseWait
	TCPClosed
)

var tcpStateNames = [...]string{
	TCPInit:        "INIT",
	TCPListen:      "LISTEN",
	TCPSynSent:     "SYN_SENT",
	TCPSynRecv:     "SYN_RECV",
	TCPEstablished: "ESTABLISHED",
	TCPFinWait1:    "FIN_WAIT_1",
	TCPFinWait2:    "FIN_WAIT_2",
	TCPLastAck:     "LAST_ACK",
	TCPClosing:     "CLOSING",
	TCPTimeWait:    "TIME_WAIT",
	TCPCloseWait:   "CLOSE_WAIT",
	TCPClosed:      "CLOSED",
}

func (s TCPState) String() string {
	if int(s) < len(tcpStateNames) {
		return tcpStateNames[s]
	}
	return fmt.Sprintf("TCPState(%d)", uint8(s))
}

// Synchronized reports whether s is one of the states in which the
// connection had been set up: it has left the handshake states and has
// not yet reached CLOSED.
func (s TCPState) Synchronized() bool {
	return s >= TCPEstablished && s < TCPClosed
}

// UDPState is the state of a UCB.
type UDPState uint8

const (
	UDPInit UDPState = iota
	UDPListen
	UDPOpen
	UDPClosed
)

func (s UDPState) String() string {
	switch s {
	case UDPInit:
		return "INIT"
	case UDPListen:
		return "LISTEN"
	case UDPOpen:
		return "OPEN"
	case UDPClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("UDPState(%d)", uint8(s))
}

// TestState is the position of a Block in its test case's session life
// cycle. It is maintained by the test case scheduler.
type TestState uint8

const (
	TestNone TestState = iota

	TestClientToInit
	TestClientToOpen
	TestClientOpening
	TestClientOpen
	TestClientSending
	TestClientNoSndWin
	TestClientToClose
	TestClientClosing
	TestClientClosed

	TestServerOpening
	TestServerOpen
	TestServerSending
	TestServerNoSndWin
	TestServerClosing
	TestServerClosed

	TestListen
	TestPurged
)

var testStateNames = [...]string{
	TestNone:           "NONE",
	TestClientToInit:   "CL_TO_INIT",
	TestClientToOpen:   "CL_TO_OPEN",
	TestClientOpening:  "CL_OPENING",
	TestClientOpen:     "CL_OPEN",
	TestClientSending:  "CL_SENDING",
	TestClientNoSndWin: "CL_NO_SND_WIN",
	TestClientToClose:  "CL_TO_CLOSE",
	TestClientClosing:  "CL_CLOSING",
	TestClientClosed:   "CL_CLOSED",
	TestServerOpening:  "SRV_OPENING",
	TestServerOpen:     "SRV_OPEN",
	TestServerSending:  "SRV_SENDING",
	TestServerNoSndWin: "SRV_NO_SND_WIN",
	TestServerClosing:  "SRV_CLOSING",
	TestServerClosed:   "SRV_CLOSED",
	TestListen:         "LISTEN",
	TestPurged:         "PURGED",
}

func (s TestState) String() string {
	if int(s) < len(testStateNames) {
		return testStateNames[s]
	}
	return fmt.Sprintf("TestState(%d)", uint8(s))
}
