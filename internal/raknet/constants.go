// Package raknet terminates RakNet client sessions: offline discovery and
// handshake, per-endpoint session bookkeeping, and a best-effort frame link
// carrying connected traffic.
package raknet

import "time"

// Message identifiers.
const (
	IDConnectedPing               byte = 0x00
	IDUnconnectedPing             byte = 0x01
	IDUnconnectedPingOpen         byte = 0x02
	IDConnectedPong               byte = 0x03
	IDOpenConnectionRequest1      byte = 0x05
	IDOpenConnectionReply1        byte = 0x06
	IDOpenConnectionRequest2      byte = 0x07
	IDOpenConnectionReply2        byte = 0x08
	IDConnectionRequest           byte = 0x09
	IDConnectionRequestAccepted   byte = 0x10
	IDNewIncomingConnection       byte = 0x13
	IDNoFreeIncomingConnections   byte = 0x14
	IDDisconnectNotification      byte = 0x15
	IDConnectionBanned            byte = 0x17
	IDIncompatibleProtocolVersion byte = 0x19
	IDUnconnectedPong             byte = 0x1c
	IDGamePacket                  byte = 0xfe
)

// Datagram header flags.
const (
	FlagValid      byte = 0x80
	FlagACK        byte = 0x40
	FlagNAK        byte = 0x20
	FlagContinuous byte = 0x04
	flagSplit      byte = 0x10
)

// Supported RakNet protocol versions.
var SupportedProtocols = []byte{9, 10, 11}

const (
	// MaxReplies bounds each handshake reply type per session.
	MaxReplies = 200

	// udpOverhead is the IP + UDP header size added to OCR1 payloads.
	udpOverhead = 28

	datagramHeaderSize = 1 + 3
	frameHeaderMax     = 1 + 2 + 3 + 3 + 3 + 1
	splitHeaderSize    = 4 + 2 + 4

	maxSplitCount    = 256
	maxSplitsPending = 16
	maxACKRecords    = 250

	// LocalPort fills the unused local address slots of an accept reply.
	LocalPort = 19132

	DefaultSessionTimeout = 10 * time.Second
)

// Magic is the offline message marker.
var Magic = [16]byte{
	0x00, 0xff, 0xff, 0x00, 0xfe, 0xfe, 0xfe, 0xfe,
	0xfd, 0xfd, 0xfd, 0xfd, 0x12, 0x34, 0x56, 0x78,
}

// Priority orders outbound frames on a link.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

// Reliability is the delivery class of an outbound frame.
type Reliability byte

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	Reliable
	ReliableOrdered
	ReliableSequenced
	UnreliableWithACKReceipt
	ReliableWithACKReceipt
	ReliableOrderedWithACKReceipt
)

func (r Reliability) reliable() bool {
	switch r {
	case Reliable, ReliableOrdered, ReliableSequenced, ReliableWithACKReceipt, ReliableOrderedWithACKReceipt:
		return true
	}
	return false
}

func (r Reliability) sequenced() bool {
	return r == UnreliableSequenced || r == ReliableSequenced
}

func (r Reliability) ordered() bool {
	switch r {
	case UnreliableSequenced, ReliableOrdered, ReliableSequenced, ReliableOrderedWithACKReceipt:
		return true
	}
	return false
}
