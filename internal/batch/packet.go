// Package batch frames application packets into compressed game batches and
// splits received batches back into packets.
package batch

import "errors"

// ID is the message id of a game batch on a RakNet link.
const ID byte = 0xfe

var (
	ErrNestedBatch = errors.New("batch: cannot batch a batch packet")
	ErrDataLimit   = errors.New("batch: decompressed data exceeds limit")
	ErrBatchLimit  = errors.New("batch: too many packets in batch")
	ErrPacketLimit = errors.New("batch: packet exceeds size limit")
	ErrMalformed   = errors.New("batch: malformed batch")
)

// Packet is one application packet ready to encode.
type Packet interface {
	ID() byte
	Encode() ([]byte, error)
}

// RawPacket is a packet whose encoded bytes are already known. The first
// byte is the packet id.
type RawPacket []byte

// ID returns the leading byte.
func (p RawPacket) ID() byte {
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

// Encode returns the bytes as is.
func (p RawPacket) Encode() ([]byte, error) {
	return p, nil
}

// BatchPacket is an already batched, compressed payload. It can be sent but
// never nested inside another batch.
type BatchPacket struct {
	Payload []byte
}

// ID returns the batch id.
func (p *BatchPacket) ID() byte { return ID }

// Encode returns the compressed payload.
func (p *BatchPacket) Encode() ([]byte, error) {
	return p.Payload, nil
}

func isBatch(p Packet) bool {
	if _, ok := p.(*BatchPacket); ok {
		return true
	}
	return p.ID() == ID
}
