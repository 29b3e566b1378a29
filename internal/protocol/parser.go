package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"
)

// ErrShortPacket is returned when a packet ends before all fields were read.
var ErrShortPacket = errors.New("protocol: short packet")

// ReadPacket reads a single length-prefixed packet from a reader.
// Packet format: [4-byte BE length][id][payload...]
// Returns the raw packet bytes (excluding length prefix).
func ReadPacket(r io.Reader) ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("failed to read packet length: %w", err)
	}
	length := binary.BigEndian.Uint32(prefix[:])

	if length == 0 {
		return nil, fmt.Errorf("received zero-length packet")
	}

	if length > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d bytes (max %d)", length, MaxPacketSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read packet payload (%d bytes): %w", length, err)
	}

	return payload, nil
}

// WritePacket writes a length-prefixed packet to a writer in one call.
func WritePacket(w io.Writer, data []byte) error {
	if len(data) > MaxPacketSize {
		return fmt.Errorf("packet too large: %d bytes (max %d)", len(data), MaxPacketSize)
	}
	frame := make([]byte, LengthPrefixSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[LengthPrefixSize:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write packet data: %w", err)
	}
	return nil
}

// Decode parses raw packet bytes into a typed packet.
func Decode(data []byte) (Packet, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("empty packet")
	}

	var p Packet
	switch data[0] {
	case PktHandshake:
		p = &Handshake{}
	case PktHandshakeReply:
		p = &HandshakeReply{}
	case PktInfo:
		p = &Info{}
	case PktPlayerData:
		p = &PlayerData{}
	case PktPlayerLogin:
		p = &PlayerLogin{}
	case PktPlayerLogout:
		p = &PlayerLogout{}
	case PktDisconnect:
		p = &Disconnect{}
	default:
		return nil, fmt.Errorf("unknown command: 0x%02X", data[0])
	}

	r := NewPacketReader(data[1:])
	p.decode(r)
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse packet 0x%02X: %w", data[0], err)
	}
	return p, nil
}

// PacketReader reads big-endian fields. The first short read latches
// ErrShortPacket and later reads return zero values.
type PacketReader struct {
	data []byte
	err  error
}

// NewPacketReader wraps data.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

// Err returns the latched error.
func (r *PacketReader) Err() error { return r.err }

func (r *PacketReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data) < n {
		r.err = ErrShortPacket
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

// Byte reads one byte.
func (r *PacketReader) Byte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

// Bool reads one byte as a flag.
func (r *PacketReader) Bool() bool { return r.Byte() != 0 }

// Uint16 reads a big-endian uint16.
func (r *PacketReader) Uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

// Int32 reads a big-endian int32.
func (r *PacketReader) Int32() int32 {
	if b := r.take(4); b != nil {
		return int32(binary.BigEndian.Uint32(b))
	}
	return 0
}

// Uint64 reads a big-endian uint64.
func (r *PacketReader) Uint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

// Float32 reads a big-endian float32.
func (r *PacketReader) Float32() float32 {
	if b := r.take(4); b != nil {
		return math.Float32frombits(binary.BigEndian.Uint32(b))
	}
	return 0
}

// String reads a u16 length-prefixed string.
func (r *PacketReader) String() string {
	n := int(r.Uint16())
	return string(r.take(n))
}

// UUID reads 16 raw bytes.
func (r *PacketReader) UUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.take(16))
	return id
}

// Rest returns a copy of the unread bytes.
func (r *PacketReader) Rest() []byte {
	if r.err != nil {
		return nil
	}
	out := make([]byte, len(r.data))
	copy(out, r.data)
	r.data = nil
	return out
}
