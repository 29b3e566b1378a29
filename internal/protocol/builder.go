package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// PacketBuilder constructs backend link packets.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes 1 or 0.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	return b
}

// WriteInt32 writes an int32 in big-endian order.
func (b *PacketBuilder) WriteInt32(v int32) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint32(nil, uint32(v)))
	return b
}

// WriteUint64 writes a uint64 in big-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint64(nil, v))
	return b
}

// WriteFloat32 writes an IEEE 754 float32 in big-endian order.
func (b *PacketBuilder) WriteFloat32(v float32) *PacketBuilder {
	b.buf.Write(binary.BigEndian.AppendUint32(nil, math.Float32bits(v)))
	return b
}

// WriteString writes a string with a u16 length prefix, truncated to 65535 bytes.
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	if len(s) > math.MaxUint16 {
		s = s[:math.MaxUint16]
	}
	b.WriteUint16(uint16(len(s)))
	b.buf.WriteString(s)
	return b
}

// WriteUUID writes the 16 raw bytes of id.
func (b *PacketBuilder) WriteUUID(id uuid.UUID) *PacketBuilder {
	b.buf.Write(id[:])
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the packet being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current packet for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}

// Encode returns the id byte followed by the packet fields.
func Encode(p Packet) []byte {
	b := NewPacketBuilder()
	b.WriteUint8(p.ID())
	p.encode(b)
	return b.Build()
}
