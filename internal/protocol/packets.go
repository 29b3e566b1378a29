// Package protocol implements the backend link wire format spoken between the
// proxy and the game servers behind it. Every packet is framed as
// [4-byte BE length][id:1][payload...] with big-endian fields and u16
// length-prefixed strings.
package protocol

import "github.com/google/uuid"

// Packet ids.
const (
	PktHandshake      byte = 0x01 // backend -> proxy: credentials and description
	PktHandshakeReply byte = 0x02 // proxy -> backend: accepted or rejected
	PktInfo           byte = 0x03 // backend -> proxy: tps, load, uptime, players
	PktPlayerData     byte = 0x04 // both ways: one game packet for a player
	PktPlayerLogin    byte = 0x05 // proxy -> backend: player placed on this server
	PktPlayerLogout   byte = 0x06 // proxy -> backend: player left
	PktDisconnect     byte = 0x07 // both ways: link closing
)

// MaxPacketSize bounds a single framed packet.
const MaxPacketSize = 8 << 20

// LengthPrefixSize is the size of the frame length prefix in bytes.
const LengthPrefixSize = 4

// Packet is one backend link message.
type Packet interface {
	ID() byte
	encode(b *PacketBuilder)
	decode(r *PacketReader)
}

// Handshake is the first packet a backend sends.
type Handshake struct {
	PasswordHash string
	Description  string
	Lobby        bool
	MaxPlayers   int32
	Host         string
	Port         uint16
}

func (*Handshake) ID() byte { return PktHandshake }

func (p *Handshake) encode(b *PacketBuilder) {
	b.WriteString(p.PasswordHash).
		WriteString(p.Description).
		WriteBool(p.Lobby).
		WriteInt32(p.MaxPlayers).
		WriteString(p.Host).
		WriteUint16(p.Port)
}

func (p *Handshake) decode(r *PacketReader) {
	p.PasswordHash = r.String()
	p.Description = r.String()
	p.Lobby = r.Bool()
	p.MaxPlayers = r.Int32()
	p.Host = r.String()
	p.Port = r.Uint16()
}

// HandshakeReply answers a Handshake.
type HandshakeReply struct {
	Accepted bool
	Reason   string
}

func (*HandshakeReply) ID() byte { return PktHandshakeReply }

func (p *HandshakeReply) encode(b *PacketBuilder) {
	b.WriteBool(p.Accepted).WriteString(p.Reason)
}

func (p *HandshakeReply) decode(r *PacketReader) {
	p.Accepted = r.Bool()
	p.Reason = r.String()
}

// Info carries backend load figures.
type Info struct {
	TPS     float32
	Load    float32
	Uptime  uint64 // seconds
	Players int32
}

func (*Info) ID() byte { return PktInfo }

func (p *Info) encode(b *PacketBuilder) {
	b.WriteFloat32(p.TPS).WriteFloat32(p.Load).WriteUint64(p.Uptime).WriteInt32(p.Players)
}

func (p *Info) decode(r *PacketReader) {
	p.TPS = r.Float32()
	p.Load = r.Float32()
	p.Uptime = r.Uint64()
	p.Players = r.Int32()
}

// PlayerData relays one game packet.
type PlayerData struct {
	UUID    uuid.UUID
	Payload []byte
}

func (*PlayerData) ID() byte { return PktPlayerData }

func (p *PlayerData) encode(b *PacketBuilder) {
	b.WriteUUID(p.UUID).WriteBytes(p.Payload)
}

func (p *PlayerData) decode(r *PacketReader) {
	p.UUID = r.UUID()
	p.Payload = r.Rest()
}

// PlayerLogin tells a backend that a player was placed on it.
type PlayerLogin struct {
	UUID     uuid.UUID
	Name     string
	Address  string
	Port     uint16
	Protocol int32
	Login    []byte
}

func (*PlayerLogin) ID() byte { return PktPlayerLogin }

func (p *PlayerLogin) encode(b *PacketBuilder) {
	b.WriteUUID(p.UUID).
		WriteString(p.Name).
		WriteString(p.Address).
		WriteUint16(p.Port).
		WriteInt32(p.Protocol).
		WriteBytes(p.Login)
}

func (p *PlayerLogin) decode(r *PacketReader) {
	p.UUID = r.UUID()
	p.Name = r.String()
	p.Address = r.String()
	p.Port = r.Uint16()
	p.Protocol = r.Int32()
	p.Login = r.Rest()
}

// PlayerLogout tells a backend that a player left.
type PlayerLogout struct {
	UUID   uuid.UUID
	Reason string
}

func (*PlayerLogout) ID() byte { return PktPlayerLogout }

func (p *PlayerLogout) encode(b *PacketBuilder) {
	b.WriteUUID(p.UUID).WriteString(p.Reason)
}

func (p *PlayerLogout) decode(r *PacketReader) {
	p.UUID = r.UUID()
	p.Reason = r.String()
}

// Disconnect closes the link.
type Disconnect struct {
	Reason string
}

func (*Disconnect) ID() byte { return PktDisconnect }

func (p *Disconnect) encode(b *PacketBuilder) { b.WriteString(p.Reason) }

func (p *Disconnect) decode(r *PacketReader) { p.Reason = r.String() }
