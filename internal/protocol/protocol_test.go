package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecode(t *testing.T) {
	id := uuid.New()
	packets := []Packet{
		&Handshake{PasswordHash: "abc", Description: "lobby-1", Lobby: true, MaxPlayers: 50, Host: "10.0.0.2", Port: 19133},
		&HandshakeReply{Accepted: false, Reason: "bad password"},
		&Info{TPS: 19.5, Load: 0.25, Uptime: 3600, Players: 7},
		&PlayerData{UUID: id, Payload: []byte{0x09, 0x01, 0x02}},
		&PlayerLogin{UUID: id, Name: "Steve", Address: "1.2.3.4", Port: 50000, Protocol: 685, Login: []byte{1}},
		&PlayerLogout{UUID: id, Reason: "quit"},
		&Disconnect{Reason: "shutdown"},
	}
	for _, p := range packets {
		raw := Encode(p)
		if raw[0] != p.ID() {
			t.Fatalf("id byte = 0x%02x, want 0x%02x", raw[0], p.ID())
		}
		got, err := Decode(raw)
		if err != nil {
			t.Fatalf("decode 0x%02x: %v", p.ID(), err)
		}
		if !bytes.Equal(Encode(got), raw) {
			t.Fatalf("packet 0x%02x changed after round trip", p.ID())
		}
	}
}

func TestHandshakeFields(t *testing.T) {
	raw := Encode(&Handshake{PasswordHash: "h", Description: "d", Lobby: true, MaxPlayers: 3, Host: "x", Port: 7})
	p, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hs := p.(*Handshake)
	if hs.PasswordHash != "h" || !hs.Lobby || hs.MaxPlayers != 3 || hs.Port != 7 {
		t.Fatalf("handshake = %+v", hs)
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(nil); err == nil {
		t.Fatal("empty packet accepted")
	}
	if _, err := Decode([]byte{0x7f}); err == nil {
		t.Fatal("unknown id accepted")
	}
	raw := Encode(&Info{TPS: 20})
	if _, err := Decode(raw[:5]); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("short info err = %v", err)
	}
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer
	a := Encode(&Disconnect{Reason: "a"})
	b := Encode(&Info{Players: 1})
	if err := WritePacket(&buf, a); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WritePacket(&buf, b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.Bytes()[3] != byte(len(a)) {
		t.Fatalf("prefix = %x", buf.Bytes()[:4])
	}
	for _, want := range [][]byte{a, b} {
		got, err := ReadPacket(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %x want %x", got, want)
		}
	}
	if _, err := ReadPacket(bytes.NewReader([]byte{0, 0, 0, 0})); err == nil {
		t.Fatal("zero length accepted")
	}
	if _, err := ReadPacket(bytes.NewReader([]byte{0xff, 0, 0, 0})); err == nil {
		t.Fatal("oversized length accepted")
	}
}

func TestBuilderScalars(t *testing.T) {
	b := NewPacketBuilder().WriteUint8(0x7f).WriteBool(true).WriteBool(false).WriteUint16(19132)
	if b.Len() != 5 {
		t.Fatalf("len = %d, want 5", b.Len())
	}
	r := NewPacketReader(b.Build())
	if v := r.Byte(); v != 0x7f {
		t.Fatalf("byte = %#x", v)
	}
	if !r.Bool() || r.Bool() {
		t.Fatalf("bools did not round trip")
	}
	if v := r.Uint16(); v != 19132 || r.Err() != nil {
		t.Fatalf("uint16 = %d err = %v", v, r.Err())
	}
}
