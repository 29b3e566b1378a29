package batch

import (
	"bytes"
	"errors"
	"testing"
)

type fakeConn struct {
	closed   bool
	protocol int
	sent     [][]byte
}

func (c *fakeConn) Closed() bool        { return c.closed }
func (c *fakeConn) RakNetProtocol() int { return c.protocol }
func (c *fakeConn) SendBatch(p []byte) error {
	c.sent = append(c.sent, p)
	return nil
}

func samplePackets() []Packet {
	return []Packet{
		RawPacket{0x01, 0x02, 0x03},
		RawPacket(bytes.Repeat([]byte{0x09}, 300)),
		RawPacket{},
		RawPacket{0x7f},
	}
}

func TestCodecFor(t *testing.T) {
	cases := []struct {
		protocol int
		snappy   bool
		want     Codec
	}{
		{11, true, CodecSnappy},
		{11, false, CodecDeflate},
		{10, true, CodecDeflate},
		{9, true, CodecZlib},
		{9, false, CodecZlib},
	}
	for _, c := range cases {
		if got := CodecFor(c.protocol, c.snappy); got != c.want {
			t.Errorf("CodecFor(%d, %v) = %s, want %s", c.protocol, c.snappy, got, c.want)
		}
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	b := New(DefaultOptions())
	in := samplePackets()
	for _, codec := range []Codec{CodecZlib, CodecDeflate, CodecSnappy} {
		payload, err := b.Encode(codec, in)
		if err != nil {
			t.Fatalf("%s: encode: %v", codec, err)
		}
		out, err := b.Decode(codec, payload)
		if err != nil {
			t.Fatalf("%s: decode: %v", codec, err)
		}
		if len(out) != len(in) {
			t.Fatalf("%s: got %d packets, want %d", codec, len(out), len(in))
		}
		for i := range in {
			want, _ := in[i].Encode()
			if !bytes.Equal(out[i], want) {
				t.Fatalf("%s: packet %d mismatch", codec, i)
			}
		}
	}
	if st := b.Stats(); st.Batches != 3 || st.Packets != 12 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestZlibHasHeader(t *testing.T) {
	b := New(DefaultOptions())
	payload, err := b.Encode(CodecZlib, []Packet{RawPacket{1, 2, 3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if payload[0] != 0x78 {
		t.Fatalf("zlib header byte = 0x%02x", payload[0])
	}
	if _, err := Decompress(CodecDeflate, payload, 0); err == nil {
		t.Fatal("raw deflate accepted zlib framing")
	}
}

func TestNestedBatchRejected(t *testing.T) {
	b := New(DefaultOptions())
	conn := &fakeConn{protocol: 10}
	nested := &BatchPacket{Payload: []byte{1, 2}}
	if err := b.Batch(conn, nested); !errors.Is(err, ErrNestedBatch) {
		t.Fatalf("Batch err = %v", err)
	}
	err := b.BatchMany(conn, []Packet{RawPacket{1}, nested})
	if !errors.Is(err, ErrNestedBatch) {
		t.Fatalf("BatchMany err = %v", err)
	}
	if err := b.Batch(conn, RawPacket{ID, 0}); !errors.Is(err, ErrNestedBatch) {
		t.Fatalf("raw batch id err = %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatalf("sent %d payloads", len(conn.sent))
	}
}

func TestClosedConnDiscards(t *testing.T) {
	b := New(DefaultOptions())
	conn := &fakeConn{protocol: 11, closed: true}
	if err := b.BatchMany(conn, samplePackets()); err != nil {
		t.Fatalf("BatchMany: %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatal("closed conn received a batch")
	}
	if b.Stats().Discarded != 1 {
		t.Fatalf("discarded = %d", b.Stats().Discarded)
	}
}

func TestBatchSendsOnePayload(t *testing.T) {
	opts := DefaultOptions()
	opts.UseSnappy = true
	b := New(opts)
	conn := &fakeConn{protocol: 11}
	if err := b.BatchMany(conn, samplePackets()); err != nil {
		t.Fatalf("BatchMany: %v", err)
	}
	if len(conn.sent) != 1 {
		t.Fatalf("sent %d payloads", len(conn.sent))
	}
	out, err := b.Decode(CodecSnappy, conn.sent[0])
	if err != nil || len(out) != 4 {
		t.Fatalf("decode: %d packets, %v", len(out), err)
	}
}

func TestLimits(t *testing.T) {
	framed, err := Frame([]Packet{RawPacket{1}, RawPacket{2}, RawPacket(make([]byte, 50))})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if _, err := Split(framed, 10, 0); !errors.Is(err, ErrPacketLimit) {
		t.Fatalf("packet limit err = %v", err)
	}
	if _, err := Split(framed, 0, 2); !errors.Is(err, ErrBatchLimit) {
		t.Fatalf("batch limit err = %v", err)
	}
	if _, err := Split(framed[:len(framed)-1], 0, 0); !errors.Is(err, ErrMalformed) {
		t.Fatalf("truncated err = %v", err)
	}

	b := New(DefaultOptions())
	big, _ := b.Encode(CodecDeflate, []Packet{RawPacket(make([]byte, 4096))})
	if _, err := Decompress(CodecDeflate, big, 1024); !errors.Is(err, ErrDataLimit) {
		t.Fatalf("data limit err = %v", err)
	}
	small, _ := b.Encode(CodecSnappy, []Packet{RawPacket(make([]byte, 4096))})
	if _, err := Decompress(CodecSnappy, small, 1024); !errors.Is(err, ErrDataLimit) {
		t.Fatalf("snappy data limit err = %v", err)
	}
}
