package batch

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Options configures a Batcher.
type Options struct {
	Level       int
	UseSnappy   bool
	DataLimit   int
	PacketLimit int
	BatchLimit  int
}

// DefaultOptions mirrors the network config defaults.
func DefaultOptions() Options {
	return Options{
		Level:       6,
		DataLimit:   3145728,
		PacketLimit: 1300,
		BatchLimit:  500,
	}
}

// Conn is the destination of a batch.
type Conn interface {
	Closed() bool
	RakNetProtocol() int
	SendBatch(payload []byte) error
}

// Stats counts batcher activity since creation.
type Stats struct {
	Batches   uint64
	Packets   uint64
	Discarded uint64
	BytesIn   uint64
	BytesOut  uint64
}

// Batcher turns application packets into compressed batch payloads.
// It is safe for concurrent use.
type Batcher struct {
	opts Options
	comp *compressor

	batches   atomic.Uint64
	packets   atomic.Uint64
	discarded atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
}

// New creates a Batcher. Levels outside 0-9 fall back to 6.
func New(opts Options) *Batcher {
	if opts.Level < 0 || opts.Level > 9 {
		opts.Level = 6
	}
	return &Batcher{opts: opts, comp: newCompressor(opts.Level)}
}

// Options returns the options in use.
func (b *Batcher) Options() Options { return b.opts }

// Codec returns the codec used for a connection.
func (b *Batcher) Codec(conn Conn) Codec {
	return CodecFor(conn.RakNetProtocol(), b.opts.UseSnappy)
}

// Batch encodes a single packet and sends it to conn.
func (b *Batcher) Batch(conn Conn, p Packet) error {
	return b.BatchMany(conn, []Packet{p})
}

// BatchMany encodes packets in order into one batch and sends it to conn.
// A closed conn drops the result without error.
func (b *Batcher) BatchMany(conn Conn, packets []Packet) error {
	if len(packets) == 0 {
		return nil
	}
	payload, err := b.Encode(b.Codec(conn), packets)
	if err != nil {
		return err
	}
	if conn.Closed() {
		b.discarded.Add(1)
		return nil
	}
	if err := conn.SendBatch(payload); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Encode frames and compresses packets with the given codec.
func (b *Batcher) Encode(codec Codec, packets []Packet) ([]byte, error) {
	buf, err := Frame(packets)
	if err != nil {
		return nil, err
	}
	out, err := b.comp.compress(codec, buf)
	if err != nil {
		return nil, fmt.Errorf("compress %s: %w", codec, err)
	}
	b.batches.Add(1)
	b.packets.Add(uint64(len(packets)))
	b.bytesIn.Add(uint64(len(buf)))
	b.bytesOut.Add(uint64(len(out)))
	return out, nil
}

// Decode decompresses and splits a received batch payload.
func (b *Batcher) Decode(codec Codec, payload []byte) ([][]byte, error) {
	data, err := Decompress(codec, payload, b.opts.DataLimit)
	if err != nil {
		return nil, err
	}
	return Split(data, b.opts.PacketLimit, b.opts.BatchLimit)
}

// Stats returns a snapshot of the counters.
func (b *Batcher) Stats() Stats {
	return Stats{
		Batches:   b.batches.Load(),
		Packets:   b.packets.Load(),
		Discarded: b.discarded.Load(),
		BytesIn:   b.bytesIn.Load(),
		BytesOut:  b.bytesOut.Load(),
	}
}

// Frame encodes packets as uvarint length prefixed records.
func Frame(packets []Packet) ([]byte, error) {
	var out []byte
	var lenBuf [binary.MaxVarintLen64]byte
	for i, p := range packets {
		if p == nil {
			return nil, fmt.Errorf("packet %d: nil", i)
		}
		if isBatch(p) {
			return nil, ErrNestedBatch
		}
		data, err := p.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode packet 0x%02x: %w", p.ID(), err)
		}
		n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
		out = append(out, lenBuf[:n]...)
		out = append(out, data...)
	}
	return out, nil
}

// Split reverses Frame. Zero limits are unchecked.
func Split(data []byte, packetLimit, batchLimit int) ([][]byte, error) {
	var packets [][]byte
	for len(data) > 0 {
		size, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("%w: bad length prefix", ErrMalformed)
		}
		data = data[n:]
		if size > uint64(len(data)) {
			return nil, fmt.Errorf("%w: packet length %d over %d remaining", ErrMalformed, size, len(data))
		}
		if packetLimit > 0 && size > uint64(packetLimit) {
			return nil, fmt.Errorf("%w: %d bytes", ErrPacketLimit, size)
		}
		if batchLimit > 0 && len(packets) >= batchLimit {
			return nil, fmt.Errorf("%w: over %d", ErrBatchLimit, batchLimit)
		}
		packets = append(packets, data[:size:size])
		data = data[size:]
	}
	return packets, nil
}
