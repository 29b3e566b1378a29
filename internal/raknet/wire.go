package raknet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// writer builds big-endian RakNet messages.
type writer struct {
	buf []byte
}

func newWriter(id byte, capacity int) *writer {
	w := &writer{buf: make([]byte, 0, capacity)}
	w.buf = append(w.buf, id)
	return w
}

func (w *writer) byte(v byte) *writer {
	w.buf = append(w.buf, v)
	return w
}

func (w *writer) bool(v bool) *writer {
	if v {
		return w.byte(1)
	}
	return w.byte(0)
}

func (w *writer) uint16(v uint16) *writer {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	return w
}

func (w *writer) uint32(v uint32) *writer {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	return w
}

func (w *writer) uint64(v uint64) *writer {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	return w
}

func (w *writer) uint24LE(v uint32) *writer {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
	return w
}

func (w *writer) magic() *writer {
	w.buf = append(w.buf, Magic[:]...)
	return w
}

func (w *writer) bytes(b []byte) *writer {
	w.buf = append(w.buf, b...)
	return w
}

func (w *writer) string(s string) *writer {
	w.uint16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return w
}

// address writes the RakNet socket address encoding.
func (w *writer) address(ap netip.AddrPort) *writer {
	addr := ap.Addr().Unmap()
	if addr.Is4() {
		ip := addr.As4()
		w.byte(4)
		for _, b := range ip {
			w.byte(^b)
		}
		return w.uint16(ap.Port())
	}
	ip := addr.As16()
	w.byte(6)
	w.buf = binary.LittleEndian.AppendUint16(w.buf, 23) // AF_INET6
	w.uint16(ap.Port())
	w.uint32(0) // flow info
	w.bytes(ip[:])
	return w.uint32(0) // scope id
}

func (w *writer) build() []byte {
	return w.buf
}

// reader consumes big-endian RakNet messages. The first short read latches
// an error; later reads return zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, r.off, len(r.buf)-r.off)
		return false
	}
	return true
}

func (r *reader) byte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) bool() bool {
	return r.byte() != 0
}

func (r *reader) uint16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) uint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) uint64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) uint24LE() uint32 {
	if !r.need(3) {
		return 0
	}
	b := r.buf[r.off:]
	r.off += 3
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

func (r *reader) bytes(n int) []byte {
	if n < 0 || !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// magic reports whether the next 16 bytes are the offline marker.
func (r *reader) magic() bool {
	b := r.bytes(len(Magic))
	return b != nil && bytes.Equal(b, Magic[:])
}

func (r *reader) address() netip.AddrPort {
	switch r.byte() {
	case 4:
		raw := r.bytes(4)
		port := r.uint16()
		if raw == nil {
			return netip.AddrPort{}
		}
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{^raw[0], ^raw[1], ^raw[2], ^raw[3]}), port)
	case 6:
		r.bytes(2) // family
		port := r.uint16()
		r.uint32()
		raw := r.bytes(16)
		r.uint32()
		if raw == nil {
			return netip.AddrPort{}
		}
		return netip.AddrPortFrom(netip.AddrFrom16([16]byte(raw)), port)
	default:
		if r.err == nil {
			r.err = fmt.Errorf("%w: unknown address family", ErrMalformed)
		}
		return netip.AddrPort{}
	}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

// localAddresses returns the address slots sent in a connection accept reply.
func localAddresses(ipv6 bool) []netip.AddrPort {
	if ipv6 {
		out := make([]netip.AddrPort, 10)
		out[0] = netip.AddrPortFrom(netip.IPv6Loopback(), 0)
		for i := 1; i < len(out); i++ {
			out[i] = netip.AddrPortFrom(netip.IPv6Unspecified(), LocalPort)
		}
		return out
	}
	out := make([]netip.AddrPort, 4)
	out[0] = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 0)
	for i := 1; i < len(out); i++ {
		out[i] = netip.AddrPortFrom(netip.IPv4Unspecified(), LocalPort)
	}
	return out
}
