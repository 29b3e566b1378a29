package raknet

import (
	"bytes"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type sentFrame struct {
	b           []byte
	priority    Priority
	reliability Reliability
}

// fakeLink records what a session asks of its link.
type fakeLink struct {
	mu      sync.Mutex
	recv    FrameReceiver
	raw     [][]byte
	sent    []sentFrame
	mtu     int
	inits   int
	closed  bool
	reason  DisconnectReason
	ticks   int
	touches int
}

func (f *fakeLink) SendRaw(b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw = append(f.raw, append([]byte(nil), b...))
	return nil
}

func (f *fakeLink) Send(b []byte, p Priority, r Reliability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentFrame{append([]byte(nil), b...), p, r})
	return nil
}

func (f *fakeLink) MTU() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mtu
}

func (f *fakeLink) SetMTU(mtu int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mtu = mtu
}

func (f *fakeLink) Initialize() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
}

func (f *fakeLink) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits > 0
}

func (f *fakeLink) HandleDatagram(b []byte) error { return nil }

func (f *fakeLink) Touch() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
}

func (f *fakeLink) Tick(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
}

func (f *fakeLink) Close(reason DisconnectReason) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.reason = reason
	recv := f.recv
	f.mu.Unlock()
	recv.LinkClosed(reason)
}

func (f *fakeLink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeLink) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.raw)
}

// recorder is a SessionHandler that remembers callbacks.
type recorder struct {
	mu          sync.Mutex
	connected   int
	packets     [][]byte
	disconnects []DisconnectReason
}

func (r *recorder) OnConnected(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recorder) OnGamePacket(s *Session, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, append([]byte(nil), payload...))
}

func (r *recorder) OnDisconnect(s *Session, reason DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnects = append(r.disconnects, reason)
}

func (r *recorder) snapshot() (int, int, []DisconnectReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected, len(r.packets), append([]DisconnectReason(nil), r.disconnects...)
}

const testServerGUID uint64 = 0x1122334455667788

var (
	testClient  = netip.MustParseAddrPort("203.0.113.7:49152")
	testClient6 = netip.MustParseAddrPort("[2001:db8::7]:49152")
	testServer  = netip.MustParseAddrPort("198.51.100.1:19132")
	testNow     = time.UnixMilli(1_700_000_000_000)
)

type sessionFixture struct {
	s       *Session
	link    *fakeLink
	handler *recorder
	logs    *bytes.Buffer
	closes  int
}

func newFixture(remote netip.AddrPort) *sessionFixture {
	f := &sessionFixture{
		handler: &recorder{},
		logs:    &bytes.Buffer{},
	}
	f.s = NewSession(SessionConfig{
		Remote:          remote,
		ServerGUID:      testServerGUID,
		ProtocolVersion: 11,
		Logger:          zerolog.New(f.logs),
		Now:             func() time.Time { return testNow },
		Handler:         f.handler,
		OnClose:         func(*Session) { f.closes++ },
	}, func(recv FrameReceiver) Link {
		f.link = &fakeLink{recv: recv, mtu: 1400}
		return f.link
	})
	return f
}

func ocr2(mtu uint16, guid uint64) []byte {
	return newWriter(IDOpenConnectionRequest2, 64).
		magic().
		address(testServer).
		uint16(mtu).
		uint64(guid).
		build()
}

func ocr2BadMagic(mtu uint16, guid uint64) []byte {
	b := ocr2(mtu, guid)
	b[5] ^= 0xff
	return b
}

func connectionRequest(guid, clientTime uint64, security bool) []byte {
	return newWriter(IDConnectionRequest, 18).
		uint64(guid).
		uint64(clientTime).
		bool(security).
		build()
}

func newIncoming() []byte {
	w := newWriter(IDNewIncomingConnection, 64).address(testServer)
	for _, a := range localAddresses(false) {
		w.address(a)
	}
	return w.uint64(1).uint64(2).build()
}
