package raknet

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"
)

func TestHandshakeReachesConnected(t *testing.T) {
	f := newFixture(testClient)
	const guid = 0xabcdef

	if err := f.s.OnPacket(ocr2(1200, guid)); err != nil {
		t.Fatalf("ocr2: %v", err)
	}
	if f.s.State() != StateInitialized {
		t.Fatalf("state = %s, want INITIALIZED", f.s.State())
	}
	if f.link.inits != 1 || f.link.mtu != 1200 || f.s.GUID() != guid {
		t.Fatalf("link not set up: inits=%d mtu=%d guid=%x", f.link.inits, f.link.mtu, f.s.GUID())
	}
	if len(f.link.raw) != 1 {
		t.Fatalf("expected one reply 2, got %d", len(f.link.raw))
	}

	reply := f.link.raw[0]
	if reply[0] != IDOpenConnectionReply2 {
		t.Fatalf("reply id = %#x", reply[0])
	}
	r := newReader(reply[1:])
	if !r.magic() || r.uint64() != testServerGUID || r.address() != testClient || r.uint16() != 1200 || r.bool() {
		t.Fatalf("reply 2 body mismatch: %x", reply)
	}
	if r.err != nil || r.remaining() != 0 {
		t.Fatalf("reply 2 length: err=%v remaining=%d", r.err, r.remaining())
	}

	if err := f.s.OnPacket(connectionRequest(guid, 4242, false)); err != nil {
		t.Fatalf("connection request: %v", err)
	}
	if f.s.State() != StateConnecting {
		t.Fatalf("state = %s, want CONNECTING", f.s.State())
	}
	if len(f.link.sent) != 1 {
		t.Fatalf("expected accepted reply, got %d frames", len(f.link.sent))
	}
	acc := f.link.sent[0]
	if acc.priority != PriorityImmediate || acc.reliability != Unreliable {
		t.Fatalf("accepted sent with %v/%v", acc.priority, acc.reliability)
	}
	r = newReader(acc.b[1:])
	if acc.b[0] != IDConnectionRequestAccepted || r.address() != testClient || r.uint16() != 0 {
		t.Fatalf("accepted header mismatch: %x", acc.b)
	}
	for i := 0; i < 4; i++ {
		r.address()
	}
	if echo := r.uint64(); echo != 4242 {
		t.Fatalf("client time echo = %d", echo)
	}
	if now := r.uint64(); now != uint64(testNow.UnixMilli()) {
		t.Fatalf("server time = %d", now)
	}
	if r.err != nil || r.remaining() != 0 {
		t.Fatalf("accepted length: err=%v remaining=%d", r.err, r.remaining())
	}

	if err := f.s.OnPacket(newIncoming()); err != nil {
		t.Fatalf("new incoming: %v", err)
	}
	if f.s.State() != StateConnected {
		t.Fatalf("state = %s, want CONNECTED", f.s.State())
	}
	if connected, _, _ := f.handler.snapshot(); connected != 1 {
		t.Fatalf("OnConnected called %d times", connected)
	}
}

func TestAcceptedAddressSlotsIPv6(t *testing.T) {
	f := newFixture(testClient6)
	f.s.OnPacket(ocr2(1400, 9))
	if err := f.s.OnPacket(connectionRequest(9, 1, false)); err != nil {
		t.Fatalf("connection request: %v", err)
	}
	// id + own address + system index + 10 slots + two timestamps
	want := 1 + 29 + 2 + 10*29 + 16
	if got := len(f.link.sent[0].b); got != want {
		t.Fatalf("accepted length = %d, want %d", got, want)
	}
}

func TestBadMagicNeverReplies(t *testing.T) {
	states := []State{StateInitializing, StateInitialized, StateConnecting, StateConnected}
	for _, st := range states {
		f := newFixture(testClient)
		f.s.state.Store(int32(st))

		err := f.s.OnPacket(ocr2BadMagic(1200, 1))
		if err == nil {
			t.Fatalf("%s: expected an anomaly", st)
		}
		if f.link.rawCount() != 0 {
			t.Fatalf("%s: reply sent for bad magic", st)
		}
		if f.s.State() != st {
			t.Fatalf("%s: state changed to %s", st, f.s.State())
		}
		if f.link.inits != 0 {
			t.Fatalf("%s: link initialized on bad magic", st)
		}
	}

	f := newFixture(testClient)
	if err := f.s.OnPacket(ocr2BadMagic(1200, 1)); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("err = %v, want ErrBadMagic", err)
	}
}

func TestDuplicateOpenConnectionRequest2(t *testing.T) {
	f := newFixture(testClient)
	f.s.OnPacket(ocr2(1200, 5))
	if err := f.s.OnPacket(ocr2(1300, 5)); err != nil {
		t.Fatalf("duplicate ocr2 should be tolerated: %v", err)
	}
	if f.link.inits != 1 {
		t.Fatalf("link initialized %d times", f.link.inits)
	}
	if f.link.rawCount() != 2 {
		t.Fatalf("replies = %d, want 2", f.link.rawCount())
	}

	f.s.OnPacket(connectionRequest(5, 0, false))
	if err := f.s.OnPacket(ocr2(1200, 5)); !errors.Is(err, ErrUnexpectedState) {
		t.Fatalf("ocr2 while connecting: err = %v", err)
	}
	if f.link.rawCount() != 2 {
		t.Fatalf("reply sent while connecting")
	}
}

func TestGUIDMismatchClosesSession(t *testing.T) {
	for _, security := range []bool{false, true} {
		f := newFixture(testClient)
		f.s.OnPacket(ocr2(1200, 100))

		err := f.s.OnPacket(connectionRequest(101, 0, security))
		var pe *ProtocolError
		if !errors.As(err, &pe) || !errors.Is(err, ErrGUIDMismatch) || !pe.Closes() {
			t.Fatalf("security=%v: err = %v", security, err)
		}

		f.s.Dispatch(connectionRequest(101, 0, security))
		if !f.s.Closed() || f.s.CloseReason() != ReasonConnectionRequestFailed {
			t.Fatalf("security=%v: closed=%v reason=%s", security, f.s.Closed(), f.s.CloseReason())
		}
		if f.link.reason != ReasonConnectionRequestFailed {
			t.Fatalf("link closed with %s", f.link.reason)
		}
		if len(f.link.sent) != 0 {
			t.Fatalf("accepted sent on mismatch")
		}
	}
}

func TestSecurityFlagClosesSession(t *testing.T) {
	f := newFixture(testClient)
	f.s.OnPacket(ocr2(1200, 7))

	if err := f.s.OnPacket(connectionRequest(7, 0, true)); !errors.Is(err, ErrSecurityUnsupported) {
		t.Fatalf("err = %v", err)
	}
	f.s.Dispatch(connectionRequest(7, 0, true))
	if f.s.CloseReason() != ReasonConnectionRequestFailed {
		t.Fatalf("reason = %s", f.s.CloseReason())
	}
	_, _, disconnects := f.handler.snapshot()
	if len(disconnects) != 1 || f.closes != 1 {
		t.Fatalf("close hooks: handler=%v registry=%d", disconnects, f.closes)
	}
}

func TestConnectionRequestStates(t *testing.T) {
	f := newFixture(testClient)
	f.s.OnPacket(ocr2(1200, 3))
	f.s.OnPacket(connectionRequest(3, 0, false))

	// A lost accept makes the client ask again
	if err := f.s.OnPacket(connectionRequest(3, 0, false)); err != nil {
		t.Fatalf("repeat while connecting: %v", err)
	}
	if len(f.link.sent) != 2 {
		t.Fatalf("accepted replies = %d, want 2", len(f.link.sent))
	}

	f.s.OnPacket(newIncoming())
	if err := f.s.OnPacket(connectionRequest(3, 0, false)); !errors.Is(err, ErrUnexpectedState) {
		t.Fatalf("request after connect: %v", err)
	}
	if f.s.State() != StateConnected || len(f.link.sent) != 2 {
		t.Fatalf("request after connect had an effect")
	}
}

func TestNewIncomingOnlyWhileConnecting(t *testing.T) {
	f := newFixture(testClient)
	if err := f.s.OnPacket(newIncoming()); !errors.Is(err, ErrUnexpectedState) {
		t.Fatalf("err = %v", err)
	}
	f.s.OnPacket(ocr2(1200, 1))
	if err := f.s.OnPacket(newIncoming()); !errors.Is(err, ErrUnexpectedState) {
		t.Fatalf("err = %v", err)
	}
	if f.s.State() != StateInitialized {
		t.Fatalf("state = %s", f.s.State())
	}
}

func TestReplyFloodLimit(t *testing.T) {
	f := newFixture(testClient)
	for i := 0; i < 250; i++ {
		f.s.OnPacket(ocr2(1200, 1))
	}
	if got := f.link.rawCount(); got != MaxReplies {
		t.Fatalf("replies = %d, want %d", got, MaxReplies)
	}
	if n := bytes.Count(f.logs.Bytes(), []byte("too many open connection 2 replies")); n != 1 {
		t.Fatalf("flood warning logged %d times, want 1\n%s", n, f.logs.String())
	}
}

func TestReplyOneFloodLimit(t *testing.T) {
	f := newFixture(testClient)
	for i := 0; i < MaxReplies+1; i++ {
		f.s.SendOpenConnectionReply1()
	}
	if f.link.rawCount() != MaxReplies {
		t.Fatalf("replies = %d", f.link.rawCount())
	}
	if !bytes.Contains(f.logs.Bytes(), []byte("too many open connection 1 replies")) {
		t.Fatalf("no warning at attempt %d", MaxReplies+1)
	}
}

func TestStateNeverDecreases(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	msgs := [][]byte{
		ocr2(1200, 77),
		ocr2BadMagic(1200, 77),
		connectionRequest(77, 0, false),
		newIncoming(),
		ocr2(1200, 78),
	}

	for run := 0; run < 50; run++ {
		f := newFixture(testClient)
		prev := f.s.State()
		for i := 0; i < 40; i++ {
			f.s.Dispatch(msgs[rng.IntN(len(msgs))])
			cur := f.s.State()
			if cur < prev {
				t.Fatalf("run %d step %d: state went %s -> %s", run, i, prev, cur)
			}
			prev = cur
		}
	}

	f := newFixture(testClient)
	f.s.setState(StateConnected)
	f.s.setState(StateInitialized)
	if f.s.State() != StateConnected {
		t.Fatalf("setState moved backwards")
	}
}

func TestHandleFrame(t *testing.T) {
	f := newFixture(testClient)
	f.s.HandleFrame([]byte{IDGamePacket, 1, 2})
	if _, packets, _ := f.handler.snapshot(); packets != 0 {
		t.Fatalf("game packet delivered before connect")
	}

	f.s.OnPacket(ocr2(1200, 1))
	f.s.HandleFrame(connectionRequest(1, 0, false))
	f.s.HandleFrame(newIncoming())
	if f.s.State() != StateConnected {
		t.Fatalf("frames did not drive handshake: %s", f.s.State())
	}

	f.s.HandleFrame(newWriter(IDConnectedPing, 9).uint64(55).build())
	pong := f.link.sent[len(f.link.sent)-1].b
	if pong[0] != IDConnectedPong || newReader(pong[1:]).uint64() != 55 {
		t.Fatalf("pong = %x", pong)
	}

	f.s.HandleFrame([]byte{IDGamePacket, 9, 8, 7})
	if _, packets, _ := f.handler.snapshot(); packets != 1 {
		t.Fatalf("game packet not delivered")
	}
	if !bytes.Equal(f.handler.packets[0], []byte{9, 8, 7}) {
		t.Fatalf("payload = %x", f.handler.packets[0])
	}

	f.s.HandleFrame([]byte{IDDisconnectNotification})
	if f.s.CloseReason() != ReasonClosedByRemotePeer {
		t.Fatalf("reason = %s", f.s.CloseReason())
	}
}

func TestCloseRunsOnce(t *testing.T) {
	f := newFixture(testClient)
	f.s.Close(ReasonKicked)
	f.s.Close(ReasonTimedOut)
	f.link.Close(ReasonTimedOut)

	if f.closes != 1 {
		t.Fatalf("close hook ran %d times", f.closes)
	}
	if f.s.CloseReason() != ReasonKicked {
		t.Fatalf("reason = %s", f.s.CloseReason())
	}
	if err := f.s.SendBatch([]byte{1}); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("send after close: %v", err)
	}
}
