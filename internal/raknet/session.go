package raknet

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SessionHandler receives application-level session events.
type SessionHandler interface {
	OnConnected(s *Session)
	OnGamePacket(s *Session, payload []byte)
	OnDisconnect(s *Session, reason DisconnectReason)
}

// SessionConfig describes a new session.
type SessionConfig struct {
	Remote          netip.AddrPort
	ServerGUID      uint64
	ProtocolVersion int
	Logger          zerolog.Logger
	Now             func() time.Time
	Handler         SessionHandler
	// OnClose runs exactly once when the session closes, before Handler.
	OnClose func(s *Session)
}

type replyKind int

const (
	replyOpen1 replyKind = iota
	replyOpen2
	replyAccepted
	replyKinds
)

var replyNames = [replyKinds]string{
	replyOpen1:    "open connection 1",
	replyOpen2:    "open connection 2",
	replyAccepted: "connection accepted",
}

// Session is the server side of one RakNet connection. It drives the
// handshake over a Link it owns.
type Session struct {
	cfg  SessionConfig
	link Link
	log  zerolog.Logger

	mu      sync.Mutex
	guid    uint64
	replies [replyKinds]int

	state   atomic.Int32
	closed  atomic.Bool
	reason  atomic.Int32
	created time.Time
}

// NewSession creates a session in the initializing state. newLink builds the
// link the session will own; the session is its frame receiver.
func NewSession(cfg SessionConfig, newLink func(FrameReceiver) Link) *Session {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Session{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("remote", cfg.Remote.String()).Logger(),
		created: cfg.Now(),
	}
	s.state.Store(int32(StateInitializing))
	s.link = newLink(s)
	return s
}

// Remote returns the peer endpoint.
func (s *Session) Remote() netip.AddrPort { return s.cfg.Remote }

// ProtocolVersion returns the RakNet protocol the peer offered.
func (s *Session) ProtocolVersion() int { return s.cfg.ProtocolVersion }

// Link returns the underlying link.
func (s *Session) Link() Link { return s.link }

// MTU returns the negotiated MTU.
func (s *Session) MTU() int { return s.link.MTU() }

// Created returns when the session was admitted.
func (s *Session) Created() time.Time { return s.created }

// IPv6 reports whether the peer uses an IPv6 endpoint.
func (s *Session) IPv6() bool { return !s.cfg.Remote.Addr().Unmap().Is4() }

// GUID returns the connection GUID the peer announced.
func (s *Session) GUID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guid
}

// State returns the handshake state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Closed reports whether the session has closed.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// CloseReason returns why the session closed, or ReasonNone.
func (s *Session) CloseReason() DisconnectReason {
	return DisconnectReason(s.reason.Load())
}

// setState moves forward only.
func (s *Session) setState(next State) {
	for {
		cur := s.state.Load()
		if int32(next) <= cur {
			return
		}
		if s.state.CompareAndSwap(cur, int32(next)) {
			s.log.Trace().Str("state", next.String()).Msg("session state")
			return
		}
	}
}

// allowReply counts one reply of a kind. Must hold mu.
func (s *Session) allowReply(kind replyKind) bool {
	s.replies[kind]++
	n := s.replies[kind]
	if n <= MaxReplies {
		return true
	}
	if n == MaxReplies+1 {
		s.log.Warn().Int("limit", MaxReplies).Msg("too many " + replyNames[kind] + " replies")
	}
	return false
}

// Dispatch runs a handshake message through the state machine and applies
// the anomaly policy: log and drop, or close with the error's reason.
func (s *Session) Dispatch(b []byte) {
	err := s.OnPacket(b)
	if err == nil {
		return
	}
	var pe *ProtocolError
	if errors.As(err, &pe) {
		ev := s.log.Info()
		if errors.Is(pe, ErrMalformed) {
			ev = s.log.Debug()
		}
		ev.Err(err).Msg("handshake anomaly")
		if pe.Closes() {
			s.Close(pe.Reason)
		}
		return
	}
	s.log.Debug().Err(err).Msg("handshake send failed")
}

// OnPacket handles one handshake message. Anomalies come back as
// *ProtocolError and leave the session unchanged.
func (s *Session) OnPacket(b []byte) error {
	if len(b) == 0 || s.closed.Load() {
		return nil
	}
	switch b[0] {
	case IDOpenConnectionRequest2:
		return s.onOpenConnectionRequest2(b)
	case IDConnectionRequest:
		return s.onConnectionRequest(b)
	case IDNewIncomingConnection:
		return s.onNewIncomingConnection(b)
	}
	return nil
}

func (s *Session) anomaly(id byte, st State, kind error, detail string) *ProtocolError {
	return &ProtocolError{Kind: kind, ID: id, State: st, Detail: detail}
}

func (s *Session) onOpenConnectionRequest2(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.State()
	if st != StateInitializing {
		if st != StateInitialized {
			return s.anomaly(b[0], st, ErrUnexpectedState, "ocr2 while not initializing")
		}
		// A reply was probably lost
		s.log.Info().Str("state", st.String()).Msg("duplicate ocr2")
	}

	r := newReader(b[1:])
	if !r.magic() {
		return s.anomaly(b[0], st, ErrBadMagic, "")
	}
	r.address()
	mtu := r.uint16()
	guid := r.uint64()
	if r.err != nil {
		return s.anomaly(b[0], st, ErrMalformed, r.err.Error())
	}

	s.link.SetMTU(int(mtu))
	s.guid = guid

	if st == StateInitializing {
		s.link.Initialize()
	}

	err := s.sendOpenConnectionReply2()
	s.setState(StateInitialized)
	return err
}

func (s *Session) onConnectionRequest(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// CONNECTING is allowed in case the unreliable accept was lost
	st := s.State()
	if st > StateConnecting {
		return s.anomaly(b[0], st, ErrUnexpectedState, "connection request after connect")
	}

	r := newReader(b[1:])
	guid := r.uint64()
	clientTime := r.uint64()
	security := r.bool()
	if r.err != nil {
		return s.anomaly(b[0], st, ErrMalformed, r.err.Error())
	}

	if guid != s.guid {
		pe := s.anomaly(b[0], st, ErrGUIDMismatch, "")
		pe.Reason = ReasonConnectionRequestFailed
		return pe
	}
	if security {
		pe := s.anomaly(b[0], st, ErrSecurityUnsupported, "")
		pe.Reason = ReasonConnectionRequestFailed
		return pe
	}

	s.setState(StateConnecting)
	return s.sendConnectionRequestAccepted(clientTime)
}

func (s *Session) onNewIncomingConnection(b []byte) error {
	s.mu.Lock()
	st := s.State()
	if st != StateConnecting {
		s.mu.Unlock()
		return s.anomaly(b[0], st, ErrUnexpectedState, "incoming connection while not connecting")
	}
	s.setState(StateConnected)
	s.mu.Unlock()

	s.log.Debug().Uint64("guid", s.GUID()).Msg("session connected")
	if s.cfg.Handler != nil {
		s.cfg.Handler.OnConnected(s)
	}
	return nil
}

// SendOpenConnectionReply1 answers an open connection request 1.
func (s *Session) SendOpenConnectionReply1() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allowReply(replyOpen1) {
		return nil
	}
	w := newWriter(IDOpenConnectionReply1, 28).
		magic().
		uint64(s.cfg.ServerGUID).
		bool(false).
		uint16(uint16(s.link.MTU()))
	return s.link.SendRaw(w.build())
}

func (s *Session) sendOpenConnectionReply2() error {
	if !s.allowReply(replyOpen2) {
		return nil
	}
	w := newWriter(IDOpenConnectionReply2, 64).
		magic().
		uint64(s.cfg.ServerGUID).
		address(s.cfg.Remote).
		uint16(uint16(s.link.MTU())).
		bool(false)
	return s.link.SendRaw(w.build())
}

func (s *Session) sendConnectionRequestAccepted(clientTime uint64) error {
	if !s.allowReply(replyAccepted) {
		return nil
	}
	ipv6 := s.IPv6()
	size := 64 + 7*4
	if ipv6 {
		size = 64 + 29*10
	}
	w := newWriter(IDConnectionRequestAccepted, size).
		address(s.cfg.Remote).
		uint16(0) // system index
	for _, local := range localAddresses(ipv6) {
		w.address(local)
	}
	w.uint64(clientTime).uint64(uint64(s.cfg.Now().UnixMilli()))
	return s.link.Send(w.build(), PriorityImmediate, Unreliable)
}

// HandleFrame receives connected messages from the link.
func (s *Session) HandleFrame(payload []byte) {
	if len(payload) == 0 || s.closed.Load() {
		return
	}
	switch payload[0] {
	case IDConnectedPing:
		r := newReader(payload[1:])
		pingTime := r.uint64()
		if r.err != nil {
			return
		}
		pong := newWriter(IDConnectedPong, 17).
			uint64(pingTime).
			uint64(uint64(s.cfg.Now().UnixMilli())).
			build()
		_ = s.link.Send(pong, PriorityImmediate, Unreliable)
	case IDDisconnectNotification:
		s.Close(ReasonClosedByRemotePeer)
	case IDGamePacket:
		if s.State() != StateConnected {
			s.log.Debug().Str("state", s.State().String()).Msg("game packet before connect")
			return
		}
		if s.cfg.Handler != nil {
			s.cfg.Handler.OnGamePacket(s, payload[1:])
		}
	default:
		s.Dispatch(payload)
	}
}

// LinkClosed is called by the link when it shuts down on its own.
func (s *Session) LinkClosed(reason DisconnectReason) {
	s.Close(reason)
}

// SendBatch sends a compressed game batch.
func (s *Session) SendBatch(compressed []byte) error {
	if s.closed.Load() {
		return ErrLinkClosed
	}
	b := make([]byte, 0, len(compressed)+1)
	b = append(b, IDGamePacket)
	b = append(b, compressed...)
	return s.link.Send(b, PriorityMedium, ReliableOrdered)
}

// Tick advances the link.
func (s *Session) Tick(now time.Time) {
	if !s.closed.Load() {
		s.link.Tick(now)
	}
}

// Close closes the session once, removing it from its registry.
func (s *Session) Close(reason DisconnectReason) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.reason.Store(int32(reason))
	s.link.Close(reason)

	s.log.Debug().Str("reason", reason.String()).Msg("session closed")

	if s.cfg.OnClose != nil {
		s.cfg.OnClose(s)
	}
	if s.cfg.Handler != nil {
		s.cfg.Handler.OnDisconnect(s, reason)
	}
}
