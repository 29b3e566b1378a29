package raknet

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/events"
	"github.com/nethergate/nethergate/internal/network"
)

// Advertisement is what unconnected pongs announce to server lists.
type Advertisement struct {
	Motd         string
	SubMotd      string
	GameProtocol int
	Version      string
	Online       int
	Max          int
	Port         int
}

// Encode renders the semicolon-separated server list string.
func (a Advertisement) Encode(guid uint64) string {
	fields := []string{
		"MCPE",
		a.Motd,
		strconv.Itoa(a.GameProtocol),
		a.Version,
		strconv.Itoa(a.Online),
		strconv.Itoa(a.Max),
		strconv.FormatUint(guid, 10),
		a.SubMotd,
		"Survival",
		"1",
		strconv.Itoa(a.Port),
		strconv.Itoa(a.Port),
	}
	return strings.Join(fields, ";") + ";"
}

// BanChecker decides whether an IP may open sessions.
type BanChecker interface {
	IsBanned(ip netip.Addr) bool
}

// ListenerConfig configures the UDP listener.
type ListenerConfig struct {
	Addr              string
	GUID              uint64
	MaxSessions       int
	MinMTU            int
	MaxMTU            int
	DatagramRateLimit int
	SessionTimeout    time.Duration
	TickInterval      time.Duration

	Advertise func() Advertisement
	Bans      BanChecker
	Handler   SessionHandler
	Events    events.Publisher
	Logger    *zerolog.Logger
	Now       func() time.Time
}

// ListenerStats is a point-in-time view of the listener.
type ListenerStats struct {
	Sessions     int    `json:"sessions"`
	DatagramsIn  uint64 `json:"datagrams_in"`
	RateDropped  uint64 `json:"rate_dropped"`
	Rejected     uint64 `json:"rejected"`
	Halted       bool   `json:"halted"`
	GUID         uint64 `json:"guid"`
	ListenAddr   string `json:"listen_addr"`
	SessionLimit int    `json:"session_limit"`
}

// Listener accepts RakNet sessions on one UDP socket.
type Listener struct {
	cfg      ListenerConfig
	registry *Registry
	rate     *network.RateTracker
	logger   zerolog.Logger

	conn   net.PacketConn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	halted      atomic.Bool
	datagramsIn atomic.Uint64
	rejected    atomic.Uint64
}

// NewListener creates a listener. Call Listen or Serve to start it.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.GUID == 0 {
		cfg.GUID = rand.Uint64()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}

	l := &Listener{
		cfg:      cfg,
		registry: NewRegistry(cfg.MaxSessions),
		rate:     network.NewRateTracker(cfg.DatagramRateLimit),
	}
	if cfg.Logger != nil {
		l.logger = *cfg.Logger
	} else {
		l.logger = log.With().Str("component", "raknet").Logger()
	}
	l.registry.SetFaultHandler(l.onFault)
	return l
}

// Registry exposes the session registry.
func (l *Listener) Registry() *Registry { return l.registry }

// GUID returns the server GUID sent in replies.
func (l *Listener) GUID() uint64 { return l.cfg.GUID }

// Listen binds the configured address and starts serving.
func (l *Listener) Listen(ctx context.Context) error {
	lc := network.ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start RakNet listener on %s: %w", l.cfg.Addr, err)
	}
	l.Serve(ctx, pc)
	return nil
}

// Serve starts the read and tick loops on conn and returns immediately.
func (l *Listener) Serve(ctx context.Context, conn net.PacketConn) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.conn = conn

	l.logger.Info().
		Str("addr", conn.LocalAddr().String()).
		Uint64("guid", l.cfg.GUID).
		Int("max_sessions", l.cfg.MaxSessions).
		Msg("RakNet listener started")

	l.wg.Add(2)
	go l.readLoop(ctx)
	go l.tickLoop(ctx)
}

func (l *Listener) readLoop(ctx context.Context) {
	defer l.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || l.halted.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Debug().Err(err).Msg("UDP read error")
			continue
		}
		ap, ok := network.AddrPortOf(addr)
		if !ok {
			continue
		}
		l.HandleDatagram(ap, buf[:n])
	}
}

func (l *Listener) tickLoop(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			l.rate.Sweep()
		case <-ticker.C:
			l.tickSessions(l.cfg.Now())
		}
	}
}

// tickSessions advances every link. Idle sessions close and leave the
// registry from here.
func (l *Listener) tickSessions(now time.Time) {
	for _, s := range l.registry.Sessions() {
		s.Tick(now)
	}
}

// HandleDatagram routes one inbound datagram.
func (l *Listener) HandleDatagram(from netip.AddrPort, b []byte) {
	if len(b) == 0 || l.halted.Load() {
		return
	}
	l.datagramsIn.Add(1)
	if !l.rate.Allow(from.Addr().Unmap()) {
		return
	}

	if s, ok := l.registry.Lookup(from); ok {
		switch {
		case b[0]&FlagValid != 0 && s.Link().Initialized():
			if err := s.Link().HandleDatagram(b); err != nil {
				l.logger.Debug().Err(err).Str("remote", from.String()).Msg("bad datagram")
			}
		case b[0] == IDOpenConnectionRequest1:
			s.Link().Touch()
			_ = s.SendOpenConnectionReply1()
		default:
			s.Link().Touch()
			s.Dispatch(b)
		}
		return
	}

	switch b[0] {
	case IDUnconnectedPing, IDUnconnectedPingOpen:
		l.handleUnconnectedPing(from, b)
	case IDOpenConnectionRequest1:
		l.handleOpenConnectionRequest1(from, b)
	default:
		l.logger.Trace().Str("remote", from.String()).Uint8("id", b[0]).Msg("datagram from unknown endpoint")
	}
}

func (l *Listener) handleUnconnectedPing(from netip.AddrPort, b []byte) {
	r := newReader(b[1:])
	pingTime := r.uint64()
	if !r.magic() {
		return
	}

	var adv Advertisement
	if l.cfg.Advertise != nil {
		adv = l.cfg.Advertise()
	}
	pong := newWriter(IDUnconnectedPong, 128).
		uint64(pingTime).
		uint64(l.cfg.GUID).
		magic().
		string(adv.Encode(l.cfg.GUID)).
		build()
	l.writeTo(from, pong)
}

func (l *Listener) handleOpenConnectionRequest1(from netip.AddrPort, b []byte) {
	r := newReader(b[1:])
	if !r.magic() {
		return
	}
	proto := r.byte()
	if r.err != nil {
		return
	}
	if !supportedProtocol(proto) {
		l.rejected.Add(1)
		reply := newWriter(IDIncompatibleProtocolVersion, 26).
			byte(SupportedProtocols[len(SupportedProtocols)-1]).
			magic().
			uint64(l.cfg.GUID).
			build()
		l.writeTo(from, reply)
		return
	}

	if l.cfg.Bans != nil && l.cfg.Bans.IsBanned(from.Addr().Unmap()) {
		l.rejected.Add(1)
		l.writeTo(from, newWriter(IDConnectionBanned, 25).magic().uint64(l.cfg.GUID).build())
		return
	}

	mtu := len(b) + udpOverhead
	s, err := l.registry.Admit(from, func() *Session {
		return l.newSession(from, mtu, int(proto))
	})
	switch {
	case errors.Is(err, ErrSessionLimit):
		l.rejected.Add(1)
		l.writeTo(from, newWriter(IDNoFreeIncomingConnections, 25).magic().uint64(l.cfg.GUID).build())
		return
	case errors.Is(err, ErrSessionExists):
		s, _ = l.registry.Lookup(from)
	}
	if s == nil {
		return
	}

	l.cfg.Events.Emit(context.Background(), events.Event{
		Type:    events.EventSessionOpened,
		Source:  "raknet",
		Payload: events.SessionPayload{Address: from.String()},
	})
	_ = s.SendOpenConnectionReply1()
}

func (l *Listener) newSession(from netip.AddrPort, mtu, proto int) *Session {
	return NewSession(SessionConfig{
		Remote:          from,
		ServerGUID:      l.cfg.GUID,
		ProtocolVersion: proto,
		Logger:          l.logger,
		Now:             l.cfg.Now,
		Handler:         l.cfg.Handler,
		OnClose:         l.removeSession,
	}, func(recv FrameReceiver) Link {
		return NewPacketLink(LinkConfig{
			Remote:  from,
			MTU:     mtu,
			MinMTU:  l.cfg.MinMTU,
			MaxMTU:  l.cfg.MaxMTU,
			Timeout: l.cfg.SessionTimeout,
			Now:     l.cfg.Now,
		}, func(b []byte) error {
			return l.write(from, b)
		}, recv)
	})
}

func (l *Listener) removeSession(s *Session) {
	if err := l.registry.Remove(s); err != nil {
		return
	}
	l.cfg.Events.Emit(context.Background(), events.Event{
		Type:   events.EventSessionClosed,
		Source: "raknet",
		Payload: events.SessionPayload{
			Address: s.Remote().String(),
			GUID:    s.GUID(),
			Reason:  s.CloseReason().String(),
		},
	})
}

func (l *Listener) onFault(err *InvariantError) {
	l.logger.Error().Err(err).Msg("session registry corrupted, halting transport")
	l.halt()
}

func (l *Listener) halt() {
	if !l.halted.CompareAndSwap(false, true) {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.conn != nil {
		l.conn.Close()
	}
}

// Halted reports whether the transport stopped on a registry fault or Close.
func (l *Listener) Halted() bool {
	return l.halted.Load()
}

func (l *Listener) write(to netip.AddrPort, b []byte) error {
	if l.conn == nil {
		return ErrLinkClosed
	}
	_, err := l.conn.WriteTo(b, net.UDPAddrFromAddrPort(to))
	return err
}

func (l *Listener) writeTo(to netip.AddrPort, b []byte) {
	if err := l.write(to, b); err != nil {
		l.logger.Debug().Err(err).Str("remote", to.String()).Msg("UDP write failed")
	}
}

// Stats returns listener counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Sessions:     l.registry.Len(),
		DatagramsIn:  l.datagramsIn.Load(),
		RateDropped:  l.rate.Dropped(),
		Rejected:     l.rejected.Load(),
		Halted:       l.halted.Load(),
		GUID:         l.cfg.GUID,
		ListenAddr:   l.cfg.Addr,
		SessionLimit: l.cfg.MaxSessions,
	}
}

// Close disconnects every session and stops the socket.
func (l *Listener) Close() error {
	if !l.halted.Load() {
		for _, s := range l.registry.Sessions() {
			s.Close(ReasonShuttingDown)
		}
	}
	l.halt()
	l.wg.Wait()
	l.logger.Info().Msg("RakNet listener stopped")
	return nil
}

func supportedProtocol(p byte) bool {
	for _, v := range SupportedProtocols {
		if v == p {
			return true
		}
	}
	return false
}
