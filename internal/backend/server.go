package backend

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/events"
	"github.com/nethergate/nethergate/internal/network"
	"github.com/nethergate/nethergate/internal/protocol"
)

const (
	// ReadTimeout is how long a backend may stay silent before its link is dropped.
	ReadTimeout = 60 * time.Second

	// HandshakeTimeout bounds the wait for the first packet.
	HandshakeTimeout = 30 * time.Second
)

// ErrBadPassword rejects a handshake.
var ErrBadPassword = errors.New("backend: wrong password")

// Handler receives backend traffic on the tick thread.
type Handler interface {
	OnClientAdded(c *Client)
	OnPlayerData(c *Client, id uuid.UUID, payload []byte)
	OnClientRemoved(c *Client, reason string)
}

// Config configures the backend link server.
type Config struct {
	Addr     string
	Password string
	// Clients is shared with the proxy. Nil creates a private registry.
	Clients *Registry
}

// PasswordHash is the hex MD5 of the shared password sent in handshakes.
func PasswordHash(password string) string {
	sum := md5.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

type inboundKind int

const (
	inboundAdded inboundKind = iota
	inboundData
	inboundRemoved
)

type inbound struct {
	kind    inboundKind
	client  *Client
	player  uuid.UUID
	payload []byte
	reason  string
}

// Server accepts backend links. Reading happens on per-link goroutines;
// registry changes and packet delivery are applied by Process.
type Server struct {
	cfg     Config
	hash    string
	handler Handler
	events  events.Publisher
	clients *Registry
	logger  zerolog.Logger

	mu       sync.Mutex
	queue    []inbound
	conns    map[net.Conn]struct{}
	listener net.Listener
	wg       sync.WaitGroup
	stopped  bool
}

// NewServer creates a backend link server. Nil publishers are allowed.
func NewServer(cfg Config, handler Handler, pub events.Publisher) *Server {
	if pub == nil {
		pub = events.Discard
	}
	if cfg.Clients == nil {
		cfg.Clients = NewRegistry()
	}
	return &Server{
		cfg:     cfg,
		hash:    PasswordHash(cfg.Password),
		handler: handler,
		events:  pub,
		clients: cfg.Clients,
		conns:   make(map[net.Conn]struct{}),
		logger:  log.With().Str("component", "backend").Logger(),
	}
}

// Clients exposes the backend registry.
func (s *Server) Clients() *Registry { return s.clients }

// Listen binds the configured address and serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to start backend listener on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts links on ln until ctx is done or Shutdown is called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("backend listener started")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isStopped() || errors.Is(err, net.ErrClosed) {
				s.logger.Info().Msg("backend listener stopping")
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to accept backend connection")
			continue
		}

		s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new backend connection")

		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// handleConnection authenticates one link and then reads packets until it closes.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()

	client, err := s.handshake(conn)
	if err != nil {
		logger.Warn().Err(err).Msg("backend handshake failed")
		conn.Close()
		return
	}

	logger.Info().
		Str("description", client.description).
		Bool("lobby", client.lobby).
		Str("game_addr", client.Address()).
		Msg("backend authenticated")
	s.enqueue(inbound{kind: inboundAdded, client: client})

	reason := s.readLoop(ctx, client)
	client.markClosed()
	s.enqueue(inbound{kind: inboundRemoved, client: client, reason: reason})
}

func (s *Server) handshake(conn net.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	data, err := protocol.ReadPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	pkt, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("parse handshake: %w", err)
	}
	hs, ok := pkt.(*protocol.Handshake)
	if !ok {
		return nil, fmt.Errorf("expected handshake, got packet 0x%02X", pkt.ID())
	}

	conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if subtle.ConstantTimeCompare([]byte(hs.PasswordHash), []byte(s.hash)) != 1 {
		_ = protocol.WritePacket(conn, protocol.Encode(&protocol.HandshakeReply{Reason: "wrong password"}))
		return nil, ErrBadPassword
	}
	if err := protocol.WritePacket(conn, protocol.Encode(&protocol.HandshakeReply{Accepted: true})); err != nil {
		return nil, fmt.Errorf("write handshake reply: %w", err)
	}
	return NewClient(conn, hs, time.Now()), nil
}

func (s *Server) readLoop(ctx context.Context, c *Client) string {
	for {
		if ctx.Err() != nil {
			return "proxy stopping"
		}

		c.conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		data, err := protocol.ReadPacket(c.conn)
		if err != nil {
			if c.Closed() {
				return "closed"
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.logger.Warn().Msg("backend link timed out")
				return "timed out"
			}
			c.logger.Debug().Err(err).Msg("backend read error")
			return "connection lost"
		}
		c.touch(time.Now())

		pkt, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to parse backend packet")
			continue
		}

		switch p := pkt.(type) {
		case *protocol.Info:
			c.applyInfo(p)
		case *protocol.PlayerData:
			s.enqueue(inbound{kind: inboundData, client: c, player: p.UUID, payload: p.Payload})
		case *protocol.Disconnect:
			return p.Reason
		default:
			c.logger.Debug().Uint8("id", pkt.ID()).Msg("unexpected backend packet")
		}
	}
}

func (s *Server) enqueue(m inbound) {
	s.mu.Lock()
	s.queue = append(s.queue, m)
	s.mu.Unlock()
}

// Process applies queued link traffic. It runs once per tick.
func (s *Server) Process() {
	s.mu.Lock()
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, m := range queue {
		switch m.kind {
		case inboundAdded:
			s.clients.Add(m.client)
			s.emit(events.EventBackendAdded, m.client, "")
			if s.handler != nil {
				s.handler.OnClientAdded(m.client)
			}
		case inboundData:
			if s.handler != nil {
				s.handler.OnPlayerData(m.client, m.player, m.payload)
			}
		case inboundRemoved:
			if !s.clients.Remove(m.client) {
				continue
			}
			s.emit(events.EventBackendRemoved, m.client, m.reason)
			if s.handler != nil {
				s.handler.OnClientRemoved(m.client, m.reason)
			}
		}
	}
}

func (s *Server) emit(t events.EventType, c *Client, reason string) {
	s.events.Emit(context.Background(), events.Event{
		Type:   t,
		Source: "backend",
		Payload: events.BackendPayload{
			Hash:        c.hash,
			Address:     c.Address(),
			Description: c.description,
			Lobby:       c.lobby,
			Reason:      reason,
		},
	})
}

// Shutdown stops accepting links and closes every client.
func (s *Server) Shutdown(reason string) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = fmt.Errorf("close backend listener: %w", cerr)
		}
	}
	for _, c := range s.clients.All() {
		c.Close(reason)
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.Process()
	s.logger.Info().Msg("backend link stopped")
	return err
}
