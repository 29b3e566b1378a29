package proxy

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nethergate/nethergate/internal/backend"
	"github.com/nethergate/nethergate/internal/batch"
	"github.com/nethergate/nethergate/internal/raknet"
)

// Session is the transport a player rides on. *raknet.Session satisfies it.
type Session interface {
	Remote() netip.AddrPort
	GUID() uint64
	ProtocolVersion() int
	Closed() bool
	SendBatch(payload []byte) error
	Close(reason raknet.DisconnectReason)
}

// Player is one connected client.
type Player struct {
	session Session
	proxy   *Proxy
	logger  zerolog.Logger
	created time.Time

	mu       sync.Mutex
	id       uuid.UUID
	name     string
	protocol int32
	client   *backend.Client
	outbound []batch.Packet
	loggedIn bool

	closed   atomic.Bool
	updating atomic.Bool
	lastTick atomic.Uint64
}

func newPlayer(s Session, p *Proxy) *Player {
	return &Player{
		session: s,
		proxy:   p,
		created: time.Now(),
		logger: p.logger.With().
			Str("remote", s.Remote().String()).
			Uint64("guid", s.GUID()).
			Logger(),
	}
}

// Address is the client endpoint.
func (p *Player) Address() netip.AddrPort { return p.session.Remote() }

// UUID is zero until login.
func (p *Player) UUID() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

// Name is empty until login.
func (p *Player) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Protocol is the game protocol sent at login.
func (p *Player) Protocol() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.protocol
}

// Client is the backend the player is on, or nil.
func (p *Player) Client() *backend.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

func (p *Player) setClient(c *backend.Client) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

// LoggedIn reports whether the login packet was accepted.
func (p *Player) LoggedIn() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loggedIn
}

// ConnectedAt is when the session finished its handshake.
func (p *Player) ConnectedAt() time.Time { return p.created }

// LastTick is the last tick the player was updated on.
func (p *Player) LastTick() uint64 { return p.lastTick.Load() }

// Closed reports whether the player or its session is closed.
func (p *Player) Closed() bool {
	return p.closed.Load() || p.session.Closed()
}

// RakNetProtocol is the protocol negotiated by the session.
func (p *Player) RakNetProtocol() int { return p.session.ProtocolVersion() }

// SendBatch hands a compressed batch to the session.
func (p *Player) SendBatch(payload []byte) error { return p.session.SendBatch(payload) }

// SendPacket queues a packet for the next update.
func (p *Player) SendPacket(pk batch.Packet) {
	if p.Closed() {
		return
	}
	p.mu.Lock()
	p.outbound = append(p.outbound, pk)
	p.mu.Unlock()
}

// SendImmediate batches and sends a packet now.
func (p *Player) SendImmediate(pk batch.Packet) error {
	return p.proxy.batcher.Batch(p, pk)
}

// Pending returns the number of queued packets.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outbound)
}

// CanTick reports whether the player still needs updates.
func (p *Player) CanTick() bool { return !p.Closed() }

// OnUpdate flushes queued packets as one batch. An update still running
// from an earlier tick makes this one a no-op.
func (p *Player) OnUpdate(tick uint64) {
	if !p.updating.CompareAndSwap(false, true) {
		return
	}
	defer p.updating.Store(false)
	p.lastTick.Store(tick)

	p.mu.Lock()
	queue := p.outbound
	p.outbound = nil
	p.mu.Unlock()

	if len(queue) == 0 {
		return
	}
	if err := p.proxy.batcher.BatchMany(p, queue); err != nil {
		p.logger.Error().Err(err).Int("packets", len(queue)).Msg("failed to send batch")
	}
}

// Close shows reason to the client, closes the session and removes the player.
func (p *Player) Close(reason string) {
	p.close(reason, raknet.ReasonKicked, true)
}

func (p *Player) close(reason string, transport raknet.DisconnectReason, notify bool) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	if notify && !p.session.Closed() {
		if err := p.proxy.batcher.Batch(p.sessionConn(), &DisconnectPacket{Message: reason}); err != nil {
			p.logger.Debug().Err(err).Msg("failed to send disconnect")
		}
	}
	p.session.Close(transport)
	p.proxy.removePlayer(p, reason)
}

// sessionConn bypasses the closed flag so the disconnect can still go out.
func (p *Player) sessionConn() batch.Conn { return playerSession{p} }

type playerSession struct{ p *Player }

func (s playerSession) Closed() bool             { return s.p.session.Closed() }
func (s playerSession) RakNetProtocol() int      { return s.p.session.ProtocolVersion() }
func (s playerSession) SendBatch(b []byte) error { return s.p.session.SendBatch(b) }
