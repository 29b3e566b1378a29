// Package backend implements the link between the proxy and the game servers
// behind it. Backends dial in over TCP, authenticate with the shared
// password and then exchange length-prefixed packets (see package protocol).
package backend

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/protocol"
)

// WriteTimeout bounds a single packet write to a backend.
const WriteTimeout = 10 * time.Second

// Client is one authenticated backend server.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	hash   string
	logger zerolog.Logger

	description string
	lobby       bool
	maxPlayers  int
	host        string
	port        uint16

	tps      float32
	load     float32
	upTime   uint64
	reported int

	players map[uuid.UUID]string

	connectedAt  time.Time
	lastActivity time.Time

	closed bool
}

// NewClient wraps an authenticated link.
func NewClient(conn net.Conn, hs *protocol.Handshake, now time.Time) *Client {
	hash := conn.RemoteAddr().String()
	host := hs.Host
	if host == "" {
		if ap, err := netip.ParseAddrPort(hash); err == nil {
			host = ap.Addr().Unmap().String()
		}
	}
	return &Client{
		conn:         conn,
		hash:         hash,
		description:  hs.Description,
		lobby:        hs.Lobby,
		maxPlayers:   int(hs.MaxPlayers),
		host:         host,
		port:         hs.Port,
		players:      make(map[uuid.UUID]string),
		connectedAt:  now,
		lastActivity: now,
		logger: log.With().
			Str("component", "backend").
			Str("hash", hash).
			Str("description", hs.Description).
			Logger(),
	}
}

// Hash identifies the client by its link address.
func (c *Client) Hash() string { return c.hash }

// Description is the name the backend announced.
func (c *Client) Description() string { return c.description }

// IsLobby reports whether players may be placed here by default.
func (c *Client) IsLobby() bool { return c.lobby }

// MaxPlayers is the capacity the backend announced.
func (c *Client) MaxPlayers() int { return c.maxPlayers }

// Host is the game address the backend advertised.
func (c *Client) Host() string { return c.host }

// Port is the game port the backend advertised.
func (c *Client) Port() uint16 { return c.port }

// Address renders host:port.
func (c *Client) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(int(c.port)))
}

// ConnectedAt returns the time the link was accepted.
func (c *Client) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the last packet read from the backend.
func (c *Client) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Client) applyInfo(p *protocol.Info) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tps = p.TPS
	c.load = p.Load
	c.upTime = p.Uptime
	c.reported = int(p.Players)
}

// Load returns the last reported tps, load and uptime.
func (c *Client) Load() (tps, load float32, upTime uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tps, c.load, c.upTime
}

// AddPlayer records a player placed on this backend.
func (c *Client) AddPlayer(id uuid.UUID, name string) {
	c.mu.Lock()
	c.players[id] = name
	c.mu.Unlock()
}

// RemovePlayer forgets a player. It reports whether the player was present.
func (c *Client) RemovePlayer(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.players[id]; !ok {
		return false
	}
	delete(c.players, id)
	return true
}

// PlayerCount returns the number of proxied players on this backend.
func (c *Client) PlayerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.players)
}

// PlayerIDs returns the proxied players on this backend.
func (c *Client) PlayerIDs() []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(c.players))
	for id := range c.players {
		ids = append(ids, id)
	}
	return ids
}

// SendPacket writes one packet to the backend.
func (c *Client) SendPacket(p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("backend %s: connection is closed", c.hash)
	}

	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if err := protocol.WritePacket(c.conn, protocol.Encode(p)); err != nil {
		return fmt.Errorf("backend %s: %w", c.hash, err)
	}
	return nil
}

// SendPlayerData relays one game packet for a player.
func (c *Client) SendPlayerData(id uuid.UUID, payload []byte) error {
	return c.SendPacket(&protocol.PlayerData{UUID: id, Payload: payload})
}

// OnUpdate runs on the tick thread. Links that stayed silent past the read
// timeout are closed.
func (c *Client) OnUpdate(tick uint64) {
	if tick%100 != 0 {
		return
	}
	if c.Closed() {
		return
	}
	if idle := time.Since(c.LastActivity()); idle > ReadTimeout {
		c.logger.Warn().Dur("idle", idle).Msg("backend link timed out")
		c.Close("timed out")
	}
}

// Close sends a disconnect notice and closes the link.
func (c *Client) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = protocol.WritePacket(c.conn, protocol.Encode(&protocol.Disconnect{Reason: reason}))
	c.closed = true
	c.mu.Unlock()

	c.logger.Info().Str("reason", reason).Msg("backend link closed")
	return c.conn.Close()
}

// Closed reports whether the link was closed.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.conn.Close()
}
