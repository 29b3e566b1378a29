// Package proxy holds the player and backend state of the proxy: who is
// connected, which backend each player is on, and how game packets move
// between the two sides.
package proxy

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/backend"
	"github.com/nethergate/nethergate/internal/batch"
	"github.com/nethergate/nethergate/internal/config"
	"github.com/nethergate/nethergate/internal/events"
	"github.com/nethergate/nethergate/internal/protocol"
	"github.com/nethergate/nethergate/internal/raknet"
	"github.com/nethergate/nethergate/internal/tick"
)

// Disconnect messages shown to players.
const (
	MessageNoServer      = "No server available"
	MessageServerFull    = "Server is full"
	MessageInvalidLogin  = "Invalid login"
	MessageDuplicate     = "Logged in from another location"
	MessageServerClosed  = "Server closed"
	MessageBadPacket     = "Bad packet"
	MessageKicked        = "Kicked by an operator"
	DefaultClientVersion = "1.21.0"
)

// Config wires a Proxy.
type Config struct {
	Server  config.ServerConfig
	Batcher *batch.Batcher
	Clients *backend.Registry
	Events  events.Publisher
	Logger  *zerolog.Logger
}

// Proxy ties players to backends.
type Proxy struct {
	server  config.ServerConfig
	batcher *batch.Batcher
	players *PlayerRegistry
	clients *backend.Registry
	events  events.Publisher
	logger  zerolog.Logger

	mu         sync.RWMutex
	logins     map[*Player][]byte
	sessions   func() int
	clientData backend.ClientData
}

// New creates a Proxy.
func New(cfg Config) *Proxy {
	if cfg.Batcher == nil {
		cfg.Batcher = batch.New(batch.DefaultOptions())
	}
	if cfg.Clients == nil {
		cfg.Clients = backend.NewRegistry()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	p := &Proxy{
		server:     cfg.Server,
		batcher:    cfg.Batcher,
		players:    NewPlayerRegistry(),
		clients:    cfg.Clients,
		events:     cfg.Events,
		logins:     make(map[*Player][]byte),
		clientData: backend.ClientData{ClientList: map[string]backend.ClientEntry{}},
	}
	if cfg.Logger != nil {
		p.logger = cfg.Logger.With().Str("component", "proxy").Logger()
	} else {
		p.logger = log.With().Str("component", "proxy").Logger()
	}
	return p
}

// Players exposes the player registry.
func (p *Proxy) Players() *PlayerRegistry { return p.players }

// Clients exposes the backend registry.
func (p *Proxy) Clients() *backend.Registry { return p.clients }

// Batcher returns the shared batch pipeline.
func (p *Proxy) Batcher() *batch.Batcher { return p.batcher }

// MaxPlayers is the advertised capacity.
func (p *Proxy) MaxPlayers() int {
	if p.server.PlusOneMaxCount {
		return p.players.Len() + 1
	}
	return p.server.MaxPlayers
}

// Advertisement builds what unconnected pongs announce.
func (p *Proxy) Advertisement() raknet.Advertisement {
	version := p.server.QueryVersion
	if version == "" {
		version = DefaultClientVersion
	}
	return raknet.Advertisement{
		Motd:         p.server.Motd,
		SubMotd:      p.server.SubMotd,
		GameProtocol: p.server.GameProtocol,
		Version:      version,
		Online:       p.players.Len(),
		Max:          p.MaxPlayers(),
		Port:         p.server.Port,
	}
}

func (p *Proxy) addPlayer(pl *Player) {
	p.players.Add(pl)
	p.logger.Debug().Str("remote", pl.Address().String()).Msg("player connected")
}

func (p *Proxy) removePlayer(pl *Player, reason string) {
	if !p.players.Remove(pl) {
		return
	}
	p.mu.Lock()
	delete(p.logins, pl)
	p.mu.Unlock()

	if c := pl.Client(); c != nil {
		id := pl.UUID()
		if c.RemovePlayer(id) && !c.Closed() {
			if err := c.SendPacket(&protocol.PlayerLogout{UUID: id, Reason: reason}); err != nil {
				p.logger.Debug().Err(err).Msg("failed to send logout")
			}
		}
		pl.setClient(nil)
	}

	if pl.LoggedIn() {
		p.logger.Info().
			Str("player", pl.Name()).
			Str("remote", pl.Address().String()).
			Str("reason", reason).
			Msg("player left")
		p.emitPlayer(events.EventPlayerQuit, pl, "", reason)
	}
}

func (p *Proxy) emitPlayer(t events.EventType, pl *Player, backendDesc, reason string) {
	p.events.Emit(context.Background(), events.Event{
		Type:   t,
		Source: "proxy",
		Payload: events.PlayerPayload{
			UUID:    pl.UUID().String(),
			Name:    pl.Name(),
			Address: pl.Address().String(),
			Backend: backendDesc,
			Reason:  reason,
		},
	})
}

// HandleGamePacket routes one decoded game packet from a player.
func (p *Proxy) HandleGamePacket(pl *Player, pk []byte) {
	if len(pk) == 0 || pl.Closed() {
		return
	}
	if !pl.LoggedIn() {
		if pk[0] != IDLogin {
			pl.logger.Debug().Uint8("id", pk[0]).Msg("packet before login")
			return
		}
		p.login(pl, pk)
		return
	}

	c := pl.Client()
	if c == nil {
		return
	}
	if err := c.SendPlayerData(pl.UUID(), pk); err != nil {
		pl.logger.Debug().Err(err).Msg("failed to relay packet")
	}
}

func (p *Proxy) login(pl *Player, raw []byte) {
	l, err := ParseLogin(raw)
	if err != nil {
		pl.logger.Info().Err(err).Msg("rejecting login")
		pl.Close(MessageInvalidLogin)
		return
	}
	if limit := p.server.MaxPlayers; limit > 0 && !p.server.PlusOneMaxCount && p.players.OnlineLen() >= limit {
		_ = pl.SendImmediate(&PlayStatusPacket{Status: StatusServerFull})
		pl.Close(MessageServerFull)
		return
	}

	pl.mu.Lock()
	pl.id = l.UUID
	pl.name = l.Name
	pl.protocol = l.Protocol
	pl.loggedIn = true
	pl.mu.Unlock()

	p.mu.Lock()
	p.logins[pl] = raw
	p.mu.Unlock()

	if prev := p.players.SetOnline(pl); prev != nil {
		prev.Close(MessageDuplicate)
	}

	target := p.clients.Fallback()
	if target == nil {
		pl.logger.Info().Str("player", l.Name).Msg("no backend available")
		pl.Close(MessageNoServer)
		return
	}

	pl.logger.Info().
		Str("player", l.Name).
		Str("uuid", l.UUID.String()).
		Int32("protocol", l.Protocol).
		Msg("player logged in")

	if err := p.Transfer(pl, target); err != nil {
		pl.logger.Warn().Err(err).Msg("failed to place player")
		pl.Close(MessageNoServer)
		return
	}
	p.emitPlayer(events.EventPlayerJoin, pl, target.Description(), "")
}

// Transfer moves a logged in player to target.
func (p *Proxy) Transfer(pl *Player, target *backend.Client) error {
	id := pl.UUID()
	if old := pl.Client(); old != nil && old != target {
		if old.RemovePlayer(id) && !old.Closed() {
			_ = old.SendPacket(&protocol.PlayerLogout{UUID: id, Reason: "transfer"})
		}
		p.emitPlayer(events.EventPlayerTransfer, pl, target.Description(), old.Description())
	}

	p.mu.RLock()
	raw := p.logins[pl]
	p.mu.RUnlock()

	login := &protocol.PlayerLogin{
		UUID:     id,
		Name:     pl.Name(),
		Address:  pl.Address().Addr().String(),
		Port:     pl.Address().Port(),
		Protocol: pl.Protocol(),
		Login:    raw,
	}
	if err := target.SendPacket(login); err != nil {
		pl.setClient(nil)
		return err
	}
	target.AddPlayer(id, pl.Name())
	pl.setClient(target)
	return nil
}

// Kick closes the player best matching name. It reports whether one was found.
func (p *Proxy) Kick(name, reason string) bool {
	pl, ok := p.players.Exact(name)
	if !ok {
		pl, ok = p.players.ByName(name)
	}
	if !ok {
		return false
	}
	if reason == "" {
		reason = MessageKicked
	}
	pl.Close(reason)
	return true
}

// OnClientAdded implements backend.Handler.
func (p *Proxy) OnClientAdded(c *backend.Client) {
	p.updateClientData()
}

// OnPlayerData implements backend.Handler.
func (p *Proxy) OnPlayerData(c *backend.Client, id uuid.UUID, payload []byte) {
	pl, ok := p.players.ByUUID(id)
	if !ok || pl.Client() != c || len(payload) == 0 {
		return
	}
	pl.SendPacket(batch.RawPacket(payload))
}

// OnClientRemoved implements backend.Handler. Players on c move to another
// lobby, or are disconnected when none is left.
func (p *Proxy) OnClientRemoved(c *backend.Client, reason string) {
	for _, id := range c.PlayerIDs() {
		pl, ok := p.players.ByUUID(id)
		if !ok {
			continue
		}
		target := p.clients.Fallback()
		if target == nil || target == c {
			pl.Close(MessageServerClosed)
			continue
		}
		c.RemovePlayer(id)
		if err := p.Transfer(pl, target); err != nil {
			pl.Close(MessageServerClosed)
		}
	}
	p.updateClientData()
}

func (p *Proxy) updateClientData() {
	data := p.clients.Snapshot()
	p.mu.Lock()
	p.clientData = data
	p.mu.Unlock()
}

// ClientData returns the last backend list snapshot.
func (p *Proxy) ClientData() backend.ClientData {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clientData
}

// SetSessionCounter installs the transport session count.
func (p *Proxy) SetSessionCounter(fn func() int) {
	p.mu.Lock()
	p.sessions = fn
	p.mu.Unlock()
}

// TickPlayers implements tick.World.
func (p *Proxy) TickPlayers() []tick.Player {
	all := p.players.All()
	out := make([]tick.Player, len(all))
	for i, pl := range all {
		out[i] = pl
	}
	return out
}

// TickClients implements tick.World.
func (p *Proxy) TickClients() []tick.Client {
	all := p.clients.All()
	out := make([]tick.Client, len(all))
	for i, c := range all {
		out[i] = c
	}
	return out
}

// PlayerCount implements tick.World.
func (p *Proxy) PlayerCount() int { return p.players.Len() }

// ClientCount implements tick.World.
func (p *Proxy) ClientCount() int { return p.clients.Len() }

// SessionCount implements tick.World.
func (p *Proxy) SessionCount() int {
	p.mu.RLock()
	fn := p.sessions
	p.mu.RUnlock()
	if fn == nil {
		return 0
	}
	return fn()
}

// QueryInfo implements tick.World. It also refreshes the backend list.
func (p *Proxy) QueryInfo() (tick.QueryInfo, error) {
	p.updateClientData()

	ad := p.Advertisement()
	q := tick.QueryInfo{
		Motd:       ad.Motd,
		Version:    ad.Version,
		Protocol:   ad.GameProtocol,
		Players:    ad.Online,
		MaxPlayers: ad.Max,
		Port:       ad.Port,
	}
	for _, pl := range p.players.All() {
		if pl.LoggedIn() {
			q.PlayerNames = append(q.PlayerNames, pl.Name())
		}
	}
	for _, c := range p.clients.All() {
		q.Servers = append(q.Servers, c.Description())
	}
	sort.Strings(q.Servers)
	return q, nil
}

// CloseAll implements tick.World: players on each backend are disconnected,
// then the backend itself, then any player left over.
func (p *Proxy) CloseAll(reason string) {
	for _, c := range p.clients.All() {
		for _, id := range c.PlayerIDs() {
			if pl, ok := p.players.ByUUID(id); ok {
				pl.Close(reason)
			}
		}
		c.Close(reason)
	}
	for _, pl := range p.players.All() {
		pl.Close(reason)
	}
}

// PlayerInfos describes every connected player.
func (p *Proxy) PlayerInfos() []PlayerInfo { return p.players.Infos() }
