package proxy

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/nethergate/nethergate/internal/batch"
	"github.com/nethergate/nethergate/internal/raknet"
)

// maxQueuedBatches bounds what one player may queue between two ticks.
const maxQueuedBatches = 64

type inboundBatch struct {
	player  *Player
	payload []byte
}

// RakNetInterface turns RakNet sessions into players. Batches arrive on
// transport goroutines and are decoded on the tick by Process.
type RakNetInterface struct {
	proxy    *Proxy
	listener *raknet.Listener

	mu      sync.Mutex
	inbound []inboundBatch
	queued  map[*Player]int
	dropped atomic.Uint64
}

// NewRakNetInterface creates the adapter. Attach a listener before serving.
func NewRakNetInterface(p *Proxy) *RakNetInterface {
	return &RakNetInterface{proxy: p, queued: make(map[*Player]int)}
}

// Attach binds the listener whose sessions this interface handles.
func (ri *RakNetInterface) Attach(l *raknet.Listener) {
	ri.listener = l
	ri.proxy.SetSessionCounter(l.Registry().Len)
}

// Name implements tick.Interface.
func (ri *RakNetInterface) Name() string { return "raknet" }

// OnConnected implements raknet.SessionHandler.
func (ri *RakNetInterface) OnConnected(s *raknet.Session) {
	ri.connect(s)
}

func (ri *RakNetInterface) connect(s Session) *Player {
	pl := newPlayer(s, ri.proxy)
	ri.proxy.addPlayer(pl)
	return pl
}

// OnGamePacket implements raknet.SessionHandler.
func (ri *RakNetInterface) OnGamePacket(s *raknet.Session, payload []byte) {
	ri.receive(s, payload)
}

func (ri *RakNetInterface) receive(s Session, payload []byte) {
	pl, ok := ri.proxy.players.ByAddress(s.Remote())
	if !ok {
		return
	}
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.queued[pl] >= maxQueuedBatches {
		ri.dropped.Add(1)
		if ri.queued[pl] == maxQueuedBatches {
			pl.logger.Warn().Int("queued", maxQueuedBatches).Msg("inbound batch queue full, dropping")
		}
		ri.queued[pl]++
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	ri.queued[pl]++
	ri.inbound = append(ri.inbound, inboundBatch{player: pl, payload: buf})
}

// OnDisconnect implements raknet.SessionHandler.
func (ri *RakNetInterface) OnDisconnect(s *raknet.Session, reason raknet.DisconnectReason) {
	ri.disconnect(s, reason)
}

func (ri *RakNetInterface) disconnect(s Session, reason raknet.DisconnectReason) {
	if pl, ok := ri.proxy.players.ByAddress(s.Remote()); ok {
		pl.close(reason.String(), reason, false)
	}
}

// Pending returns the number of undecoded batches.
func (ri *RakNetInterface) Pending() int {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return len(ri.inbound)
}

// Dropped returns how many batches were refused because a player's queue
// was full.
func (ri *RakNetInterface) Dropped() uint64 { return ri.dropped.Load() }

// Process implements tick.Interface: queued batches are decompressed, split
// and routed in arrival order.
func (ri *RakNetInterface) Process() error {
	ri.mu.Lock()
	queue := ri.inbound
	ri.inbound = nil
	clear(ri.queued)
	ri.mu.Unlock()

	b := ri.proxy.batcher
	for _, in := range queue {
		pl := in.player
		if pl.Closed() {
			continue
		}
		packets, err := b.Decode(b.Codec(pl), in.payload)
		if err != nil {
			pl.logger.Info().Err(err).Int("bytes", len(in.payload)).Msg("dropping player on bad batch")
			pl.close(MessageBadPacket, raknet.ReasonBadPacket, true)
			continue
		}
		for _, pk := range packets {
			if len(pk) > 0 && pk[0] == batch.ID {
				pl.logger.Info().Msg("nested batch from client")
				pl.close(MessageBadPacket, raknet.ReasonBadPacket, true)
				break
			}
			ri.proxy.HandleGamePacket(pl, pk)
		}
	}
	return nil
}

// Shutdown implements tick.Interface.
func (ri *RakNetInterface) Shutdown() error {
	if ri.listener == nil {
		return errors.New("raknet interface: no listener attached")
	}
	return ri.listener.Close()
}
