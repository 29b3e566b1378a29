package proxy

import (
	"net/netip"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PlayerRegistry indexes players by endpoint, and by UUID once logged in.
type PlayerRegistry struct {
	mu     sync.RWMutex
	byAddr map[netip.AddrPort]*Player
	byUUID map[uuid.UUID]*Player
}

// NewPlayerRegistry creates an empty registry.
func NewPlayerRegistry() *PlayerRegistry {
	return &PlayerRegistry{
		byAddr: make(map[netip.AddrPort]*Player),
		byUUID: make(map[uuid.UUID]*Player),
	}
}

// Add registers a connected player by endpoint.
func (r *PlayerRegistry) Add(p *Player) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddr[p.Address()] = p
}

// SetOnline indexes a logged in player by UUID. It returns the player that
// previously held the UUID, if any.
func (r *PlayerRegistry) SetOnline(p *Player) *Player {
	id := p.UUID()
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.byUUID[id]
	r.byUUID[id] = p
	if prev == p {
		return nil
	}
	return prev
}

// Remove unregisters p. It reports whether p was registered.
func (r *PlayerRegistry) Remove(p *Player) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := false
	if cur, ok := r.byAddr[p.Address()]; ok && cur == p {
		delete(r.byAddr, p.Address())
		removed = true
	}
	if id := p.UUID(); id != uuid.Nil {
		if cur, ok := r.byUUID[id]; ok && cur == p {
			delete(r.byUUID, id)
		}
	}
	return removed
}

// ByAddress looks a player up by endpoint.
func (r *PlayerRegistry) ByAddress(ap netip.AddrPort) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byAddr[ap]
	return p, ok
}

// ByUUID looks a logged in player up.
func (r *PlayerRegistry) ByUUID(id uuid.UUID) (*Player, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byUUID[id]
	return p, ok
}

// All returns every player sorted by name then address.
func (r *PlayerRegistry) All() []*Player {
	r.mu.RLock()
	out := make([]*Player, 0, len(r.byAddr))
	for _, p := range r.byAddr {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Name(), out[j].Name()
		if a != b {
			return a < b
		}
		return out[i].Address().String() < out[j].Address().String()
	})
	return out
}

// Len returns the number of connected players.
func (r *PlayerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAddr)
}

// OnlineLen returns the number of logged in players.
func (r *PlayerRegistry) OnlineLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUUID)
}

// Exact finds a player by name, ignoring case.
func (r *PlayerRegistry) Exact(name string) (*Player, bool) {
	for _, p := range r.All() {
		if strings.EqualFold(p.Name(), name) {
			return p, true
		}
	}
	return nil, false
}

// ByName finds the player whose name starts with prefix and is closest to
// it in length.
func (r *PlayerRegistry) ByName(prefix string) (*Player, bool) {
	prefix = strings.ToLower(prefix)
	var found *Player
	delta := int(^uint(0) >> 1)
	for _, p := range r.All() {
		name := strings.ToLower(p.Name())
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if d := len(name) - len(prefix); d < delta {
			found, delta = p, d
			if d == 0 {
				break
			}
		}
	}
	return found, found != nil
}

// Match returns the player named exactly partial, or every player whose
// name contains it.
func (r *PlayerRegistry) Match(partial string) []*Player {
	partial = strings.ToLower(partial)
	var matched []*Player
	for _, p := range r.All() {
		name := strings.ToLower(p.Name())
		if name == partial {
			return []*Player{p}
		}
		if strings.Contains(name, partial) {
			matched = append(matched, p)
		}
	}
	return matched
}

// PlayerInfo is a read-only view of a player for admin surfaces.
type PlayerInfo struct {
	Name        string    `json:"name"`
	UUID        string    `json:"uuid,omitempty"`
	Address     string    `json:"address"`
	Protocol    int32     `json:"protocol,omitempty"`
	Backend     string    `json:"backend,omitempty"`
	LoggedIn    bool      `json:"logged_in"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Info describes p.
func (p *Player) Info() PlayerInfo {
	p.mu.Lock()
	info := PlayerInfo{
		Name:        p.name,
		Address:     p.session.Remote().String(),
		Protocol:    p.protocol,
		LoggedIn:    p.loggedIn,
		ConnectedAt: p.created,
	}
	if p.loggedIn {
		info.UUID = p.id.String()
	}
	if p.client != nil {
		info.Backend = p.client.Description()
	}
	p.mu.Unlock()
	return info
}

// Infos describes every player in All order.
func (r *PlayerRegistry) Infos() []PlayerInfo {
	all := r.All()
	out := make([]PlayerInfo, len(all))
	for i, p := range all {
		out[i] = p.Info()
	}
	return out
}
