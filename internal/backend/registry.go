package backend

import (
	"encoding/json"
	"math/rand/v2"
	"sort"
	"sync"
)

// Registry tracks authenticated backends by hash.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	lobby   map[string]*Client
	intn    func(n int) int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		lobby:   make(map[string]*Client),
		intn:    rand.IntN,
	}
}

// Add registers a client, replacing any client with the same hash.
func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.hash] = c
	if c.lobby {
		r.lobby[c.hash] = c
	}
}

// Remove unregisters c. It reports whether c was registered.
func (r *Registry) Remove(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clients[c.hash] != c {
		return false
	}
	delete(r.clients, c.hash)
	delete(r.lobby, c.hash)
	return true
}

// Get returns the client with the given hash.
func (r *Registry) Get(hash string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[hash]
	return c, ok
}

// ByDescription returns the first client announcing description.
func (r *Registry) ByDescription(description string) (*Client, bool) {
	for _, c := range r.All() {
		if c.description == description {
			return c, true
		}
	}
	return nil, false
}

// All returns the clients sorted by hash.
func (r *Registry) All() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].hash < out[j].hash })
	return out
}

// Lobby returns the clients flagged as lobby servers.
func (r *Registry) Lobby() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.lobby))
	for _, c := range r.lobby {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].hash < out[j].hash })
	return out
}

// Fallback picks a random lobby client, or nil when there is none.
func (r *Registry) Fallback() *Client {
	lobby := r.Lobby()
	switch len(lobby) {
	case 0:
		return nil
	case 1:
		return lobby[0]
	default:
		return lobby[r.intn(len(lobby))]
	}
}

// Len returns the number of clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// ClientEntry is one backend in the ClientData snapshot.
type ClientEntry struct {
	IP          string  `json:"ip"`
	Port        uint16  `json:"port"`
	PlayerCount int     `json:"playerCount"`
	MaxPlayers  int     `json:"maxPlayers"`
	Description string  `json:"description"`
	TPS         float32 `json:"tps"`
	Load        float32 `json:"load"`
	UpTime      uint64  `json:"upTime"`
}

// ClientData is the server list shared with backends and admin surfaces.
type ClientData struct {
	ClientList map[string]ClientEntry `json:"clientList"`
}

// HashByDescription finds the hash of the backend announcing description.
func (d ClientData) HashByDescription(description string) (string, bool) {
	for hash, e := range d.ClientList {
		if e.Description == description {
			return hash, true
		}
	}
	return "", false
}

// Snapshot builds ClientData from the registered clients.
func (r *Registry) Snapshot() ClientData {
	data := ClientData{ClientList: make(map[string]ClientEntry)}
	for _, c := range r.All() {
		tps, load, up := c.Load()
		data.ClientList[c.hash] = ClientEntry{
			IP:          c.host,
			Port:        c.port,
			PlayerCount: c.PlayerCount(),
			MaxPlayers:  c.maxPlayers,
			Description: c.description,
			TPS:         tps,
			Load:        load,
			UpTime:      up,
		}
	}
	return data
}

// JSON renders the snapshot.
func (d ClientData) JSON() ([]byte, error) {
	return json.Marshal(d)
}
