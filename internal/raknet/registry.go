package raknet

import (
	"net/netip"
	"sort"
	"sync"
	"time"
)

// Registry tracks live sessions by endpoint and counts them per source IP.
// It is the only place sessions are created and removed.
type Registry struct {
	mu          sync.RWMutex
	byEndpoint  map[netip.AddrPort]*Session
	perIP       map[netip.Addr]int
	maxSessions int
	onFault     FaultHandler
}

// NewRegistry creates a registry. maxSessions caps sessions per IP; zero
// means unlimited.
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		byEndpoint:  make(map[netip.AddrPort]*Session),
		perIP:       make(map[netip.Addr]int),
		maxSessions: maxSessions,
	}
}

// SetFaultHandler installs the invariant fault handler. Without one, a fault
// panics.
func (r *Registry) SetFaultHandler(h FaultHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFault = h
}

func canonical(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Admit creates a session for endpoint with build, unless the endpoint is
// already tracked or its IP is at the session cap.
func (r *Registry) Admit(endpoint netip.AddrPort, build func() *Session) (*Session, error) {
	endpoint = canonical(endpoint)
	ip := endpoint.Addr()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byEndpoint[endpoint]; exists {
		return nil, ErrSessionExists
	}
	if r.maxSessions > 0 && r.perIP[ip] >= r.maxSessions {
		return nil, ErrSessionLimit
	}

	s := build()
	r.byEndpoint[endpoint] = s
	r.perIP[ip]++
	return s, nil
}

// Lookup returns the session for endpoint, if any.
func (r *Registry) Lookup(endpoint netip.AddrPort) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byEndpoint[canonical(endpoint)]
	return s, ok
}

// Remove forgets s. It must be called once per admitted session; anything
// else is reported to the fault handler and returned.
func (r *Registry) Remove(s *Session) error {
	endpoint := canonical(s.Remote())
	ip := endpoint.Addr()

	r.mu.Lock()
	var fault *InvariantError
	switch current, ok := r.byEndpoint[endpoint]; {
	case !ok:
		fault = &InvariantError{Endpoint: endpoint, Detail: "session was not found in session map"}
	case current != s:
		fault = &InvariantError{Endpoint: endpoint, Detail: "a different session owns the endpoint"}
	default:
		count, counted := r.perIP[ip]
		if !counted || count <= 0 {
			fault = &InvariantError{Endpoint: endpoint, Detail: "session was not found in session counts"}
			break
		}
		if count <= 1 {
			delete(r.perIP, ip)
		} else {
			r.perIP[ip] = count - 1
		}
		delete(r.byEndpoint, endpoint)
	}
	handler := r.onFault
	r.mu.Unlock()

	if fault == nil {
		return nil
	}
	if handler == nil {
		panic(fault)
	}
	handler(fault)
	return fault
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEndpoint)
}

// CountFor returns the live session count for ip.
func (r *Registry) CountFor(ip netip.Addr) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perIP[ip.Unmap()]
}

// Sessions returns a snapshot of live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.byEndpoint))
	for _, s := range r.byEndpoint {
		out = append(out, s)
	}
	return out
}

// SessionInfo is a read-only view of one session.
type SessionInfo struct {
	Remote   string    `json:"remote"`
	GUID     uint64    `json:"guid"`
	State    State     `json:"state"`
	MTU      int       `json:"mtu"`
	Protocol int       `json:"protocol"`
	Created  time.Time `json:"created"`
}

// Snapshot describes live sessions ordered by endpoint.
func (r *Registry) Snapshot() []SessionInfo {
	sessions := r.Sessions()
	out := make([]SessionInfo, len(sessions))
	for i, s := range sessions {
		out[i] = SessionInfo{
			Remote:   s.Remote().String(),
			GUID:     s.GUID(),
			State:    s.State(),
			MTU:      s.MTU(),
			Protocol: s.ProtocolVersion(),
			Created:  s.Created(),
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}
