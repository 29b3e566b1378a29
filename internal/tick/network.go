package tick

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Interface is a transport feeding the proxy, pumped once per tick.
type Interface interface {
	Name() string
	Process() error
	Shutdown() error
}

// Network holds the registered transport interfaces.
type Network struct {
	mu     sync.RWMutex
	ifaces []Interface
}

// NewNetwork creates an empty Network.
func NewNetwork() *Network {
	return &Network{}
}

// RegisterInterface adds iface.
func (n *Network) RegisterInterface(iface Interface) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ifaces = append(n.ifaces, iface)
}

// UnregisterInterface removes iface.
func (n *Network) UnregisterInterface(iface Interface) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, cur := range n.ifaces {
		if cur == iface {
			n.ifaces = append(n.ifaces[:i], n.ifaces[i+1:]...)
			return
		}
	}
}

// Interfaces returns a copy of the registered interfaces.
func (n *Network) Interfaces() []Interface {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Interface(nil), n.ifaces...)
}

// ProcessInterfaces pumps every interface. Errors are logged.
func (n *Network) ProcessInterfaces() {
	for _, iface := range n.Interfaces() {
		if err := iface.Process(); err != nil {
			log.Error().Err(err).Str("interface", iface.Name()).Msg("network interface failed")
		}
	}
}
