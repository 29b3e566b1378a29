// Package network holds socket helpers shared by the RakNet listener and the
// backend link: listen configs, per-IP rate limiting, and address parsing.
package network

import (
	"net"
	"net/netip"
)

const udpSocketBuffer = 4 << 20

// AddrPortOf converts a net.Addr into a canonical netip.AddrPort. IPv4
// addresses mapped into IPv6 are unmapped so one client always has one key.
func AddrPortOf(addr net.Addr) (netip.AddrPort, bool) {
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap = a.AddrPort()
	case *net.TCPAddr:
		ap = a.AddrPort()
	default:
		if addr == nil {
			return netip.AddrPort{}, false
		}
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		ap = parsed
	}
	if !ap.IsValid() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
}
