//go:build windows

package network

import (
	"net"
	"strings"
	"syscall"

	"golang.org/x/sys/windows"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// before binding and enlarges UDP socket buffers, matching the Linux build.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				h := windows.Handle(fd)
				opErr = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
				if opErr != nil || !strings.HasPrefix(network, "udp") {
					return
				}
				_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_RCVBUF, udpSocketBuffer)
				_ = windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_SNDBUF, udpSocketBuffer)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
