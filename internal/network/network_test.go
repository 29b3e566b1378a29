package network

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestRateTrackerWindow(t *testing.T) {
	rt := NewRateTracker(2)
	now := time.Unix(1000, 0)
	rt.now = func() time.Time { return now }

	ip := netip.MustParseAddr("10.0.0.1")
	other := netip.MustParseAddr("10.0.0.2")

	if !rt.Allow(ip) || !rt.Allow(ip) {
		t.Fatalf("first two events should pass")
	}
	if rt.Allow(ip) {
		t.Fatalf("third event in window should be refused")
	}
	if !rt.Allow(other) {
		t.Fatalf("limit must be per IP")
	}

	now = now.Add(time.Second)
	if !rt.Allow(ip) {
		t.Fatalf("new window should reset the count")
	}
	if rt.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", rt.Dropped())
	}

	now = now.Add(3 * time.Second)
	if n := rt.Sweep(); n != 2 {
		t.Fatalf("swept %d buckets, want 2", n)
	}
}

func TestRateTrackerDisabled(t *testing.T) {
	rt := NewRateTracker(0)
	ip := netip.MustParseAddr("10.0.0.1")
	for i := 0; i < 100; i++ {
		if !rt.Allow(ip) {
			t.Fatalf("disabled tracker refused event %d", i)
		}
	}
}

func TestAddrPortOfUnmaps(t *testing.T) {
	udp := &net.UDPAddr{IP: net.ParseIP("::ffff:192.168.1.5"), Port: 19132}
	ap, ok := AddrPortOf(udp)
	if !ok {
		t.Fatalf("conversion failed")
	}
	if !ap.Addr().Is4() || ap.String() != "192.168.1.5:19132" {
		t.Fatalf("got %s, want unmapped IPv4", ap)
	}
}

func TestReuseAddrListenConfigUDP(t *testing.T) {
	lc := ReuseAddrListenConfig()
	conn, err := lc.ListenPacket(t.Context(), "udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	client, err := net.Dial("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if _, err := client.Write([]byte{0x01}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	n, _, err := conn.ReadFrom(buf)
	if err != nil || n != 1 || buf[0] != 0x01 {
		t.Fatalf("read n=%d err=%v", n, err)
	}
}
