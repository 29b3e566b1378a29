package cli

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/nethergate/nethergate/internal/backend"
	"github.com/nethergate/nethergate/internal/db"
	"github.com/nethergate/nethergate/internal/proxy"
	"github.com/nethergate/nethergate/internal/raknet"
	"github.com/nethergate/nethergate/internal/tick"
)

type stubMonitor struct{}

func (stubMonitor) Status() tick.Status {
	return tick.Status{Tick: 512, TPS: 99.5, Players: 2, Memory: "12 MB"}
}

type stubProxy struct{ kicked []string }

func (p *stubProxy) PlayerInfos() []proxy.PlayerInfo {
	return []proxy.PlayerInfo{
		{Name: "Steve", Address: "192.0.2.1:5000", Backend: "lobby", LoggedIn: true, ConnectedAt: time.Now()},
		{Address: "192.0.2.2:5000"},
	}
}

func (p *stubProxy) ClientData() backend.ClientData {
	return backend.ClientData{ClientList: map[string]backend.ClientEntry{
		"10.0.0.5:40000": {IP: "10.0.0.5", Port: 19133, Description: "lobby", PlayerCount: 1, MaxPlayers: 20},
	}}
}

func (p *stubProxy) Kick(name, reason string) bool {
	if name != "Steve" {
		return false
	}
	p.kicked = append(p.kicked, reason)
	return true
}

type stubSessions struct{}

func (stubSessions) Snapshot() []raknet.SessionInfo {
	return []raknet.SessionInfo{{Remote: "192.0.2.1:5000", GUID: 0xabc, State: raknet.StateConnected, MTU: 1400, Protocol: 11, Created: time.Now()}}
}

type stubBans struct{ bans []db.Ban }

func (b *stubBans) Ban(addr netip.Addr, reason string) (db.Ban, error) {
	ban := db.Ban{IP: addr.String(), Reason: reason, CreatedAt: time.Now()}
	b.bans = append(b.bans, ban)
	return ban, nil
}

func (b *stubBans) Unban(addr netip.Addr) error {
	for i, ban := range b.bans {
		if ban.IP == addr.String() {
			b.bans = append(b.bans[:i], b.bans[i+1:]...)
			return nil
		}
	}
	return db.ErrNotBanned
}

func (b *stubBans) List() []db.Ban { return b.bans }

func newTestCLI(in string) (*CLI, *bytes.Buffer, *stubProxy, *stubBans, *[]string) {
	var out bytes.Buffer
	p := &stubProxy{}
	b := &stubBans{}
	var stops []string
	c := NewCLI(Deps{
		Monitor:  stubMonitor{},
		Proxy:    p,
		Sessions: stubSessions{},
		Bans:     b,
		Shutdown: func(reason string) { stops = append(stops, reason) },
	}, strings.NewReader(in), &out)
	return c, &out, p, b, &stops
}

func TestTables(t *testing.T) {
	c, out, _, _, _ := newTestCLI("")
	for _, cmd := range []string{"status", "players", "servers", "sessions", "help"} {
		if err := c.Execute(cmd, nil); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}
	text := out.String()
	for _, want := range []string{"99.50", "12 MB", "Steve", "(logging in)", "10.0.0.5:19133", "1/20", "0000000000000abc", "kick <name> [reason]"} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestBanCommands(t *testing.T) {
	c, out, _, b, _ := newTestCLI("")
	if err := c.Execute("ban", nil); err == nil {
		t.Fatal("ban without address accepted")
	}
	if err := c.Execute("ban", []string{"bogus"}); err == nil {
		t.Fatal("bad address accepted")
	}
	if err := c.Execute("ban", []string{"198.51.100.4", "x-ray", "client"}); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if len(b.bans) != 1 || b.bans[0].Reason != "x-ray client" {
		t.Fatalf("bans = %+v", b.bans)
	}
	c.Execute("bans", nil)
	if !strings.Contains(out.String(), "198.51.100.4") {
		t.Fatal("ban not listed")
	}
	if err := c.Execute("unban", []string{"198.51.100.4"}); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if err := c.Execute("unban", []string{"198.51.100.4"}); !errors.Is(err, db.ErrNotBanned) {
		t.Fatalf("second unban = %v", err)
	}
}

func TestKickCommand(t *testing.T) {
	c, _, p, _, _ := newTestCLI("")
	if err := c.Execute("kick", []string{"Alex"}); err == nil {
		t.Fatal("kicking unknown player succeeded")
	}
	if err := c.Execute("kick", []string{"Steve", "go", "home"}); err != nil {
		t.Fatalf("kick: %v", err)
	}
	if len(p.kicked) != 1 || p.kicked[0] != "go home" {
		t.Fatalf("kicked = %v", p.kicked)
	}
}

func TestStartStopsOnStopCommand(t *testing.T) {
	c, out, _, _, stops := newTestCLI("\nfrobnicate\nstop maintenance\nstatus\n")
	done := make(chan struct{})
	go func() {
		c.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("console did not stop")
	}
	if len(*stops) != 1 || (*stops)[0] != "maintenance" {
		t.Fatalf("stops = %v", *stops)
	}
	if !strings.Contains(out.String(), "Unknown command: 'frobnicate'") {
		t.Fatal("unknown command not reported")
	}
	if strings.Contains(out.String(), "99.50") {
		t.Fatal("command after stop was executed")
	}
}
