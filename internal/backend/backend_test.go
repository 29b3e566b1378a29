package backend

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nethergate/nethergate/internal/events"
	"github.com/nethergate/nethergate/internal/protocol"
)

type recordingHandler struct {
	mu      sync.Mutex
	added   []*Client
	data    [][]byte
	removed []string
}

func (h *recordingHandler) OnClientAdded(c *Client) {
	h.mu.Lock()
	h.added = append(h.added, c)
	h.mu.Unlock()
}

func (h *recordingHandler) OnPlayerData(c *Client, id uuid.UUID, payload []byte) {
	h.mu.Lock()
	h.data = append(h.data, payload)
	h.mu.Unlock()
}

func (h *recordingHandler) OnClientRemoved(c *Client, reason string) {
	h.mu.Lock()
	h.removed = append(h.removed, reason)
	h.mu.Unlock()
}

func startServer(t *testing.T, h Handler) (*Server, string, *events.EventBus) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	bus := events.NewEventBus()
	s := NewServer(Config{Addr: ln.Addr().String(), Password: "0123456789abcdef"}, h, bus)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		s.Shutdown("test done")
		bus.Stop()
	})
	return s, ln.Addr().String(), bus
}

func dialBackend(t *testing.T, addr, password string, lobby bool) (net.Conn, *protocol.HandshakeReply) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	hs := &protocol.Handshake{
		PasswordHash: PasswordHash(password),
		Description:  "lobby-1",
		Lobby:        lobby,
		MaxPlayers:   20,
		Host:         "10.0.0.5",
		Port:         19133,
	}
	if err := protocol.WritePacket(conn, protocol.Encode(hs)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := protocol.ReadPacket(conn)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	pkt, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	return conn, pkt.(*protocol.HandshakeReply)
}

func waitFor(t *testing.T, s *Server, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.Process()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestPasswordHash(t *testing.T) {
	if got := PasswordHash("password"); got != "5f4dcc3b5aa765d61d8327deb882cf99" {
		t.Fatalf("PasswordHash = %s", got)
	}
}

func TestHandshakeAndTraffic(t *testing.T) {
	h := &recordingHandler{}
	s, addr, _ := startServer(t, h)

	conn, reply := dialBackend(t, addr, "0123456789abcdef", true)
	defer conn.Close()
	if !reply.Accepted {
		t.Fatalf("handshake rejected: %s", reply.Reason)
	}

	waitFor(t, s, func() bool { return s.Clients().Len() == 1 })
	c := s.Clients().All()[0]
	if !c.IsLobby() || c.Address() != "10.0.0.5:19133" || c.MaxPlayers() != 20 {
		t.Fatalf("client = %s %v %d", c.Address(), c.IsLobby(), c.MaxPlayers())
	}
	if s.Clients().Fallback() != c {
		t.Fatal("lobby client not used as fallback")
	}

	id := uuid.New()
	_ = protocol.WritePacket(conn, protocol.Encode(&protocol.Info{TPS: 19.9, Load: 0.5, Uptime: 42, Players: 3}))
	_ = protocol.WritePacket(conn, protocol.Encode(&protocol.PlayerData{UUID: id, Payload: []byte{0x09, 0x01}}))
	waitFor(t, s, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.data) == 1
	})
	if tps, _, up := c.Load(); tps != 19.9 || up != 42 {
		t.Fatalf("info not applied: tps=%v up=%d", tps, up)
	}

	c.AddPlayer(id, "Steve")
	data := s.Clients().Snapshot()
	entry, ok := data.ClientList[c.Hash()]
	if !ok || entry.PlayerCount != 1 || entry.Description != "lobby-1" {
		t.Fatalf("snapshot = %+v", data)
	}
	if hash, ok := data.HashByDescription("lobby-1"); !ok || hash != c.Hash() {
		t.Fatalf("HashByDescription = %q %v", hash, ok)
	}

	_ = protocol.WritePacket(conn, protocol.Encode(&protocol.Disconnect{Reason: "restarting"}))
	waitFor(t, s, func() bool { return s.Clients().Len() == 0 })
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.added) != 1 || len(h.removed) != 1 || h.removed[0] != "restarting" {
		t.Fatalf("handler saw added=%d removed=%v", len(h.added), h.removed)
	}
}

func TestWrongPasswordRejected(t *testing.T) {
	h := &recordingHandler{}
	s, addr, _ := startServer(t, h)

	conn, reply := dialBackend(t, addr, "not-the-password", false)
	defer conn.Close()
	if reply.Accepted {
		t.Fatal("wrong password accepted")
	}
	s.Process()
	if s.Clients().Len() != 0 {
		t.Fatal("rejected backend registered")
	}
}

func TestShutdownClosesClients(t *testing.T) {
	h := &recordingHandler{}
	s, addr, bus := startServer(t, h)

	conn, reply := dialBackend(t, addr, "0123456789abcdef", false)
	defer conn.Close()
	if !reply.Accepted {
		t.Fatal("handshake rejected")
	}
	waitFor(t, s, func() bool { return s.Clients().Len() == 1 })

	if err := s.Shutdown("proxy closed"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := protocol.ReadPacket(conn)
	if err != nil {
		t.Fatalf("read disconnect: %v", err)
	}
	pkt, _ := protocol.Decode(data)
	if d, ok := pkt.(*protocol.Disconnect); !ok || d.Reason != "proxy closed" {
		t.Fatalf("got %#v", pkt)
	}
	if s.Clients().Len() != 0 {
		t.Fatal("client still registered after shutdown")
	}
	if bus.Emitted(events.EventBackendRemoved) != 1 {
		t.Fatalf("removed events = %d", bus.Emitted(events.EventBackendRemoved))
	}
}

func TestFallbackRandom(t *testing.T) {
	r := NewRegistry()
	if r.Fallback() != nil {
		t.Fatal("fallback on empty registry")
	}
	a := &Client{hash: "a", lobby: true, players: map[uuid.UUID]string{}}
	b := &Client{hash: "b", lobby: true, players: map[uuid.UUID]string{}}
	c := &Client{hash: "c", players: map[uuid.UUID]string{}}
	r.Add(a)
	r.Add(b)
	r.Add(c)
	r.intn = func(n int) int { return n - 1 }
	if r.Fallback() != b {
		t.Fatal("expected last lobby client")
	}
	if !r.Remove(b) || r.Remove(b) {
		t.Fatal("remove should succeed once")
	}
	if r.Fallback() != a || len(r.Lobby()) != 1 {
		t.Fatal("fallback not updated")
	}
}
