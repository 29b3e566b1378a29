package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nethergate/nethergate/internal/tick"
)

const (
	wsWriteWait  = 5 * time.Second
	wsBufferSize = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusHub fans status snapshots out to websocket subscribers. A
// subscriber that falls behind misses snapshots instead of stalling the
// publisher.
type StatusHub struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	last   []byte
	closed bool
}

// NewStatusHub creates an empty hub.
func NewStatusHub() *StatusHub {
	return &StatusHub{subs: make(map[chan []byte]struct{})}
}

// Broadcast sends st to every subscriber.
func (h *StatusHub) Broadcast(st tick.Status) {
	data, err := json.Marshal(st)
	if err != nil {
		log.Warn().Err(err).Msg("failed to marshal status snapshot")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.last = data
	for ch := range h.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

// Subscribe returns a channel of snapshots, primed with the latest one.
func (h *StatusHub) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, wsBufferSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	if h.last != nil {
		ch <- h.last
	}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
}

// Len returns the number of subscribers.
func (h *StatusHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *StatusHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// handleStatusStream upgrades to a websocket and writes one JSON status
// snapshot per status refresh.
func (s *Server) handleStatusStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("client_ip", c.ClientIP()).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := s.hub.Subscribe()
	defer cancel()

	// reader only watches for the peer going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
