package events

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/stakefit/settlement-engine/internal/metrics"
)

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	// challengeID limits delivery to one challenge; empty follows all.
	challengeID string
}

func (c *client) wants(e Event) bool {
	return c.challengeID == "" || c.challengeID == e.ChallengeID
}

// Hub fans settlement events out to WebSocket subscribers. All client
// bookkeeping happens on the Run goroutine; each connection has its own
// write loop so one slow reader never stalls the others.
type Hub struct {
	clients    map[*client]struct{}
	events     chan Event
	register   chan *client
	unregister chan *client
	stopped    chan struct{}
	count      atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		events:     make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
	}
}

// Run owns the subscriber set until done is closed.
func (h *Hub) Run(done <-chan struct{}) {
	defer close(h.stopped)
	for {
		select {
		case <-done:
			for c := range h.clients {
				h.drop(c)
			}
			h.updateCount()
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.updateCount()
			log.Debug().Str("challenge_id", c.challengeID).Int("total", len(h.clients)).Msg("ws client connected")

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				h.drop(c)
				h.updateCount()
			}

		case e := <-h.events:
			data, err := json.Marshal(e)
			if err != nil {
				log.Error().Err(err).Str("type", e.Type).Msg("encode event")
				continue
			}
			for c := range h.clients {
				if !c.wants(e) {
					continue
				}
				select {
				case c.send <- data:
				default:
					log.Warn().Str("challenge_id", c.challengeID).Msg("ws client too slow, disconnecting")
					h.drop(c)
				}
			}
			h.updateCount()
		}
	}
}

// drop must only be called from Run.
func (h *Hub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) updateCount() {
	n := len(h.clients)
	h.count.Store(int64(n))
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.count.Load()) }

// Publish queues an event. It never blocks; when the queue is full the
// event is dropped and logged.
func (h *Hub) Publish(e Event) {
	select {
	case h.events <- e:
	default:
		log.Warn().Str("type", e.Type).Str("challenge_id", e.ChallengeID).Msg("event queue full, event dropped")
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// HandleWS upgrades GET /api/v1/ws. An optional challenge_id query
// parameter restricts the stream to that challenge.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &client{
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		challengeID: r.URL.Query().Get("challenge_id"),
	}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}

	go h.writeLoop(c)
	go h.readLoop(c)
}

// readLoop discards client messages; it exists to process pongs and to
// notice disconnects.
func (h *Hub) readLoop(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
