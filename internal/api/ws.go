package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/braincanary/braincanary/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 64
)

// wsHub fans the event bus out to websocket clients. Slow clients are
// disconnected rather than buffered without bound.
type wsHub struct {
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	stopped bool
	done    chan struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan events.Event
}

func newWSHub(bus *events.Bus) *wsHub {
	return &wsHub{
		bus:     bus,
		clients: make(map[*wsClient]struct{}),
		done:    make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Local dashboard use; the server binds localhost by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// start begins pumping bus events to connected clients.
func (h *wsHub) start() {
	ch := h.bus.Subscribe("api.ws")
	go func() {
		defer close(h.done)
		for ev := range ch {
			h.broadcast(ev)
		}
	}()
}

func (h *wsHub) stop() {
	h.mu.Lock()
	h.stopped = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.bus.Unsubscribe("api.ws")
	<-h.done
}

func (h *wsHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *wsHub) broadcast(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Client cannot keep up; drop it.
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *wsHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan events.Event, wsSendBuffer)}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	go h.writePump(client)
	go h.readPump(client)
}

// writePump serializes events to one client and keeps the connection
// alive with pings.
func (h *wsHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and detects disconnects.
func (h *wsHub) readPump(c *wsClient) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
