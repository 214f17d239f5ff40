package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"breakout-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsClient is one connected operator console.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// eventHub fans the lifecycle event stream out to websocket clients. A slow
// client gets dropped rather than backing up the broadcast loop.
type eventHub struct {
	mu        sync.Mutex
	clients   map[*wsClient]bool
	broadcast chan []byte
	done      chan struct{}
	logger    zerolog.Logger
}

func newEventHub(bus *events.Bus, logger zerolog.Logger) *eventHub {
	h := &eventHub{
		clients:   make(map[*wsClient]bool),
		broadcast: make(chan []byte, 4096),
		done:      make(chan struct{}),
		logger:    logger.With().Str("component", "EventHub").Logger(),
	}
	bus.SubscribeAll(func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case h.broadcast <- data:
		default:
			// Broadcast buffer full; drop the event for websocket
			// consumers. The bus is not the system of record.
		}
	})
	return h
}

func (h *eventHub) start() {
	go h.run()
}

func (h *eventHub) stop() {
	close(h.done)
}

func (h *eventHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *eventHub) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writeLoop()
	go client.readLoop(h)
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// readLoop drains client frames so pings and close frames are processed.
// The stream is one-way; inbound payloads are discarded.
func (c *wsClient) readLoop(h *eventHub) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
