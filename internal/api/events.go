package api

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/its-billboard/billboard-agent/internal/sensor"
)

const (
	EventDataUpdate   = "era-iot-data-update"
	EventStatusUpdate = "era-iot-status-update"

	clientBuffer = 16
	writeWait    = 10 * time.Second
)

// Event is one frame of the push stream.
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The display runs on the same host and may load from file:// origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan Event
}

// Hub fans store updates out to every connected WebSocket. A client that
// cannot keep up loses frames instead of stalling the store.
type Hub struct {
	store  *sensor.Store
	logger *log.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool

	dataSub   *sensor.Subscription
	statusSub *sensor.Subscription
}

// NewHub subscribes to store and returns a hub ready to serve upgrades.
func NewHub(store *sensor.Store, logger *log.Logger) *Hub {
	h := &Hub{store: store, logger: logger, clients: make(map[*wsClient]struct{})}
	h.dataSub = store.SubscribeData(func(r sensor.Reading) {
		h.broadcast(Event{Event: EventDataUpdate, Data: r})
	})
	h.statusSub = store.SubscribeStatus(func(u sensor.StatusUpdate) {
		h.broadcast(Event{Event: EventStatusUpdate, Data: u})
	})
	return h
}

func (h *Hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Printf("Dropping %s for slow client %s", ev.Event, c.conn.RemoteAddr())
		}
	}
}

// ServeHTTP upgrades the request and streams events until the peer goes away.
// The current snapshot and status are sent first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	c := &wsClient{conn: conn, send: make(chan Event, clientBuffer)}

	snap := h.store.Snapshot()
	c.send <- Event{Event: EventDataUpdate, Data: snap}
	c.send <- Event{Event: EventStatusUpdate, Data: sensor.StatusUpdate{
		Status:      snap.Status,
		Message:     snap.ErrorMessage,
		LastUpdated: snap.LastUpdated,
	}}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)

	// Inbound frames are ignored; reading detects the close.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *Hub) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for ev := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			h.logger.Printf("WebSocket write failed: %v", err)
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Clients reports how many WebSockets are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close detaches from the store and disconnects every client.
func (h *Hub) Close() {
	h.dataSub.Unsubscribe()
	h.statusSub.Unsubscribe()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
