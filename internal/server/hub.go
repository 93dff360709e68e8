package server

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	writeWait = time.Second
	// sendBuffer is how many events a client may lag behind before it is
	// dropped.
	sendBuffer = 64
)

// Event is the envelope for every websocket message in both directions
// of the bridge.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// wsConn is the part of *websocket.Conn the hub writes through.
type wsConn interface {
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// client owns the outbound queue of one connection. Only writePump writes
// to conn.
type client struct {
	conn wsConn
	send chan Event
}

// Hub tracks connected websocket clients and fans events out to them.
// Broadcast never waits on the network: each client has its own writer
// goroutine, and a client whose queue is full is disconnected.
type Hub struct {
	log     logrus.FieldLogger
	mu      sync.Mutex
	clients map[wsConn]*client
}

// NewHub creates an empty hub.
func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[wsConn]*client),
	}
}

// add registers conn and starts its writer.
func (h *Hub) add(conn wsConn) {
	c := &client{conn: conn, send: make(chan Event, sendBuffer)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	go h.writePump(c)
}

func (h *Hub) writePump(c *client) {
	for ev := range c.send {
		err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err == nil {
			err = c.conn.WriteJSON(ev)
		}
		if err != nil {
			h.log.WithError(err).WithField("remote", c.conn.RemoteAddr()).Debug("dropping websocket client after failed write")
			h.remove(c.conn)
		}
	}
}

// remove unregisters and closes conn. Its writer exits once the queue
// drains.
func (h *Hub) remove(conn wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(conn)
}

func (h *Hub) dropLocked(conn wsConn) {
	c, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	close(c.send)
	conn.Close()
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// sendTo queues ev for conn alone. It reports false if conn is gone or
// too far behind.
func (h *Hub) sendTo(conn wsConn, ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[conn]
	if !ok {
		return false
	}
	return h.enqueueLocked(c, ev)
}

// Broadcast queues ev for every client.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		h.enqueueLocked(c, ev)
	}
}

func (h *Hub) enqueueLocked(c *client, ev Event) bool {
	select {
	case c.send <- ev:
		return true
	default:
		h.log.WithField("remote", c.conn.RemoteAddr()).Warn("websocket client too slow, disconnecting")
		h.dropLocked(c.conn)
		return false
	}
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		h.dropLocked(conn)
	}
}
