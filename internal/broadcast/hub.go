package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Event types delivered over the client stream.
const (
	EventConnected            = "connected"
	EventNewEmail             = "new_email"
	EventClassificationUpdate = "classification_update"
)

// Connection is one live client stream. Frames are pre-encoded SSE frames.
type Connection struct {
	UserID string

	ch   chan []byte
	once sync.Once
}

// Frames returns the channel the transport drains. It is closed when the
// connection is removed from the hub.
func (c *Connection) Frames() <-chan []byte {
	return c.ch
}

func (c *Connection) close() {
	c.once.Do(func() { close(c.ch) })
}

// Hub fans events out to all live connections of a user. Events are
// fire-and-forget: a connection that is not open at publish time never
// receives the event, and clients re-fetch current state on (re)connect.
type Hub struct {
	mu     sync.Mutex
	conns  map[string]map[*Connection]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]map[*Connection]struct{}),
		logger: logger,
	}
}

// Subscribe registers a connection for a user. The first frame is always
// `connected` so the client can tell "stream open" from "no data yet".
func (h *Hub) Subscribe(userID string) *Connection {
	conn := &Connection{
		UserID: userID,
		ch:     make(chan []byte, 16),
	}
	conn.ch <- frame(EventConnected, map[string]string{"user_id": userID})

	h.mu.Lock()
	if _, ok := h.conns[userID]; !ok {
		h.conns[userID] = make(map[*Connection]struct{})
	}
	h.conns[userID][conn] = struct{}{}
	h.mu.Unlock()

	return conn
}

// Unsubscribe removes a connection and closes its frame channel.
func (h *Hub) Unsubscribe(conn *Connection) {
	h.mu.Lock()
	h.remove(conn)
	h.mu.Unlock()
}

// Publish delivers one event to every open connection for userID and to no
// one else. A connection that cannot accept the write is dropped; the rest
// are unaffected. Returns how many connections received the event.
func (h *Hub) Publish(userID, event string, payload any) int {
	data := frame(event, payload)

	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for conn := range h.conns[userID] {
		select {
		case conn.ch <- data:
			delivered++
		default:
			// Stalled client; drop the connection, not the others.
			h.logger.Warn("dropping stalled stream connection", "user", userID)
			h.remove(conn)
		}
	}
	return delivered
}

// remove must be called with h.mu held.
func (h *Hub) remove(conn *Connection) {
	if set, ok := h.conns[conn.UserID]; ok {
		if _, ok := set[conn]; ok {
			delete(set, conn)
			conn.close()
		}
		if len(set) == 0 {
			delete(h.conns, conn.UserID)
		}
	}
}

func frame(event string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte("{}")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}
