package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wirtbot/pkg/logging"
	"wirtbot/pkg/topology"
)

// WSMessage is the envelope sent to dashboard subscribers.
type WSMessage struct {
	Type    string      `json:"type"` // hello, event
	Payload interface{} `json:"payload,omitempty"`
}

const writeWait = 5 * time.Second

// Hub fans out topology events to websocket subscribers.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	subs     map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subs: map[*websocket.Conn]struct{}{},
	}
}

// HandleEvents upgrades the request and subscribes the connection. hello, if
// set, is written before any event.
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request, hello *WSMessage) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("ws upgrade failed remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	if hello != nil {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(hello); err != nil {
			_ = c.Close()
			return
		}
	}
	h.mu.Lock()
	h.subs[c] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	logging.Debugf("event subscriber connected remote=%s subscribers=%d", r.RemoteAddr, n)
	go h.readLoop(c)
}

// Publish writes msg to every subscriber and drops the ones that fail.
func (h *Hub) Publish(msg WSMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteJSON(msg); err != nil {
			_ = c.Close()
			delete(h.subs, c)
		}
	}
}

// PublishEvent is suitable as topology.Options.OnEvent.
func (h *Hub) PublishEvent(ev topology.Event) {
	h.Publish(WSMessage{Type: "event", Payload: ev})
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		_ = c.Close()
		delete(h.subs, c)
	}
}

// readLoop discards client frames; it only notices the disconnect.
func (h *Hub) readLoop(c *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.subs, c)
		h.mu.Unlock()
		_ = c.Close()
	}()
	for {
		if _, _, err := c.NextReader(); err != nil {
			return
		}
	}
}
