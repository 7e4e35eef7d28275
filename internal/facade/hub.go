package facade

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nocturne-chord/peer/internal/ratelimit"
)

// WSMessage is the inbound WebSocket envelope, mirroring the teacher's
// mesh.WSMessage framing. Only "ping" is recognized; everything else is
// answered with an error so that a misbehaving client fails loudly.
type WSMessage struct {
	Type string `json:"type"`
}

// WSResponse is the outbound WebSocket envelope. Notification broadcasts
// use Type "notification" with Payload set to the message text.
type WSResponse struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NotificationHub fans a peer's Engine notification callback out to every
// subscribed WebSocket client, grounded on the teacher's mesh.Tracker
// register/unregister pattern generalized from mesh-node connections to
// notification subscribers.
type NotificationHub struct {
	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

// NewNotificationHub creates an empty hub.
func NewNotificationHub() *NotificationHub {
	return &NotificationHub{clients: make(map[string]*websocket.Conn)}
}

// Notify is the callback to pass as protocol.New's notify argument: it
// broadcasts message to every connected client, best effort.
func (h *NotificationHub) Notify(message string) {
	resp := WSResponse{Type: "notification", Payload: message}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.clients {
		if err := conn.WriteJSON(resp); err != nil {
			log.Printf("[facade] notify %s: %v", id, err)
			conn.Close()
			delete(h.clients, id)
		}
	}
}

// Handle upgrades the connection and keeps it registered until the client
// disconnects or misbehaves, per spec.md §4.6's "push" notification
// channel. Each connection gets its own rate limiter against inbound
// message floods, grounded on the teacher's per-mesh-connection limiter
// in internal/mesh/ws.go.
func (h *NotificationHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[facade] websocket upgrade: %v", err)
		return
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.clients[id] = conn
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		conn.Close()
	}()

	limiter := ratelimit.New(60, time.Minute)

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[facade] websocket read error: %v", err)
			}
			return
		}

		if !limiter.Allow() {
			conn.WriteJSON(WSResponse{Type: "error", Payload: "rate limit exceeded"}) //nolint:errcheck
			continue
		}

		switch msg.Type {
		case "ping":
			if err := conn.WriteJSON(WSResponse{Type: "pong", Payload: id}); err != nil {
				return
			}
		default:
			conn.WriteJSON(WSResponse{Type: "error", Payload: "unknown message type: " + msg.Type}) //nolint:errcheck
		}
	}
}
