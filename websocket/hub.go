// Package websocket streams agent activity (tool actions, payment
// resolution steps, round summaries) to connected UIs.
package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perkkite/agent-commerce/logger"
	"github.com/perkkite/agent-commerce/types"
)

// Event is one broadcast activity record.
type Event struct {
	Type      string      `json:"type"`
	AgentID   string      `json:"agentId,omitempty"`
	Payload   interface{} `json:"payload"`
	Timestamp string      `json:"timestamp"`
}

// Event types.
const (
	EventAction = "action"
	EventTrace  = "trace"
	EventRound  = "round"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans events out to every connected client. Slow clients are
// dropped rather than allowed to stall the broadcast path.
type Hub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	log        *logger.Logger
}

// NewHub returns a hub; call Run on its own goroutine.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		log:        logger.Component("websocket"),
	}
}

// Run owns the client set. All map access happens here.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.log.Debugf("client connected, %d total", len(h.clients))
		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Publish broadcasts an event to all clients. Never blocks the
// caller; events are dropped when the hub is saturated.
func (h *Hub) Publish(eventType, agentID string, payload interface{}) {
	raw, err := json.Marshal(Event{
		Type:      eventType,
		AgentID:   agentID,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.log.Error("marshaling event", err)
		return
	}
	select {
	case h.broadcast <- raw:
	default:
		h.log.Warnf("event dropped, broadcast queue full")
	}
}

// PublishActions broadcasts each tool action from a finished turn.
func (h *Hub) PublishActions(agentID string, actions []types.ActionLog) {
	for _, a := range actions {
		h.Publish(EventAction, agentID, a)
	}
}

// PublishTrace broadcasts a payment resolution step trace.
func (h *Hub) PublishTrace(agentID string, trace []string) {
	if len(trace) == 0 {
		return
	}
	h.Publish(EventTrace, agentID, trace)
}

// ServeHTTP upgrades the connection and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("websocket upgrade failed", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, 32)}
	h.register <- c
	go c.writePump()
	go c.readPump()
}
