package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"

	"civicreport/metrics"
	"civicreport/models"
)

const (
	MessageTypeState  = "state"
	MessageTypeReport = "report"
)

// BroadcastMessage is the envelope of everything sent to live-feed clients.
type BroadcastMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// StateChange reports that a pipeline worker entered a new state.
type StateChange struct {
	Worker int          `json:"worker"`
	State  models.State `json:"state"`
}

// Hub manages WebSocket connections and broadcasting
type Hub struct {
	clients map[*Client]bool

	broadcast chan []byte

	Register   chan *Client
	Unregister chan *Client

	done chan struct{}

	mutex sync.RWMutex

	connectedClients int
	broadcasts       int
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mutex.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.setConnected()
			h.mutex.Unlock()
			return

		case client := <-h.Register:
			h.mutex.Lock()
			h.clients[client] = true
			h.setConnected()
			h.mutex.Unlock()
			log.Infof("Client connected. Total clients: %d", h.Connected())

		case client := <-h.Unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.setConnected()
			}
			h.mutex.Unlock()
			log.Infof("Client disconnected. Total clients: %d", h.Connected())

		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client, drop it.
					close(client.send)
					delete(h.clients, client)
				}
			}
			h.setConnected()
			h.broadcasts++
			h.mutex.Unlock()
		}
	}
}

// Stop ends Run and closes every client.
func (h *Hub) Stop() {
	close(h.done)
}

// setConnected must be called with the mutex held.
func (h *Hub) setConnected() {
	h.connectedClients = len(h.clients)
	metrics.WebsocketClients.Set(float64(h.connectedClients))
}

// BroadcastState announces a pipeline state change.
func (h *Hub) BroadcastState(worker int, state models.State) {
	h.send(MessageTypeState, StateChange{Worker: worker, State: state})
}

// BroadcastReport announces a finished report. The evidence payload is not sent.
func (h *Hub) BroadcastReport(r models.Report) {
	r.Evidence = ""
	h.send(MessageTypeReport, r)
}

func (h *Hub) send(messageType string, data interface{}) {
	message := BroadcastMessage{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now(),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		log.Errorf("Failed to marshal broadcast message: %v", err)
		return
	}

	select {
	case h.broadcast <- payload:
	default:
		log.Warnf("Broadcast queue full, dropping %s message", messageType)
	}
}

// Connected returns the number of connected clients.
func (h *Hub) Connected() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.connectedClients
}

// GetStats returns the connected client count and the number of broadcasts sent.
func (h *Hub) GetStats() (int, int) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.connectedClients, h.broadcasts
}
