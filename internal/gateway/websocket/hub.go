// Package websocket fans session event streams out to browser clients.
// Clients subscribe to string topics (one per session); broadcasts reach
// exactly the connections subscribed to the topic at send time.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// Hub manages all WebSocket client connections and the topic table.
type Hub struct {
	logger *logger.Logger

	register   chan *Client
	unregister chan *Client
	broadcasts chan broadcastFrame

	// done is closed when Run exits so late registrations and broadcasts
	// do not block forever.
	done chan struct{}

	mu               sync.RWMutex
	clients          map[*Client]bool
	topicSubscribers map[string]map[*Client]bool
}

type broadcastFrame struct {
	topic string
	data  []byte
}

// NewHub creates a hub. Run must be started for it to process anything.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		logger:           log.WithFields(zap.String("component", "ws-hub")),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcasts:       make(chan broadcastFrame, 256),
		done:             make(chan struct{}),
		clients:          make(map[*Client]bool),
		topicSubscribers: make(map[string]map[*Client]bool),
	}
}

// Run is the hub's main processing loop. It exits when ctx is cancelled,
// disconnecting every client on the way out.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.CloseAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case frame := <-h.broadcasts:
			h.fanOut(frame)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client and drops all its topic subscriptions.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast marshals the payload once, with the topic injected, and queues
// it for every current subscriber of the topic.
func (h *Hub) Broadcast(topic string, payload map[string]interface{}) {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["topic"] = topic

	data, err := json.Marshal(out)
	if err != nil {
		h.logger.Error("failed to marshal broadcast",
			zap.String("topic", topic), zap.Error(err))
		return
	}

	select {
	case h.broadcasts <- broadcastFrame{topic: topic, data: data}:
	case <-h.done:
	}
}

// Subscribe adds the client to a topic.
func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topicSubscribers[topic]; !ok {
		h.topicSubscribers[topic] = make(map[*Client]bool)
	}
	h.topicSubscribers[topic][client] = true
	client.topics[topic] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("topic", topic))
}

// Unsubscribe removes the client from a topic.
func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.topics, topic)
	if clients, ok := h.topicSubscribers[topic]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicSubscribers, topic)
		}
	}
}

// CloseAll disconnects every client. Idempotent; called at shutdown after
// the session manager has closed its bridges.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.topicSubscribers = make(map[string]map[*Client]bool)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	for topic := range client.topics {
		if clients, ok := h.topicSubscribers[topic]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.topicSubscribers, topic)
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// fanOut delivers one frame to the topic's subscribers. The send is
// non-blocking: a client whose buffer is full misses the frame rather than
// stalling every other subscriber.
func (h *Hub) fanOut(frame broadcastFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.topicSubscribers[frame.topic] {
		select {
		case client.send <- frame.data:
		default:
			h.logger.Warn("dropping frame for slow client",
				zap.String("client_id", client.ID),
				zap.String("topic", frame.topic))
		}
	}
}
