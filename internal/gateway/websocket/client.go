package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Ping period. A client that misses two consecutive pongs is
	// disconnected, so dead connections linger for at most two periods.
	pingPeriod = 30 * time.Second

	// Inbound frames are subscribe/unsubscribe commands only.
	maxMessageSize = 4096

	// Outbound buffer per client; fan-out drops frames when it is full.
	sendBufferSize = 256
)

// Inbound frame actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// Client represents a single WebSocket connection and the topics it
// subscribed to. The topics map is guarded by the hub's mutex.
type Client struct {
	ID     string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	logger *logger.Logger
	topics map[string]bool

	mu    sync.Mutex
	alive bool
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:     id,
		conn:   conn,
		hub:    hub,
		send:   make(chan []byte, sendBufferSize),
		logger: log.WithFields(zap.String("client_id", id)),
		topics: make(map[string]bool),
		alive:  true,
	}
}

// controlFrame is the only inbound message shape.
type controlFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// ReadPump consumes subscribe/unsubscribe frames until the connection
// dies. Malformed frames are logged and skipped, never fatal. It owns the
// connection teardown.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.markAlive()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var frame controlFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("ignoring malformed frame", zap.Error(err))
			continue
		}

		switch frame.Action {
		case actionSubscribe:
			if frame.Topic == "" {
				c.logger.Warn("subscribe without topic")
				continue
			}
			c.hub.Subscribe(c, frame.Topic)
		case actionUnsubscribe:
			if frame.Topic == "" {
				c.logger.Warn("unsubscribe without topic")
				continue
			}
			c.hub.Unsubscribe(c, frame.Topic)
		default:
			c.logger.Debug("ignoring unknown action", zap.String("action", frame.Action))
		}
	}
}

// WritePump flushes queued frames and enforces liveness with a ping every
// pingPeriod; two consecutive missed pongs terminate the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	misses := 0
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if c.consumeAlive() {
				misses = 0
			} else {
				misses++
				if misses >= 2 {
					c.logger.Debug("closing unresponsive client")
					return
				}
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) markAlive() {
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

func (c *Client) consumeAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.alive
	c.alive = false
	return v
}
