package websocket

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/agent/bridge"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// SessionEvents is the slice of the session manager the notifier needs.
type SessionEvents interface {
	OnDelta(sessionID int64, fn func(text string)) (func(), error)
	OnStatus(sessionID int64, fn func(status string)) (func(), error)
	OnTool(sessionID int64, fn func(tool *bridge.ToolInfo)) (func(), error)
	OnComplete(sessionID int64, fn func(fullText string, messageID int64)) (func(), error)
	OnError(sessionID int64, fn func(err error)) (func(), error)
}

// Notifier forwards a session's event stream onto its WebSocket topic.
type Notifier struct {
	hub    *Hub
	logger *logger.Logger
}

// NewNotifier creates a notifier bound to the hub.
func NewNotifier(hub *Hub, log *logger.Logger) *Notifier {
	return &Notifier{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-session-notifier")),
	}
}

// SessionTopic is the topic carrying a session's streamed events.
func SessionTopic(sessionID int64) string {
	return fmt.Sprintf("session/%d", sessionID)
}

// Attach subscribes to every stream kind of a live session and broadcasts
// each event onto the session topic. The subscriptions live and die with
// the session's bridge, so there is nothing to detach.
func (n *Notifier) Attach(mgr SessionEvents, sessionID int64) error {
	topic := SessionTopic(sessionID)

	if _, err := mgr.OnDelta(sessionID, func(text string) {
		n.hub.Broadcast(topic, map[string]interface{}{
			"type": "delta",
			"text": text,
		})
	}); err != nil {
		return err
	}

	if _, err := mgr.OnStatus(sessionID, func(status string) {
		n.hub.Broadcast(topic, map[string]interface{}{
			"type":   "status",
			"status": status,
		})
	}); err != nil {
		return err
	}

	if _, err := mgr.OnTool(sessionID, func(tool *bridge.ToolInfo) {
		n.hub.Broadcast(topic, map[string]interface{}{
			"type":   "tool",
			"id":     tool.ID,
			"name":   tool.Name,
			"status": string(tool.Status),
		})
	}); err != nil {
		return err
	}

	if _, err := mgr.OnComplete(sessionID, func(fullText string, messageID int64) {
		n.hub.Broadcast(topic, map[string]interface{}{
			"type":       "complete",
			"full_text":  fullText,
			"message_id": messageID,
		})
	}); err != nil {
		return err
	}

	if _, err := mgr.OnError(sessionID, func(err error) {
		n.hub.Broadcast(topic, map[string]interface{}{
			"type":  "error",
			"error": err.Error(),
		})
	}); err != nil {
		return err
	}

	n.logger.Debug("session stream attached", zap.Int64("session_id", sessionID))
	return nil
}
