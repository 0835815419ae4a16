package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// JSONL drives agents that accept line-delimited JSON commands on stdin
// and emit line-delimited event records on stdout. Turn boundaries are
// explicit agent_end events; the agent's own session file path is its
// resume handle.
type JSONL struct {
	core

	// sessionPath is guarded by core.mu.
	sessionPath string
}

// NewJSONL creates a JSONL bridge. Call Start to spawn the agent.
func NewJSONL(opts Options) *JSONL {
	return &JSONL{core: newCore(opts, "jsonl-bridge")}
}

// Start spawns the agent and marks the bridge ready once the read loop is
// pulling stdout, giving immediate spawn failures a chance to surface.
func (b *JSONL) Start(ctx context.Context) error {
	args := append([]string{}, b.opts.Args...)
	if b.opts.ResumeHandle != "" {
		args = append(args, "--resume", b.opts.ResumeHandle)
	}
	if err := b.spawn(args, b.handleLine); err != nil {
		return err
	}

	select {
	case <-b.readerStarted:
	case <-ctx.Done():
		b.beginClose()
		b.shutdown()
		return ctx.Err()
	}
	b.markReady()
	return nil
}

// Send writes one prompt command.
func (b *JSONL) Send(text string) error {
	out, err := b.startTurn(text)
	if err != nil {
		return err
	}
	if err := b.send(&promptCommand{Type: "prompt", Message: out}); err != nil {
		b.turnRejected()
		return err
	}
	b.turnAccepted()
	return nil
}

// Abort cancels the active turn.
func (b *JSONL) Abort() {
	b.mu.Lock()
	ok := b.ready && !b.closing && b.inMessage
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := b.send(&abortCommand{Type: "abort"}); err != nil {
		b.logger.Warn("failed to send abort", zap.Error(err))
	}
}

// Close terminates the agent process.
func (b *JSONL) Close() {
	if !b.beginClose() {
		return
	}
	b.shutdown()
}

func (b *JSONL) handleLine(line []byte) {
	var msg commandMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		b.logger.Debug("dropping unparseable line", zap.Error(err))
		return
	}

	if b.maybeCancelDialog(&msg) {
		return
	}

	switch msg.Type {
	case eventMessageStart:
		// Opens a turn even when the agent speaks unprompted, so its text
		// still accumulates toward a complete event at agent_end.
		b.mu.Lock()
		if !b.inMessage {
			b.inMessage = true
			b.accumulator = ""
		}
		b.mu.Unlock()
	case eventMessageUpdate:
		b.handleAssistantEvent(msg.AssistantMessageEvent)
	case eventMessageEnd:
		// The assistant message closed; the turn itself ends at agent_end.
	case eventAgentEnd:
		b.finishTurn()
	case eventToolExecStart:
		b.emitTool(&msg, ToolStart)
	case eventToolExecUpd:
		b.emitTool(&msg, ToolUpdate)
	case eventToolExecEnd:
		b.emitTool(&msg, ToolEnd)
	case eventSession:
		b.handleSession(&msg)
	case eventResponse:
		if msg.Success != nil && !*msg.Success {
			b.failTurn(fmt.Errorf("agent command failed: %s", msg.Error))
		}
	default:
		b.logger.Debug("ignoring record", zap.String("type", msg.Type))
	}
}

// maybeCancelDialog auto-declines interactive UI dialog requests so
// headless turns never block on user input. The response type mirrors the
// request's, with the _request suffix swapped for _response.
func (b *JSONL) maybeCancelDialog(msg *commandMessage) bool {
	if msg.ID == "" {
		return false
	}
	switch msg.Method {
	case "select", "confirm", "input", "editor":
	default:
		return false
	}

	resp := &dialogResponse{
		Type:      strings.TrimSuffix(msg.Type, "_request") + "_response",
		ID:        msg.ID,
		Cancelled: true,
	}
	if err := b.send(resp); err != nil {
		b.logger.Warn("failed to cancel dialog request", zap.Error(err))
	}
	return true
}

func (b *JSONL) handleAssistantEvent(ev *assistantMessageEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case "text_delta":
		if ev.Delta != "" {
			b.appendDelta(ev.Delta)
		}
	case "text_start":
		// Consecutive text blocks arrive without separators; insert a
		// paragraph break between them.
		if b.turnText() != "" {
			b.appendDelta("\n\n")
		}
	case "error":
		b.failTurn(fmt.Errorf("agent error: %s", ev.Error))
	default:
		b.logger.Debug("ignoring assistant event", zap.String("type", ev.Type))
	}
}

func (b *JSONL) emitTool(msg *commandMessage, status ToolStatus) {
	if msg.ID == "" {
		return
	}
	b.events.Emit(&Event{Kind: KindTool, Tool: &ToolInfo{
		ID:     msg.ID,
		Name:   msg.ToolName,
		Status: status,
	}})
}

// handleSession records the agent's session file path, the durable handle
// used for resume.
func (b *JSONL) handleSession(msg *commandMessage) {
	if msg.SessionFile == "" {
		return
	}
	b.mu.Lock()
	changed := b.sessionPath != msg.SessionFile
	b.sessionPath = msg.SessionFile
	b.mu.Unlock()
	if changed {
		b.logger.Debug("agent session file", zap.String("path", msg.SessionFile))
		b.events.Emit(&Event{Kind: KindSession, Handle: msg.SessionFile})
	}
}
