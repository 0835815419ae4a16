package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NDJSON drives agents that emit one streaming JSON record per line.
// Turn boundaries are explicit result records; the agent's session id
// arrives with the first init record and doubles as the resume handle.
type NDJSON struct {
	core

	// sessionID and activeTools are guarded by core.mu.
	sessionID   string
	activeTools map[string]string
}

// NewNDJSON creates an NDJSON bridge. Call Start to spawn the agent.
func NewNDJSON(opts Options) *NDJSON {
	return &NDJSON{
		core:        newCore(opts, "ndjson-bridge"),
		activeTools: make(map[string]string),
	}
}

// Start spawns the agent. The bridge is ready immediately: the first init
// record arrives with the first response, not before.
func (b *NDJSON) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	args := append([]string{}, b.opts.Args...)
	if b.opts.ResumeHandle != "" {
		args = append(args, "--resume", b.opts.ResumeHandle)
	}
	if err := b.spawn(args, b.handleLine); err != nil {
		return err
	}
	b.markReady()
	return nil
}

// Send writes one user turn.
func (b *NDJSON) Send(text string) error {
	out, err := b.startTurn(text)
	if err != nil {
		return err
	}

	b.mu.Lock()
	sessionID := b.sessionID
	b.mu.Unlock()

	frame := &userFrame{
		Type: "user",
		Message: userPayload{
			Role:    "user",
			Content: out,
		},
		SessionID:       sessionID,
		ParentToolUseID: nil,
	}
	if err := b.send(frame); err != nil {
		b.turnRejected()
		return err
	}
	b.turnAccepted()
	return nil
}

// Abort asks the agent to interrupt the active turn.
func (b *NDJSON) Abort() {
	b.mu.Lock()
	ok := b.ready && !b.closing && b.inMessage
	b.mu.Unlock()
	if !ok {
		return
	}
	frame := &interruptFrame{
		Type:      "control_request",
		Request:   interruptRequest{Subtype: "interrupt"},
		RequestID: uuid.New().String(),
	}
	if err := b.send(frame); err != nil {
		b.logger.Warn("failed to send interrupt", zap.Error(err))
	}
}

// Close terminates the agent process.
func (b *NDJSON) Close() {
	if !b.beginClose() {
		return
	}
	b.shutdown()
}

func (b *NDJSON) handleLine(line []byte) {
	var msg agentRecord
	if err := json.Unmarshal(line, &msg); err != nil {
		b.logger.Debug("dropping unparseable line", zap.Error(err))
		return
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" {
			b.handleInit(&msg)
		}
	case "assistant":
		b.events.Emit(&Event{Kind: KindStatus, Status: StatusWorking})
	case "stream_event":
		b.handleStreamEvent(msg.Event)
	case "tool_progress":
		if msg.ToolUseID != "" {
			b.events.Emit(&Event{Kind: KindTool, Tool: &ToolInfo{
				ID:     msg.ToolUseID,
				Name:   msg.ToolName,
				Status: ToolUpdate,
			}})
		}
	case "user":
		b.handleToolResults(msg.Message)
	case "result":
		b.handleResult(&msg)
	case "keep_alive":
		// Heartbeat only.
	default:
		b.logger.Debug("ignoring record", zap.String("type", msg.Type))
	}
}

// handleInit captures the agent session id from the first init record.
func (b *NDJSON) handleInit(msg *agentRecord) {
	if msg.SessionID == "" {
		return
	}
	b.mu.Lock()
	first := b.sessionID == ""
	if first {
		b.sessionID = msg.SessionID
	}
	b.mu.Unlock()
	if first {
		b.logger.Debug("agent session established", zap.String("session_id", msg.SessionID))
		b.events.Emit(&Event{Kind: KindSession, Handle: msg.SessionID})
	}
}

func (b *NDJSON) handleStreamEvent(ev *streamEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case "content_block_delta":
		if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			b.appendDelta(ev.Delta.Text)
		}
	case "content_block_start":
		if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
			b.mu.Lock()
			b.activeTools[ev.ContentBlock.ID] = ev.ContentBlock.Name
			b.mu.Unlock()
			b.events.Emit(&Event{Kind: KindTool, Tool: &ToolInfo{
				ID:     ev.ContentBlock.ID,
				Name:   ev.ContentBlock.Name,
				Status: ToolStart,
			}})
		}
	}
}

// handleToolResults resolves tool_result blocks echoed back as user records
// and closes out the matching tool executions.
func (b *NDJSON) handleToolResults(body *messageBody) {
	if body == nil {
		return
	}
	for _, block := range body.Content {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}
		b.mu.Lock()
		name := b.activeTools[block.ToolUseID]
		delete(b.activeTools, block.ToolUseID)
		b.mu.Unlock()
		b.events.Emit(&Event{Kind: KindTool, Tool: &ToolInfo{
			ID:     block.ToolUseID,
			Name:   name,
			Status: ToolEnd,
		}})
	}
}

// handleResult ends the turn. Anything but subtype success is a failure;
// the agent reports details in errors, with subtype as the fallback.
func (b *NDJSON) handleResult(msg *agentRecord) {
	b.mu.Lock()
	b.activeTools = make(map[string]string)
	b.mu.Unlock()

	if msg.Subtype == "success" {
		b.finishTurn()
		return
	}
	reason := msg.Subtype
	if len(msg.Errors) > 0 {
		reason = strings.Join(msg.Errors, "; ")
	}
	b.failTurn(fmt.Errorf("turn failed: %s", reason))
}
