package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// RPC drives agents that speak JSON-RPC 2.0 over stdio. Readiness requires
// the initialize handshake plus a thread/start (or thread/resume) exchange;
// turn boundaries are turn/completed notifications.
type RPC struct {
	core

	requestID atomic.Int64
	pendingMu sync.Mutex
	pending   map[interface{}]chan *rpcResponse

	// threadID, currentTurnID and turnSeq are guarded by core.mu. turnSeq
	// identifies the active turn so late turn/start responses cannot
	// terminate a successor turn.
	threadID      string
	currentTurnID string
	turnSeq       int64
}

// NewRPC creates an RPC bridge. Call Start to spawn the agent and perform
// the handshake.
func NewRPC(opts Options) *RPC {
	b := &RPC{
		core:    newCore(opts, "rpc-bridge"),
		pending: make(map[interface{}]chan *rpcResponse),
	}
	// An agent that dies mid-call would otherwise leave the caller blocked
	// until its context expires.
	b.events.Subscribe(KindClose, func(ev *Event) { b.rejectPending() })
	return b
}

// Start spawns the agent and performs the initialize → initialized →
// thread setup handshake. The bridge is ready only after the agent has
// returned a thread id.
func (b *RPC) Start(ctx context.Context) error {
	if err := b.spawn(append([]string{}, b.opts.Args...), b.handleLine); err != nil {
		return err
	}
	if err := b.handshake(ctx); err != nil {
		b.beginClose()
		b.rejectPending()
		b.shutdown()
		return err
	}
	b.markReady()
	return nil
}

func (b *RPC) handshake(ctx context.Context) error {
	resp, err := b.call(ctx, methodInitialize, &initializeParams{
		ClientInfo: clientInfo{
			Name:    "pairreview",
			Title:   "PairReview Workstation",
			Version: "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize error: %s", resp.Error.Message)
	}
	if err := b.notify(methodInitialized, nil); err != nil {
		return fmt.Errorf("initialized notification failed: %w", err)
	}

	if b.opts.ResumeHandle != "" {
		resp, err = b.call(ctx, methodThreadResume, &threadResumeParams{ThreadID: b.opts.ResumeHandle})
	} else {
		resp, err = b.call(ctx, methodThreadStart, struct{}{})
	}
	if err != nil {
		return fmt.Errorf("thread setup failed: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("thread setup error: %s", resp.Error.Message)
	}

	var result threadResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("failed to parse thread result: %w", err)
	}
	if result.Thread == nil || result.Thread.ID == "" {
		return fmt.Errorf("agent returned no thread id")
	}

	b.mu.Lock()
	b.threadID = result.Thread.ID
	b.mu.Unlock()

	b.logger.Debug("thread established", zap.String("thread_id", result.Thread.ID))
	b.events.Emit(&Event{Kind: KindSession, Handle: result.Thread.ID})
	return nil
}

// Send issues turn/start for one user turn. The response is handled
// asynchronously; turn/completed ends the turn, not the turn/start result.
func (b *RPC) Send(text string) error {
	out, err := b.startTurn(text)
	if err != nil {
		return err
	}

	b.mu.Lock()
	threadID := b.threadID
	b.turnSeq++
	seq := b.turnSeq
	b.currentTurnID = ""
	b.mu.Unlock()

	id, ch, err := b.request(methodTurnStart, &turnStartParams{
		ThreadID:       threadID,
		Input:          out,
		ApprovalPolicy: approvalPolicyAutoEdit,
	})
	if err != nil {
		b.turnRejected()
		return err
	}
	b.turnAccepted()
	go b.awaitTurnStart(seq, id, ch)
	return nil
}

// awaitTurnStart records the turn id from the turn/start response. An
// error response arriving before turn/completed fails the turn.
func (b *RPC) awaitTurnStart(seq int64, id int64, ch chan *rpcResponse) {
	resp, ok := <-ch
	b.dropPending(id)
	if !ok {
		return // bridge closed
	}

	if resp.Error != nil {
		b.failTurnIfCurrent(seq, fmt.Errorf("turn/start failed: %s", resp.Error.Message))
		return
	}

	var result turnStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Turn == nil {
		b.logger.Debug("unparseable turn/start result", zap.Error(err))
		return
	}
	b.mu.Lock()
	if b.turnSeq == seq && b.inMessage {
		b.currentTurnID = result.Turn.ID
	}
	b.mu.Unlock()
}

// failTurnIfCurrent ends the turn identified by seq with an error, unless
// that turn has already terminated.
func (b *RPC) failTurnIfCurrent(seq int64, err error) {
	b.mu.Lock()
	if b.turnSeq != seq || !b.inMessage {
		b.mu.Unlock()
		return
	}
	b.accumulator = ""
	b.inMessage = false
	b.currentTurnID = ""
	b.mu.Unlock()
	b.events.Emit(&Event{Kind: KindError, Err: err})
}

// Abort interrupts the active turn. Requires both the thread id and the
// turn id from the turn/start response; fire-and-forget, so the read loop
// drops the eventual response as unknown.
func (b *RPC) Abort() {
	b.mu.Lock()
	threadID, turnID := b.threadID, b.currentTurnID
	ok := b.ready && !b.closing && threadID != "" && turnID != ""
	b.mu.Unlock()
	if !ok {
		return
	}

	params, err := marshalParams(&turnInterruptParams{ThreadID: threadID, TurnID: turnID})
	if err != nil {
		return
	}
	req := &rpcRequest{
		JSONRPC: jsonRPCVersion,
		ID:      b.requestID.Add(1),
		Method:  methodTurnInterrupt,
		Params:  params,
	}
	if err := b.send(req); err != nil {
		b.logger.Warn("failed to send turn/interrupt", zap.Error(err))
	}
}

// Close interrupts any active turn best-effort, rejects in-flight calls,
// and terminates the agent process.
func (b *RPC) Close() {
	if !b.beginClose() {
		return
	}

	b.mu.Lock()
	threadID, turnID := b.threadID, b.currentTurnID
	b.mu.Unlock()
	if threadID != "" && turnID != "" {
		if err := b.notify(methodTurnInterrupt, &turnInterruptParams{ThreadID: threadID, TurnID: turnID}); err != nil {
			b.logger.Debug("turn/interrupt on close failed", zap.Error(err))
		}
	}

	b.rejectPending()
	b.shutdown()
}

// request writes a request frame and registers a pending channel for its
// response.
func (b *RPC) request(method string, params any) (int64, chan *rpcResponse, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return 0, nil, err
	}

	id := b.requestID.Add(1)
	ch := make(chan *rpcResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()

	req := &rpcRequest{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: raw}
	if err := b.send(req); err != nil {
		b.dropPending(id)
		return 0, nil, err
	}
	return id, ch, nil
}

// call sends a request and blocks until the agent responds, the context
// expires, or the bridge closes.
func (b *RPC) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	id, ch, err := b.request(method, params)
	if err != nil {
		return nil, err
	}
	defer b.dropPending(id)

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("bridge closed")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notify sends a notification; no response is expected.
func (b *RPC) notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return b.send(&rpcNotification{JSONRPC: jsonRPCVersion, Method: method, Params: raw})
}

// respond answers a server-initiated request.
func (b *RPC) respond(id interface{}, result any, rpcErr *rpcError) error {
	var raw json.RawMessage
	if result != nil && rpcErr == nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		raw = data
	}
	return b.send(&rpcResponse{JSONRPC: jsonRPCVersion, ID: id, Result: raw, Error: rpcErr})
}

func (b *RPC) dropPending(id int64) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// rejectPending closes every pending response channel, unblocking callers.
func (b *RPC) rejectPending() {
	b.pendingMu.Lock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()
}

func (b *RPC) handleLine(line []byte) {
	var msg struct {
		ID     interface{}     `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		b.logger.Debug("dropping unparseable line", zap.Error(err))
		return
	}

	hasID := msg.ID != nil
	hasMethod := msg.Method != ""
	hasResult := msg.Result != nil
	hasError := msg.Error != nil

	switch {
	case hasID && !hasMethod && (hasResult || hasError):
		b.handleResponse(&rpcResponse{ID: msg.ID, Result: msg.Result, Error: msg.Error})
	case hasID && hasMethod:
		b.handleRequest(msg.ID, msg.Method, msg.Params)
	case hasMethod:
		b.handleNotification(msg.Method, msg.Params)
	default:
		b.logger.Debug("ignoring frame without method or result")
	}
}

func (b *RPC) handleResponse(resp *rpcResponse) {
	id := normalizeID(resp.ID)
	b.pendingMu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.pendingMu.Unlock()

	if !ok {
		// Expected for fire-and-forget requests such as turn/interrupt.
		b.logger.Debug("dropping response for unknown request", zap.Any("id", resp.ID))
		return
	}
	ch <- resp
}

// normalizeID maps JSON numbers onto int64 so responses match the pending
// map keys.
func normalizeID(id interface{}) interface{} {
	switch v := id.(type) {
	case float64:
		return int64(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
	}
	return id
}

// handleRequest auto-responds to server-initiated requests. Approval
// requests are accepted so headless turns never stall; everything else
// gets a method-not-found error, because the agent hangs on requests left
// unanswered.
func (b *RPC) handleRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case methodApprovalRequest, methodCmdExecApproval, methodFileChangeApproval:
		if err := b.respond(id, &approvalResponse{Decision: decisionAccept}, nil); err != nil {
			b.logger.Warn("failed to send approval response", zap.Error(err))
		}
	default:
		b.logger.Warn("unhandled server request", zap.String("method", method))
		if err := b.respond(id, nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}); err != nil {
			b.logger.Warn("failed to send method not found response", zap.Error(err))
		}
	}
}

func (b *RPC) handleNotification(method string, params json.RawMessage) {
	switch method {
	case notifyTurnStarted:
		b.events.Emit(&Event{Kind: KindStatus, Status: StatusWorking})
	case notifyAgentMessageDelta:
		var p agentMessageDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			b.logger.Debug("unparseable delta params", zap.Error(err))
			return
		}
		if p.Delta != "" {
			b.appendDelta(p.Delta)
		}
	case notifyTurnCompleted:
		b.handleTurnCompleted(params)
	case notifyItemStarted:
		b.handleItem(params, ToolStart)
	case notifyItemCompleted:
		b.handleItem(params, ToolEnd)
	default:
		b.logger.Debug("unhandled notification", zap.String("method", method))
	}
}

func (b *RPC) handleTurnCompleted(params json.RawMessage) {
	var p turnCompletedParams
	if err := json.Unmarshal(params, &p); err != nil {
		b.logger.Debug("unparseable turn/completed params", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.currentTurnID = ""
	b.mu.Unlock()

	if p.Status == turnStatusFailed {
		reason := p.Error
		if reason == "" {
			reason = turnStatusFailed
		}
		b.failTurn(fmt.Errorf("turn failed: %s", reason))
		return
	}
	b.finishTurn()
}

// handleItem surfaces command-like items as tool events. Message items are
// covered by deltas and skipped here.
func (b *RPC) handleItem(params json.RawMessage, status ToolStatus) {
	var p itemParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		return
	}

	var name string
	switch p.Item.Type {
	case "commandExecution":
		name = p.Item.Command
	case "mcpToolCall":
		name = p.Item.Tool
	default:
		return
	}
	if name == "" {
		name = p.Item.Type
	}
	b.events.Emit(&Event{Kind: KindTool, Tool: &ToolInfo{
		ID:     p.Item.ID,
		Name:   name,
		Status: status,
	}})
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}
