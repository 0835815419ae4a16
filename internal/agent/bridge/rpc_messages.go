package bridge

import "encoding/json"

// jsonRPCVersion is carried on every frame in both directions.
const jsonRPCVersion = "2.0"

// Client-issued methods.
const (
	methodInitialize    = "initialize"
	methodInitialized   = "initialized" // notification
	methodThreadStart   = "thread/start"
	methodThreadResume  = "thread/resume"
	methodTurnStart     = "turn/start"
	methodTurnInterrupt = "turn/interrupt"
)

// Server notifications.
const (
	notifyTurnStarted       = "turn/started"
	notifyTurnCompleted     = "turn/completed"
	notifyItemStarted       = "item/started"
	notifyItemCompleted     = "item/completed"
	notifyAgentMessageDelta = "item/agentMessage/delta"
)

// Server requests that are auto-accepted so turns never stall waiting for
// an interactive approval.
const (
	methodApprovalRequest    = "approval/request"
	methodCmdExecApproval    = "item/commandExecution/requestApproval"
	methodFileChangeApproval = "item/fileChange/requestApproval"
)

// JSON-RPC error codes.
const (
	codeMethodNotFound = -32601
)

// turnStatusFailed marks a turn the agent could not complete.
const turnStatusFailed = "failed"

// approvalPolicyAutoEdit lets the agent edit files without per-change
// approval round trips.
const approvalPolicyAutoEdit = "auto-edit"

// rpcRequest is an outgoing request expecting a response.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcNotification is a request without an id.
type rpcNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse travels in both directions: agent responses to our requests
// and our responses to agent requests.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type initializeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

type threadResumeParams struct {
	ThreadID string `json:"threadId"`
}

// threadResult is the shape of both thread/start and thread/resume results.
type threadResult struct {
	Thread *threadInfo `json:"thread"`
}

type threadInfo struct {
	ID string `json:"id"`
}

type turnStartParams struct {
	ThreadID       string `json:"threadId"`
	Input          string `json:"input"`
	ApprovalPolicy string `json:"approvalPolicy"`
}

type turnStartResult struct {
	Turn *turnInfo `json:"turn"`
}

type turnInfo struct {
	ID string `json:"id"`
}

type turnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

type turnCompletedParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type agentMessageDeltaParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	ItemID   string `json:"itemId,omitempty"`
	Delta    string `json:"delta"`
}

type itemParams struct {
	ThreadID string    `json:"threadId,omitempty"`
	TurnID   string    `json:"turnId,omitempty"`
	Item     *itemInfo `json:"item"`
}

// itemInfo describes a unit of turn output. Only command-like items are
// surfaced as tool events; message items flow through deltas instead.
type itemInfo struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Command string `json:"command,omitempty"`
	Tool    string `json:"tool,omitempty"`
}

// approvalResponse accepts a server approval request.
type approvalResponse struct {
	Decision string `json:"decision"`
}

const decisionAccept = "accept"
