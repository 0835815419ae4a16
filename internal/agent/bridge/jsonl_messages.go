package bridge

// Event types emitted by JSONL agents.
const (
	eventMessageStart  = "message_start"
	eventMessageUpdate = "message_update"
	eventMessageEnd    = "message_end"
	eventAgentEnd      = "agent_end"
	eventToolExecStart = "tool_execution_start"
	eventToolExecUpd   = "tool_execution_update"
	eventToolExecEnd   = "tool_execution_end"
	eventSession       = "session"
	eventResponse      = "response"
)

// commandMessage is the envelope for every event line a JSONL agent emits.
type commandMessage struct {
	Type string `json:"type"`

	// For dialog requests and tool events.
	ID     string `json:"id,omitempty"`
	Method string `json:"method,omitempty"`

	// For message_update events.
	AssistantMessageEvent *assistantMessageEvent `json:"assistantMessageEvent,omitempty"`

	// For tool_execution_* events.
	ToolName string `json:"toolName,omitempty"`

	// For session events.
	SessionFile string `json:"sessionFile,omitempty"`

	// For response events.
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`
}

type assistantMessageEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error string `json:"error,omitempty"`
}

// promptCommand starts a turn.
type promptCommand struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// abortCommand cancels the active turn.
type abortCommand struct {
	Type string `json:"type"`
}

// dialogResponse declines an interactive dialog request.
type dialogResponse struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}
