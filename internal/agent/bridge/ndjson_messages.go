package bridge

// agentRecord is the envelope for every line an NDJSON agent emits.
type agentRecord struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system records.
	SessionID string `json:"session_id,omitempty"`

	// For stream_event records.
	Event *streamEvent `json:"event,omitempty"`

	// For user records (tool results echoed back).
	Message *messageBody `json:"message,omitempty"`

	// For tool_progress records.
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`

	// For result records.
	Errors []string `json:"errors,omitempty"`
}

type streamEvent struct {
	Type         string        `json:"type"`
	Delta        *textDelta    `json:"delta,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type contentBlock struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
}

type messageBody struct {
	Role    string         `json:"role,omitempty"`
	Content []contentBlock `json:"content,omitempty"`
}

// userFrame is the outgoing prompt message. session_id and
// parent_tool_use_id are always present; the agent treats an empty
// session_id as "current session".
type userFrame struct {
	Type            string      `json:"type"`
	Message         userPayload `json:"message"`
	SessionID       string      `json:"session_id"`
	ParentToolUseID any         `json:"parent_tool_use_id"`
}

type userPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// interruptFrame cancels the active turn.
type interruptFrame struct {
	Type      string           `json:"type"`
	Request   interruptRequest `json:"request"`
	RequestID string           `json:"request_id"`
}

type interruptRequest struct {
	Subtype string `json:"subtype"`
}
