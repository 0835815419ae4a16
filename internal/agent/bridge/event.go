package bridge

// Kind identifies the type of an Event.
type Kind string

// Event kinds emitted by bridges, in rough lifecycle order.
const (
	KindReady    Kind = "ready"
	KindSession  Kind = "session"
	KindStatus   Kind = "status"
	KindDelta    Kind = "delta"
	KindTool     Kind = "tool"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
	KindClose    Kind = "close"
)

// StatusWorking is the status value reported while the agent is producing a
// response.
const StatusWorking = "working"

// ToolStatus tracks the phase of a tool execution.
type ToolStatus string

const (
	ToolStart  ToolStatus = "start"
	ToolUpdate ToolStatus = "update"
	ToolEnd    ToolStatus = "end"
)

// ToolInfo describes a tool execution surfaced by the agent.
type ToolInfo struct {
	ID     string
	Name   string
	Status ToolStatus
}

// Event is a single notification from a bridge. Kind determines which of
// the payload fields are populated.
type Event struct {
	Kind     Kind
	Text     string    // delta: one streamed text fragment
	FullText string    // complete: the full turn text
	Status   string    // status
	Tool     *ToolInfo // tool
	Handle   string    // session: the agent's durable handle
	Err      error     // error
}
