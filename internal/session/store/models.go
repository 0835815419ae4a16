package store

import "time"

// Session statuses.
const (
	StatusActive = "active"
	StatusClosed = "closed"
	StatusError  = "error"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message types. Context rows carry review material attached to a turn;
// message rows carry the conversation itself.
const (
	TypeMessage = "message"
	TypeContext = "context"
)

// Session is one persisted agent chat session.
type Session struct {
	ID            int64     `db:"id" json:"id"`
	ReviewID      int64     `db:"review_id" json:"review_id"`
	ContextItemID *int64    `db:"context_item_id" json:"context_item_id,omitempty"`
	ProviderID    string    `db:"provider_id" json:"provider_id"`
	ModelID       string    `db:"model_id" json:"model_id,omitempty"`
	Status        string    `db:"status" json:"status"`
	AgentHandle   string    `db:"agent_handle" json:"agent_handle,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Message is one persisted session message. Ordering within a session is by
// id ascending.
type Message struct {
	ID        int64     `db:"id" json:"id"`
	SessionID int64     `db:"session_id" json:"session_id"`
	Role      string    `db:"role" json:"role"`
	Type      string    `db:"type" json:"type"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
