package session

import (
	"fmt"
	"strings"
)

// contextSeparator joins the context blocks and the user text in the
// outgoing frame. The exact byte sequence matters: agents are prompted to
// treat the fenced blocks as review material, and replayed conversations
// must compose identically.
const contextSeparator = "\n\n---\n\n"

// ActionContext tags a message with the review action that produced it. The
// item ID travels only in the wire-level hint, never in the stored user
// text.
type ActionContext struct {
	Kind   string `json:"kind"`
	ItemID int64  `json:"item_id"`
}

// composeOutgoing assembles the text handed to the bridge: session-wide
// initial context, then per-message context, then the user text, joined by
// the separator, with the optional action hint appended last.
func composeOutgoing(initialContext, perMessageContext, userText string, action *ActionContext) string {
	parts := make([]string, 0, 3)
	if initialContext != "" {
		parts = append(parts, initialContext)
	}
	if perMessageContext != "" {
		parts = append(parts, perMessageContext)
	}
	parts = append(parts, userText)

	out := strings.Join(parts, contextSeparator)
	if action != nil {
		out += fmt.Sprintf("\n\n[Action: %s, target ID: %d]", action.Kind, action.ItemID)
	}
	return out
}
