package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CreateMessage inserts a message and fills in its generated ID. Type
// defaults to message.
func (r *Repository) CreateMessage(ctx context.Context, m *Message) error {
	if err := r.insertMessage(ctx, r.pool.Writer(), m); err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// CreateUserTurn persists one user turn in a single transaction: every
// context item as its own context row, then the user message. Context rows
// land before the user message so id order reproduces what the agent saw.
// Either the whole turn is stored or none of it is.
func (r *Repository) CreateUserTurn(ctx context.Context, sessionID int64, contexts []string, userText string) (*Message, error) {
	w := r.pool.Writer()
	tx, err := w.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin user turn: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, c := range contexts {
		cm := &Message{SessionID: sessionID, Role: RoleUser, Type: TypeContext, Content: c, CreatedAt: now}
		if err := r.insertMessage(ctx, tx, cm); err != nil {
			return nil, fmt.Errorf("failed to persist context: %w", err)
		}
	}

	user := &Message{SessionID: sessionID, Role: RoleUser, Type: TypeMessage, Content: userText, CreatedAt: now}
	if err := r.insertMessage(ctx, tx, user); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	touch := tx.Rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := tx.ExecContext(ctx, touch, now, sessionID); err != nil {
		return nil, fmt.Errorf("failed to touch session %d: %w", sessionID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit user turn: %w", err)
	}
	return user, nil
}

// ListMessages returns the full history of a session ordered by id
// ascending, which is insertion order.
func (r *Repository) ListMessages(ctx context.Context, sessionID int64) ([]*Message, error) {
	ro := r.pool.Reader()
	messages := []*Message{}
	query := ro.Rebind(`SELECT id, session_id, role, type, content, created_at
		FROM messages WHERE session_id = ? ORDER BY id ASC`)
	if err := ro.SelectContext(ctx, &messages, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to list messages for session %d: %w", sessionID, err)
	}
	return messages, nil
}

func (r *Repository) insertMessage(ctx context.Context, q sqlx.ExtContext, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Type == "" {
		m.Type = TypeMessage
	}

	query := `INSERT INTO messages (session_id, role, type, content, created_at) VALUES (?, ?, ?, ?, ?)`
	args := []interface{}{m.SessionID, m.Role, m.Type, m.Content, m.CreatedAt}

	if r.isPostgres() {
		row := q.QueryRowxContext(ctx, q.Rebind(query+" RETURNING id"), args...)
		return row.Scan(&m.ID)
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	m.ID = id
	return nil
}
