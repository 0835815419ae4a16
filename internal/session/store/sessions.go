package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a session and fills in its generated ID and
// timestamps. Status defaults to active.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = StatusActive
	}

	query := `INSERT INTO sessions (review_id, context_item_id, provider_id, model_id, status, agent_handle, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{s.ReviewID, s.ContextItemID, s.ProviderID, s.ModelID, s.Status, s.AgentHandle, s.CreatedAt, s.UpdatedAt}

	w := r.pool.Writer()
	if r.isPostgres() {
		row := w.QueryRowContext(ctx, w.Rebind(query+" RETURNING id"), args...)
		if err := row.Scan(&s.ID); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		return nil
	}

	res, err := w.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}
	s.ID = id
	return nil
}

// GetSession returns the session with the given ID. The error wraps
// sql.ErrNoRows when no such session exists.
func (r *Repository) GetSession(ctx context.Context, id int64) (*Session, error) {
	ro := r.pool.Reader()
	var s Session
	query := ro.Rebind(`SELECT id, review_id, context_item_id, provider_id, model_id, status, agent_handle, created_at, updated_at
		FROM sessions WHERE id = ?`)
	if err := ro.GetContext(ctx, &s, query, id); err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", id, err)
	}
	return &s, nil
}

// ListSessions returns all sessions for a review, oldest first.
func (r *Repository) ListSessions(ctx context.Context, reviewID int64) ([]*Session, error) {
	ro := r.pool.Reader()
	sessions := []*Session{}
	query := ro.Rebind(`SELECT id, review_id, context_item_id, provider_id, model_id, status, agent_handle, created_at, updated_at
		FROM sessions WHERE review_id = ? ORDER BY id ASC`)
	if err := ro.SelectContext(ctx, &sessions, query, reviewID); err != nil {
		return nil, fmt.Errorf("failed to list sessions for review %d: %w", reviewID, err)
	}
	return sessions, nil
}

// UpdateSessionStatus sets the session status and bumps updated_at. The
// error wraps sql.ErrNoRows when no such session exists.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id int64, status string) error {
	w := r.pool.Writer()
	query := w.Rebind(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session %d status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update session %d status: %w", id, sql.ErrNoRows)
	}
	return nil
}

// UpdateSessionAgentHandle stores the agent-issued session handle so the
// conversation can be resumed after a restart.
func (r *Repository) UpdateSessionAgentHandle(ctx context.Context, id int64, handle string) error {
	w := r.pool.Writer()
	query := w.Rebind(`UPDATE sessions SET agent_handle = ?, updated_at = ? WHERE id = ?`)
	res, err := w.ExecContext(ctx, query, handle, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update session %d agent handle: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to update session %d agent handle: %w", id, sql.ErrNoRows)
	}
	return nil
}

// TouchSession bumps updated_at without changing anything else.
func (r *Repository) TouchSession(ctx context.Context, id int64) error {
	w := r.pool.Writer()
	query := w.Rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	if _, err := w.ExecContext(ctx, query, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch session %d: %w", id, err)
	}
	return nil
}

// CloseOrphanedActive marks every active session closed and returns how many
// were affected. Called at startup: child processes do not survive a restart,
// so a session that claims to be active at that point is lying.
func (r *Repository) CloseOrphanedActive(ctx context.Context) (int64, error) {
	w := r.pool.Writer()
	query := w.Rebind(`UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?`)
	res, err := w.ExecContext(ctx, query, StatusClosed, time.Now().UTC(), StatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to close orphaned sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count closed sessions: %w", err)
	}
	return n, nil
}
