// Package store persists sessions and their message history. It works
// against SQLite and PostgreSQL through the shared db pool; writes go to the
// writer connection, reads to the reader.
package store

import (
	"fmt"

	"github.com/in-the-loop-labs/pairreview/internal/db"
	"github.com/in-the-loop-labs/pairreview/internal/db/dialect"
)

// Repository provides access to session and message storage.
type Repository struct {
	pool *db.Pool
}

// New creates a repository on top of an open pool and initializes the
// schema. The repository owns the pool from here on; Close releases it.
func New(pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return r, nil
}

// Close closes the underlying database pool.
func (r *Repository) Close() error {
	return r.pool.Close()
}

func (r *Repository) initSchema() error {
	w := r.pool.Writer()
	driver := w.DriverName()

	sessions := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS sessions (
			id %s,
			review_id BIGINT NOT NULL,
			context_item_id BIGINT,
			provider_id TEXT NOT NULL,
			model_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			agent_handle TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, dialect.SerialPK(driver))
	if _, err := w.Exec(sessions); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	messages := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS messages (
			id %s,
			session_id BIGINT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'message',
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, dialect.SerialPK(driver))
	if _, err := w.Exec(messages); err != nil {
		return fmt.Errorf("failed to create messages table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_sessions_review_id ON sessions(review_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id)`,
	}
	for _, idx := range indexes {
		if _, err := w.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

func (r *Repository) isPostgres() bool {
	return dialect.IsPostgres(r.pool.Writer().DriverName())
}
