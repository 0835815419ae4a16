package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/config"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
	"github.com/in-the-loop-labs/pairreview/internal/db"
	"github.com/in-the-loop-labs/pairreview/internal/session/store"
)

// provideStore opens the configured database and prepares the session
// schema. SQLite is the default; postgres serves shared deployments.
func provideStore(cfg *config.Config, log *logger.Logger) (*store.Repository, error) {
	var pool *db.Pool
	var err error

	switch cfg.Database.Driver {
	case "postgres":
		pool, err = db.OpenPostgresPool(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		log.Info("Postgres store initialized")
	default:
		pool, err = db.OpenSQLitePool(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite pool: %w", err)
		}
		log.Info("SQLite store initialized", zap.String("path", cfg.Database.Path))
	}

	return store.New(pool)
}
