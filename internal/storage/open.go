// Package storage opens the configured store backend.
package storage

import (
	"fmt"

	"github.com/leozw/uptime-consensus/internal/config"
	"github.com/leozw/uptime-consensus/internal/db"
	"github.com/leozw/uptime-consensus/internal/store"
	"github.com/leozw/uptime-consensus/internal/store/memory"
	"go.uber.org/zap"
)

// Open returns the store selected by cfg.Storage.Driver and a close
// function. Postgres migrations run first when enabled.
func Open(cfg *config.Config, logger *zap.Logger) (store.Store, func() error, error) {
	switch cfg.Storage.Driver {
	case "memory":
		logger.Warn("Using in-memory store; data is lost on restart")
		return memory.New(), func() error { return nil }, nil

	case "postgres", "":
		database, err := db.NewConnection(cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.Database.MigrateOnStart {
			if err := db.RunMigrations(database.DB); err != nil {
				database.Close()
				return nil, nil, err
			}
			logger.Info("Database migrations applied")
		}
		return db.NewRepository(database, logger), database.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
