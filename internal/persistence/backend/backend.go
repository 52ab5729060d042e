// Package backend opens the configured order store.
package backend

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"fleetcommand.gg/internal/config"
	"fleetcommand.gg/internal/persistence/memstore"
	"fleetcommand.gg/internal/persistence/pgstore"
	"fleetcommand.gg/internal/persistence/sqlitestore"
	"fleetcommand.gg/internal/persistence/store"
)

func Open(ctx context.Context, cfg config.StoreConfig, logger *log.Logger) (store.Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	switch cfg.Driver {
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		logger.Printf("store: sqlite %s", cfg.SQLitePath)
		return sqlitestore.Open(cfg.SQLitePath)
	case config.DriverPostgres:
		logger.Printf("store: postgres")
		return pgstore.Open(ctx, cfg.PostgresDSN)
	case config.DriverMemory:
		logger.Printf("store: memory (orders are lost on restart)")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
