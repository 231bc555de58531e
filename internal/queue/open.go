package queue

import (
	"context"
	"fmt"

	"github.com/mattjoyce/callbackd/internal/config"
	"github.com/mattjoyce/callbackd/internal/storage"
)

// Open connects the store selected by cfg.Driver and bootstraps its schema.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db), nil
	case config.DriverPostgres:
		pool, err := storage.OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
