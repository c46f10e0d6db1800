package main

import (
	"context"
	"fmt"

	"github.com/warp/case-ledger/config"
	"github.com/warp/case-ledger/service"
	"github.com/warp/case-ledger/store/postgres"
	"github.com/warp/case-ledger/store/sqlite"
)

// database is a migrated store the process owns.
type database interface {
	service.Store
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func openDatabase(ctx context.Context, cfg config.Config) (database, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		st, err := sqlite.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
}
