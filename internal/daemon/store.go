package daemon

import (
	"context"
	"fmt"

	"github.com/wwc-network/wwc/internal/domain"
	"github.com/wwc-network/wwc/internal/infra/memory"
	"github.com/wwc-network/wwc/internal/infra/mongo"
	"github.com/wwc-network/wwc/internal/infra/postgres"
	"github.com/wwc-network/wwc/internal/infra/sqlite"
)

// OpenStore opens the configured ledger backend and applies its schema.
func OpenStore(ctx context.Context, cfg StoreConfig) (domain.LedgerStore, error) {
	switch cfg.Driver {
	case "sqlite", "":
		dir := cfg.Dir
		if dir == "" {
			dir = Home()
		}
		db, err := sqlite.Open(dir)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "mongo":
		name := cfg.Database
		if name == "" {
			name = "wwc"
		}
		s, err := mongo.Open(ctx, cfg.DSN, name)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
