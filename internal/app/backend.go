package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/masterdata"
	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
	"github.com/odyssey-erp/stockledger/internal/masterdata/warehouses"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/migrations"
)

// Backend bundles the ledger store with the master data ports it reads.
type Backend struct {
	Store     inventory.Store
	Catalog   inventory.ItemCatalog
	Locations inventory.LocationDirectory
	Pool      *pgxpool.Pool
}

// Close releases the connection pool, if any.
func (b *Backend) Close() {
	if b != nil && b.Pool != nil {
		b.Pool.Close()
	}
}

// OpenBackend builds the storage selected by STORE_BACKEND.
func OpenBackend(ctx context.Context, cfg *Config, logger *slog.Logger) (*Backend, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StoreBackend == "memory" {
		seed, err := masterdata.LoadFile(cfg.MasterdataSeed)
		if err != nil {
			return nil, err
		}
		logger.Warn("using in-memory ledger store; entries are lost on exit",
			slog.Int("items", len(seed.Items)), slog.Int("warehouses", len(seed.Warehouses)))
		return &Backend{
			Store:     inventory.NewMemoryStore(),
			Catalog:   seed.Catalog(),
			Locations: seed.Directory(),
		}, nil
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return nil, err
	}
	if cfg.AppMigrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("schema migrated")
	}
	return &Backend{
		Store:     inventory.NewRepository(pool),
		Catalog:   items.NewRepository(pool),
		Locations: warehouses.NewRepository(pool),
		Pool:      pool,
	}, nil
}
