package warehouses

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads warehouses and bins from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Get returns a warehouse by ID.
func (r *Repository) Get(ctx context.Context, id string) (Warehouse, error) {
	const query = `SELECT id, code, name, address, disabled, created_at, updated_at
FROM warehouses WHERE id = $1`
	var w Warehouse
	err := r.pool.QueryRow(ctx, query, id).Scan(&w.ID, &w.Code, &w.Name, &w.Address, &w.Disabled, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Warehouse{}, ErrWarehouseNotFound
	}
	if err != nil {
		return Warehouse{}, fmt.Errorf("warehouses: get %s: %w", id, err)
	}
	return w, nil
}

// WarehouseExists reports whether an enabled warehouse with id is known.
func (r *Repository) WarehouseExists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM warehouses WHERE id = $1 AND NOT disabled)`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&ok); err != nil {
		return false, fmt.Errorf("warehouses: exists %s: %w", id, err)
	}
	return ok, nil
}

// BinBelongsTo reports whether binID is a bin of warehouseID.
func (r *Repository) BinBelongsTo(ctx context.Context, binID, warehouseID string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM warehouse_bins WHERE id = $1 AND warehouse_id = $2)`
	var ok bool
	if err := r.pool.QueryRow(ctx, query, binID, warehouseID).Scan(&ok); err != nil {
		return false, fmt.Errorf("warehouses: bin %s: %w", binID, err)
	}
	return ok, nil
}
