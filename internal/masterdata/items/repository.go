package items

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
)

// Repository reads items from PostgreSQL. Numeric columns scan into
// decimal.Decimal through the codec registered by platform/db.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, code, name, stock_uom, valuation_method, requires_batch, requires_serial,
standard_rate, reorder_level, reorder_qty, COALESCE(backorder_policy, ''), disabled, updated_at`

// GetItem returns an enabled item with its UOM conversions.
func (r *Repository) GetItem(ctx context.Context, id string) (Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE id = $1 AND NOT disabled`
	item, err := scanItem(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrItemNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("items: get %s: %w", id, err)
	}
	conversions, err := r.conversions(ctx, id)
	if err != nil {
		return Item{}, err
	}
	item.Conversions = conversions
	return item, nil
}

// ListItems returns every enabled item without conversions.
func (r *Repository) ListItems(ctx context.Context) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM items WHERE NOT disabled ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("items: list: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("items: scan: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *Repository) conversions(ctx context.Context, id string) (map[string]decimal.Decimal, error) {
	rows, err := r.pool.Query(ctx, `SELECT uom, factor FROM item_uom_conversions WHERE item_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("items: conversions %s: %w", id, err)
	}
	defer rows.Close()
	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			uom    string
			factor decimal.Decimal
		)
		if err := rows.Scan(&uom, &factor); err != nil {
			return nil, err
		}
		out[uom] = factor
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row) (Item, error) {
	var (
		item      Item
		method    string
		backorder string
		standard  decimal.NullDecimal
	)
	err := row.Scan(&item.ID, &item.Code, &item.Name, &item.StockUOM, &method, &item.RequiresBatch, &item.RequiresSerial,
		&standard, &item.ReorderLevel, &item.ReorderQty, &backorder, &item.Disabled, &item.UpdatedAt)
	if err != nil {
		return Item{}, err
	}
	item.Valuation = valuation.Method(method)
	item.Backorder = BackorderPolicy(backorder)
	if standard.Valid {
		rate := standard.Decimal
		item.StandardRate = &rate
	}
	return item, nil
}
