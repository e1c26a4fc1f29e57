package warehouses

import (
	"errors"
	"time"
)

// ErrWarehouseNotFound is returned when a warehouse lookup misses.
var ErrWarehouseNotFound = errors.New("warehouses: warehouse not found")

// Warehouse is a stock-holding location.
type Warehouse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Bin is a sub-location inside a warehouse.
type Bin struct {
	ID          string `json:"id"`
	WarehouseID string `json:"warehouse_id"`
	Code        string `json:"code"`
}
