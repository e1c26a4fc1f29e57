package warehouses

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-process warehouse directory.
type MemoryDirectory struct {
	mu         sync.RWMutex
	warehouses map[string]Warehouse
	bins       map[string]Bin
}

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		warehouses: make(map[string]Warehouse),
		bins:       make(map[string]Bin),
	}
}

// PutWarehouse registers or replaces a warehouse.
func (d *MemoryDirectory) PutWarehouse(w Warehouse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warehouses[w.ID] = w
}

// PutBin registers or replaces a bin.
func (d *MemoryDirectory) PutBin(b Bin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.bins[b.ID] = b
}

// Get returns a warehouse by ID.
func (d *MemoryDirectory) Get(ctx context.Context, id string) (Warehouse, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.warehouses[id]
	if !ok {
		return Warehouse{}, ErrWarehouseNotFound
	}
	return w, nil
}

// WarehouseExists reports whether an enabled warehouse with id is known.
func (d *MemoryDirectory) WarehouseExists(ctx context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.warehouses[id]
	return ok && !w.Disabled, nil
}

// BinBelongsTo reports whether binID is a bin of warehouseID.
func (d *MemoryDirectory) BinBelongsTo(ctx context.Context, binID, warehouseID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bins[binID]
	return ok && b.WarehouseID == warehouseID, nil
}
