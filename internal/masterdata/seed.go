// Package masterdata loads the read-only item and location data the ledger
// consults when it runs without PostgreSQL.
package masterdata

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
	"github.com/odyssey-erp/stockledger/internal/masterdata/warehouses"
)

// Seed is the on-disk shape of a master data snapshot.
type Seed struct {
	Items      []items.Item           `json:"items" validate:"max=100000"`
	Warehouses []warehouses.Warehouse `json:"warehouses" validate:"required,min=1"`
	Bins       []warehouses.Bin       `json:"bins"`
}

// ErrInvalidSeed wraps every problem found in a snapshot.
var ErrInvalidSeed = errors.New("masterdata: invalid seed")

// LoadFile reads a snapshot from path. An empty path yields an empty seed.
func LoadFile(path string) (Seed, error) {
	if path == "" {
		return Seed{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Seed{}, fmt.Errorf("masterdata: open seed: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses and checks a snapshot.
func Decode(r io.Reader) (Seed, error) {
	var seed Seed
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if err := seed.validate(); err != nil {
		return Seed{}, err
	}
	return seed, nil
}

func (s Seed) validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	known := make(map[string]struct{}, len(s.Warehouses))
	for _, w := range s.Warehouses {
		if w.ID == "" {
			return fmt.Errorf("%w: warehouse without id", ErrInvalidSeed)
		}
		known[w.ID] = struct{}{}
	}
	for _, b := range s.Bins {
		if _, ok := known[b.WarehouseID]; !ok || b.ID == "" {
			return fmt.Errorf("%w: bin %q references unknown warehouse %q", ErrInvalidSeed, b.ID, b.WarehouseID)
		}
	}
	for _, item := range s.Items {
		if item.ID == "" || item.StockUOM == "" {
			return fmt.Errorf("%w: item %q needs id and stock_uom", ErrInvalidSeed, item.ID)
		}
		method := item.ValuationMethod()
		if !method.Valid() {
			return fmt.Errorf("%w: item %s: unknown valuation method %q", ErrInvalidSeed, item.ID, item.Valuation)
		}
		if method == valuation.Standard && item.StandardRate == nil {
			return fmt.Errorf("%w: item %s: standard valuation needs standard_rate", ErrInvalidSeed, item.ID)
		}
		if item.Backorder != "" && !item.Backorder.Valid() {
			return fmt.Errorf("%w: item %s: unknown backorder policy %q", ErrInvalidSeed, item.ID, item.Backorder)
		}
	}
	return nil
}

// Catalog builds an in-memory item catalog from the snapshot.
func (s Seed) Catalog() *items.MemoryCatalog {
	return items.NewMemoryCatalog(s.Items...)
}

// Directory builds an in-memory warehouse directory from the snapshot.
func (s Seed) Directory() *warehouses.MemoryDirectory {
	dir := warehouses.NewMemoryDirectory()
	for _, w := range s.Warehouses {
		dir.PutWarehouse(w)
	}
	for _, b := range s.Bins {
		dir.PutBin(b)
	}
	return dir
}
