package items

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
)

var (
	// ErrItemNotFound is returned when an item lookup misses.
	ErrItemNotFound = errors.New("items: item not found")
	// ErrNoConversion is returned when a UOM has no conversion factor to the stock UOM.
	ErrNoConversion = errors.New("items: no conversion to stock uom")
)

// BackorderPolicy decides whether an outgoing movement may drive a balance negative.
type BackorderPolicy string

const (
	BackorderStrict BackorderPolicy = "strict"
	BackorderAllow  BackorderPolicy = "allow"
)

// Valid reports whether p is a known policy.
func (p BackorderPolicy) Valid() bool {
	return p == BackorderStrict || p == BackorderAllow
}

// Item is the stock-relevant view of a catalog item.
type Item struct {
	ID             string           `json:"id"`
	Code           string           `json:"code"`
	Name           string           `json:"name"`
	StockUOM       string           `json:"stock_uom"`
	Valuation      valuation.Method `json:"valuation_method"`
	RequiresBatch  bool             `json:"requires_batch"`
	RequiresSerial bool             `json:"requires_serial"`
	StandardRate   *decimal.Decimal `json:"standard_rate,omitempty"`
	ReorderLevel   decimal.Decimal  `json:"reorder_level"`
	ReorderQty     decimal.Decimal  `json:"reorder_qty"`
	// Backorder overrides the ledger default when set.
	Backorder BackorderPolicy `json:"backorder,omitempty"`
	// Conversions maps a UOM to stock units per one of that UOM.
	Conversions map[string]decimal.Decimal `json:"conversions,omitempty"`
	Disabled    bool                       `json:"disabled"`
	UpdatedAt   time.Time                  `json:"updated_at"`
}

// ConversionFactor returns stock units per one uom.
func (i Item) ConversionFactor(uom string) (decimal.Decimal, error) {
	if uom == "" || uom == i.StockUOM {
		return decimal.NewFromInt(1), nil
	}
	factor, ok := i.Conversions[uom]
	if !ok || !factor.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s -> %s for item %s", ErrNoConversion, uom, i.StockUOM, i.ID)
	}
	return factor, nil
}

// ValuationMethod defaults to weighted average.
func (i Item) ValuationMethod() valuation.Method {
	if i.Valuation == "" {
		return valuation.WeightedAverage
	}
	return i.Valuation
}
