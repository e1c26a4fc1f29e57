package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
)

// StockEntry is the envelope that groups detail lines posted together.
type StockEntry struct {
	ID          string         `json:"id"`
	Code        string         `json:"code"`
	Type        StockEntryType `json:"type"`
	PostingDate time.Time      `json:"posting_date"`
	Remarks     string         `json:"remarks,omitempty"`
	Details     []Detail       `json:"details"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	PostedAt    *time.Time     `json:"posted_at,omitempty"`
	CancelledAt *time.Time     `json:"cancelled_at,omitempty"`
}

// Poster posts a stock entry to the ledger.
type Poster interface {
	Post(ctx context.Context, entry StockEntry) (PostingReceipt, error)
}

// Canceller cancels a posted stock entry.
type Canceller interface {
	Cancel(ctx context.Context, stockEntryID string) (PostingReceipt, error)
}

// NewStockEntry creates a draft. An empty id gets a fresh UUID.
func NewStockEntry(id, code string, typ StockEntryType, postingDate time.Time) (*StockEntry, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: unknown entry type %q", ErrInvalidDetailLine, typ)
	}
	if postingDate.IsZero() {
		return nil, fmt.Errorf("%w: posting date required", ErrInvalidDetailLine)
	}
	if id == "" {
		id = uuid.NewString()
	}
	code = strings.TrimSpace(code)
	if code == "" {
		short := id
		if len(short) > 8 {
			short = short[:8]
		}
		code = "SE-" + strings.ToUpper(short)
	}
	return &StockEntry{
		ID:          id,
		Code:        code,
		Type:        typ,
		PostingDate: postingDate.UTC(),
		Status:      StatusDraft,
		CreatedAt:   nowUTC(),
	}, nil
}

// AddDetail appends a line after checking its shape against the entry type.
func (e *StockEntry) AddDetail(d Detail) error {
	if e.Status != StatusDraft {
		return ErrEntryNotDraft
	}
	d.Line = len(e.Details) + 1
	if err := e.checkShape(d); err != nil {
		return err
	}
	e.Details = append(e.Details, d)
	return nil
}

// RemoveDetail drops a line and renumbers the rest.
func (e *StockEntry) RemoveDetail(line int) error {
	if e.Status != StatusDraft {
		return ErrEntryNotDraft
	}
	if line < 1 || line > len(e.Details) {
		return lineError(line, ErrInvalidDetailLine, "no such line")
	}
	e.Details = append(e.Details[:line-1], e.Details[line:]...)
	for i := range e.Details {
		e.Details[i].Line = i + 1
	}
	return nil
}

// Submit posts the entry through p and marks it posted.
func (e *StockEntry) Submit(ctx context.Context, p Poster) (PostingReceipt, error) {
	if e.Status != StatusDraft {
		return PostingReceipt{}, ErrEntryNotDraft
	}
	receipt, err := p.Post(ctx, *e)
	if err != nil {
		return PostingReceipt{}, err
	}
	now := nowUTC()
	e.Status = receipt.Status
	e.PostedAt = &now
	return receipt, nil
}

// Cancel reverses the entry through c.
func (e *StockEntry) Cancel(ctx context.Context, c Canceller) (PostingReceipt, error) {
	switch e.Status {
	case StatusDraft:
		return PostingReceipt{}, ErrNotPosted
	case StatusCancelled:
		return PostingReceipt{}, ErrAlreadyCancelled
	}
	receipt, err := c.Cancel(ctx, e.ID)
	if err != nil {
		return PostingReceipt{}, err
	}
	now := nowUTC()
	e.Status = StatusCancelled
	e.CancelledAt = &now
	return receipt, nil
}

func (e *StockEntry) checkShape(d Detail) error {
	if strings.TrimSpace(d.ItemID) == "" {
		return lineError(d.Line, ErrInvalidDetailLine, "item required")
	}
	if !d.Qty.IsPositive() {
		return lineError(d.Line, ErrInvalidDetailLine, "quantity must be positive")
	}
	if d.Qty.UOM() == "" {
		return lineError(d.Line, ErrInvalidDetailLine, "unit of measure required")
	}
	if d.SourceBinID != "" && !d.hasSource() {
		return lineError(d.Line, ErrInvalidDetailLine, "source bin without source warehouse")
	}
	if d.TargetBinID != "" && !d.hasTarget() {
		return lineError(d.Line, ErrInvalidDetailLine, "target bin without target warehouse")
	}
	switch e.Type {
	case EntryReceipt:
		if !d.hasTarget() || d.hasSource() {
			return lineError(d.Line, ErrInvalidDetailLine, "receipt needs a target warehouse only")
		}
	case EntryIssue, EntryConsumption:
		if !d.hasSource() || d.hasTarget() {
			return lineError(d.Line, ErrInvalidDetailLine, "%s needs a source warehouse only", e.Type)
		}
	case EntryTransfer:
		if !d.hasSource() || !d.hasTarget() {
			return lineError(d.Line, ErrInvalidDetailLine, "transfer needs source and target warehouses")
		}
		if d.SourceWarehouseID == d.TargetWarehouseID && d.SourceBinID == d.TargetBinID {
			return lineError(d.Line, ErrInvalidDetailLine, "transfer source and target are the same location")
		}
	case EntryAdjustment, EntryManufacture:
		if d.hasSource() == d.hasTarget() {
			return lineError(d.Line, ErrInvalidDetailLine, "%s line needs exactly one of source or target", e.Type)
		}
	}
	return nil
}

// ItemCatalog resolves items.
type ItemCatalog interface {
	GetItem(ctx context.Context, id string) (items.Item, error)
}

// LocationDirectory answers warehouse and bin membership.
type LocationDirectory interface {
	WarehouseExists(ctx context.Context, id string) (bool, error)
	BinBelongsTo(ctx context.Context, binID, warehouseID string) (bool, error)
}

// Validate checks every line against the catalog and directory. It returns
// the resolved items keyed by ID.
func (e *StockEntry) Validate(ctx context.Context, catalog ItemCatalog, dir LocationDirectory, currency string) (map[string]items.Item, error) {
	if len(e.Details) == 0 {
		return nil, ErrEmptyStockEntry
	}
	resolved := make(map[string]items.Item)
	consumed := make(map[Key]int)
	produced := make(map[Key]int)
	for _, d := range e.Details {
		if err := e.checkShape(d); err != nil {
			return nil, err
		}
		item, ok := resolved[d.ItemID]
		if !ok {
			var err error
			item, err = catalog.GetItem(ctx, d.ItemID)
			if errors.Is(err, items.ErrItemNotFound) {
				return nil, lineError(d.Line, ErrUnknownItem, "item %s", d.ItemID)
			}
			if err != nil {
				return nil, fmt.Errorf("inventory: resolve item %s: %w", d.ItemID, err)
			}
			resolved[d.ItemID] = item
		}
		if err := checkItemLine(d, item, currency); err != nil {
			return nil, err
		}
		if d.hasSource() {
			if err := checkLocation(ctx, dir, d.Line, d.SourceWarehouseID, d.SourceBinID); err != nil {
				return nil, err
			}
			consumed[keyFor(item, d.SourceWarehouseID, d.BatchNo)] = d.Line
		}
		if d.hasTarget() {
			if err := checkLocation(ctx, dir, d.Line, d.TargetWarehouseID, d.TargetBinID); err != nil {
				return nil, err
			}
			produced[keyFor(item, d.TargetWarehouseID, d.BatchNo)] = d.Line
		}
	}
	if e.Type == EntryManufacture {
		for key, line := range produced {
			if _, clash := consumed[key]; clash {
				return nil, lineError(line, ErrInvalidDetailLine, "%s is both consumed and produced", key)
			}
		}
	}
	return resolved, nil
}

func checkItemLine(d Detail, item items.Item, currency string) error {
	if _, err := item.ConversionFactor(d.Qty.UOM()); err != nil {
		return lineError(d.Line, ErrInvalidDetailLine, "%v", err)
	}
	if item.RequiresBatch && d.BatchNo == "" {
		return lineError(d.Line, ErrInvalidDetailLine, "item %s requires a batch", item.ID)
	}
	if item.RequiresSerial {
		if d.SerialNo == "" {
			return lineError(d.Line, ErrInvalidDetailLine, "item %s requires a serial", item.ID)
		}
		factor, _ := item.ConversionFactor(d.Qty.UOM())
		if !d.Qty.Value().Mul(factor).Equal(one) {
			return lineError(d.Line, ErrInvalidDetailLine, "serial %s must move exactly one unit", d.SerialNo)
		}
	}
	if item.ValuationMethod() == valuation.Specific && d.BatchNo == "" && d.SerialNo == "" {
		return lineError(d.Line, ErrInvalidDetailLine, "item %s is valued by batch or serial", item.ID)
	}
	if d.Rate != nil {
		if err := d.Rate.CheckCurrency(currency); err != nil {
			return fmt.Errorf("line %d: %w", d.Line, err)
		}
	}
	return nil
}

func checkLocation(ctx context.Context, dir LocationDirectory, line int, warehouseID, binID string) error {
	ok, err := dir.WarehouseExists(ctx, warehouseID)
	if err != nil {
		return fmt.Errorf("inventory: resolve warehouse %s: %w", warehouseID, err)
	}
	if !ok {
		return lineError(line, ErrUnknownWarehouse, "warehouse %s", warehouseID)
	}
	if binID == "" {
		return nil
	}
	ok, err = dir.BinBelongsTo(ctx, binID, warehouseID)
	if err != nil {
		return fmt.Errorf("inventory: resolve bin %s: %w", binID, err)
	}
	if !ok {
		return lineError(line, ErrUnknownBin, "bin %s is not in warehouse %s", binID, warehouseID)
	}
	return nil
}

// keyFor builds the balance key; batches only split items that track them.
func keyFor(item items.Item, warehouseID, batch string) Key {
	k := Key{ItemID: item.ID, WarehouseID: warehouseID}
	if item.RequiresBatch {
		k.Batch = batch
	}
	return k
}
