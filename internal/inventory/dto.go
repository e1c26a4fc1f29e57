package inventory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/measure"
)

// CreateStockEntryReq is the POST /stock-entries body.
type CreateStockEntryReq struct {
	Code        string                `json:"code" validate:"omitempty,max=64"`
	Type        StockEntryType        `json:"type" validate:"required,oneof=receipt issue transfer consumption manufacture adjustment"`
	PostingDate time.Time             `json:"posting_date" validate:"required"`
	Remarks     string                `json:"remarks" validate:"max=500"`
	Details     []StockEntryDetailReq `json:"details" validate:"required,min=1,dive"`
}

// StockEntryDetailReq is one requested line.
type StockEntryDetailReq struct {
	ItemID            string           `json:"item_id" validate:"required,max=64"`
	Qty               decimal.Decimal  `json:"qty"`
	UOM               string           `json:"uom" validate:"required,max=20"`
	Rate              *decimal.Decimal `json:"rate,omitempty"`
	Currency          string           `json:"currency,omitempty" validate:"omitempty,len=3"`
	SourceWarehouseID string           `json:"source_warehouse_id,omitempty" validate:"max=64"`
	SourceBinID       string           `json:"source_bin_id,omitempty" validate:"max=64"`
	TargetWarehouseID string           `json:"target_warehouse_id,omitempty" validate:"max=64"`
	TargetBinID       string           `json:"target_bin_id,omitempty" validate:"max=64"`
	BatchNo           string           `json:"batch_no,omitempty" validate:"max=64"`
	SerialNo          string           `json:"serial_no,omitempty" validate:"max=64"`
	ExpiryDate        *time.Time       `json:"expiry_date,omitempty"`
}

// toStockEntry builds a draft; currency fills rates that omit one.
func (req CreateStockEntryReq) toStockEntry(id, currency string) (*StockEntry, error) {
	se, err := NewStockEntry(id, req.Code, req.Type, req.PostingDate)
	if err != nil {
		return nil, err
	}
	se.Remarks = req.Remarks
	for i, d := range req.Details {
		qty, err := measure.NewQuantity(d.Qty, d.UOM)
		if err != nil {
			return nil, lineError(i+1, ErrInvalidDetailLine, "%v", err)
		}
		detail := Detail{
			ItemID:            d.ItemID,
			Qty:               qty,
			SourceWarehouseID: d.SourceWarehouseID,
			SourceBinID:       d.SourceBinID,
			TargetWarehouseID: d.TargetWarehouseID,
			TargetBinID:       d.TargetBinID,
			BatchNo:           d.BatchNo,
			SerialNo:          d.SerialNo,
			ExpiryDate:        d.ExpiryDate,
		}
		if d.Rate != nil {
			code := d.Currency
			if code == "" {
				code = currency
			}
			rate, err := measure.NewRate(*d.Rate, code)
			if err != nil {
				return nil, lineError(i+1, ErrInvalidDetailLine, "rate: %v", err)
			}
			detail.Rate = &rate
		}
		if err := se.AddDetail(detail); err != nil {
			return nil, err
		}
	}
	return se, nil
}

// LedgerPage is the GET /ledger response.
type LedgerPage struct {
	Entries    []LedgerEntry `json:"entries"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	return t.UTC(), nil
}
