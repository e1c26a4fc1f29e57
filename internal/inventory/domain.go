package inventory

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/stockledger/internal/measure"
)

// StockEntryType enumerates supported stock movements.
type StockEntryType string

const (
	EntryReceipt     StockEntryType = "receipt"
	EntryIssue       StockEntryType = "issue"
	EntryTransfer    StockEntryType = "transfer"
	EntryConsumption StockEntryType = "consumption"
	EntryManufacture StockEntryType = "manufacture"
	EntryAdjustment  StockEntryType = "adjustment"
)

// Valid reports whether t is a known entry type.
func (t StockEntryType) Valid() bool {
	switch t {
	case EntryReceipt, EntryIssue, EntryTransfer, EntryConsumption, EntryManufacture, EntryAdjustment:
		return true
	}
	return false
}

// Status is the lifecycle state of a stock entry.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPosted    Status = "posted"
	StatusCancelled Status = "cancelled"
)

// Key identifies one running balance.
type Key struct {
	ItemID      string `json:"item_id"`
	WarehouseID string `json:"warehouse_id"`
	Batch       string `json:"batch_no,omitempty"`
}

func (k Key) String() string {
	if k.Batch == "" {
		return k.ItemID + "@" + k.WarehouseID
	}
	return k.ItemID + "@" + k.WarehouseID + "#" + k.Batch
}

// Less orders keys for lock acquisition.
func (k Key) Less(o Key) bool {
	if k.ItemID != o.ItemID {
		return k.ItemID < o.ItemID
	}
	if k.WarehouseID != o.WarehouseID {
		return k.WarehouseID < o.WarehouseID
	}
	return k.Batch < o.Batch
}

// LedgerEntry is one immutable posted movement.
type LedgerEntry struct {
	ID           string           `json:"id"`
	Key          Key              `json:"key"`
	BinID        string           `json:"bin_id,omitempty"`
	BatchNo      string           `json:"batch_no,omitempty"`
	SerialNo     string           `json:"serial_no,omitempty"`
	ExpiryDate   *time.Time       `json:"expiry_date,omitempty"`
	PostingDate  time.Time        `json:"posting_date"`
	Sequence     int64            `json:"sequence"`
	Qty          measure.Quantity `json:"qty"`
	Rate         measure.Rate     `json:"rate"`
	ValueDelta   measure.Money    `json:"value_delta"`
	VoucherType  StockEntryType   `json:"voucher_type"`
	StockEntryID string           `json:"stock_entry_id"`
	VoucherNo    string           `json:"voucher_no"`
	VoucherLine  int              `json:"voucher_line"`
	CancelsID    string           `json:"cancels_id,omitempty"`
	Cancelled    bool             `json:"cancelled"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Outgoing reports whether the entry reduces stock.
func (e LedgerEntry) Outgoing() bool {
	return e.Qty.IsNegative()
}

// before orders entries by posting date then sequence.
func (e LedgerEntry) before(o LedgerEntry) bool {
	if !e.PostingDate.Equal(o.PostingDate) {
		return e.PostingDate.Before(o.PostingDate)
	}
	return e.Sequence < o.Sequence
}

// Detail is one line of a stock entry.
type Detail struct {
	Line              int              `json:"line"`
	ItemID            string           `json:"item_id"`
	Qty               measure.Quantity `json:"qty"`
	Rate              *measure.Rate    `json:"rate,omitempty"`
	SourceWarehouseID string           `json:"source_warehouse_id,omitempty"`
	SourceBinID       string           `json:"source_bin_id,omitempty"`
	TargetWarehouseID string           `json:"target_warehouse_id,omitempty"`
	TargetBinID       string           `json:"target_bin_id,omitempty"`
	BatchNo           string           `json:"batch_no,omitempty"`
	SerialNo          string           `json:"serial_no,omitempty"`
	ExpiryDate        *time.Time       `json:"expiry_date,omitempty"`
}

func (d Detail) hasSource() bool { return d.SourceWarehouseID != "" }
func (d Detail) hasTarget() bool { return d.TargetWarehouseID != "" }

// Balance is a running balance at a cutoff.
type Balance struct {
	ItemID      string           `json:"item_id"`
	WarehouseID string           `json:"warehouse_id"`
	Batch       string           `json:"batch_no,omitempty"`
	Qty         measure.Quantity `json:"qty"`
	Value       measure.Money    `json:"value"`
	Rate        *measure.Rate    `json:"rate,omitempty"`
	AsOf        time.Time        `json:"as_of"`
	Sequence    int64            `json:"sequence"`
	Version     int64            `json:"version"`
}

// BalanceQuery selects a running balance. A zero AsOf folds everything;
// AsOfSequence further limits entries dated exactly AsOf.
type BalanceQuery struct {
	ItemID       string
	WarehouseID  string
	Batch        *string
	AsOf         time.Time
	AsOfSequence int64
}

// Cursor is a position in a ledger history.
type Cursor struct {
	PostingDate time.Time `json:"posting_date"`
	Sequence    int64     `json:"sequence"`
}

// IsZero reports whether the cursor points before the first entry.
func (c Cursor) IsZero() bool {
	return c.Sequence == 0 && c.PostingDate.IsZero()
}

// Encode renders the cursor as an opaque token.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d.%d", c.PostingDate.UnixNano(), c.Sequence)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor reverses Encode.
func ParseCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	token = strings.TrimSpace(token)
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("inventory: invalid cursor %q", token)
	}
	var nanos, seq int64
	if _, err := fmt.Sscanf(string(raw), "%d.%d", &nanos, &seq); err != nil {
		return Cursor{}, fmt.Errorf("inventory: invalid cursor %q", token)
	}
	c := Cursor{PostingDate: time.Unix(0, nanos).UTC(), Sequence: seq}
	if c.Encode() != token {
		return Cursor{}, fmt.Errorf("inventory: invalid cursor %q", token)
	}
	return c, nil
}

// HistoryFilter narrows a ledger history query.
type HistoryFilter struct {
	ItemID      string
	WarehouseID string
	Batch       *string
	From        time.Time
	To          time.Time
	After       Cursor
	PageSize    int
}

func (f HistoryFilter) matches(e LedgerEntry) bool {
	if !f.From.IsZero() && e.PostingDate.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.PostingDate.After(f.To) {
		return false
	}
	if !f.After.IsZero() {
		return f.After.PostingDate.Before(e.PostingDate) ||
			(f.After.PostingDate.Equal(e.PostingDate) && f.After.Sequence < e.Sequence)
	}
	return true
}

// PostingReceipt is returned by Post and Cancel.
type PostingReceipt struct {
	StockEntryID string        `json:"stock_entry_id"`
	Code         string        `json:"code"`
	Status       Status        `json:"status"`
	EntryIDs     []string      `json:"entry_ids"`
	Entries      []LedgerEntry `json:"entries"`
	Replayed     bool          `json:"replayed"`
}
