package inventory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
)

const defaultPageSize = 100

// HistoryCursor walks ledger history forward one page at a time. It is not
// safe for concurrent use.
type HistoryCursor struct {
	store  Store
	keys   []Key
	filter HistoryFilter
	page   []LedgerEntry
	idx    int
	pos    Cursor
	done   bool
	err    error
}

// History opens a forward-only cursor over entries for an item and warehouse.
// Passing f.After resumes after a previously seen position.
func (l *Ledger) History(ctx context.Context, f HistoryFilter) (*HistoryCursor, error) {
	_, keys, err := l.resolveKeys(ctx, f.ItemID, f.WarehouseID, f.Batch)
	if err != nil {
		return nil, err
	}
	if f.PageSize <= 0 {
		f.PageSize = defaultPageSize
	}
	return &HistoryCursor{store: l.store, keys: keys, filter: f, pos: f.After, idx: -1}, nil
}

// Next advances to the next entry, fetching a page when needed.
func (c *HistoryCursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.idx+1 < len(c.page) {
		c.idx++
		c.pos = Cursor{PostingDate: c.page[c.idx].PostingDate, Sequence: c.page[c.idx].Sequence}
		return true
	}
	if c.done {
		return false
	}
	f := c.filter
	f.After = c.pos
	page, err := c.store.History(ctx, c.keys, f, f.PageSize)
	if err != nil {
		c.err = fmt.Errorf("inventory: history page: %w", err)
		return false
	}
	c.page, c.idx = page, -1
	if len(page) < f.PageSize {
		c.done = true
	}
	if len(page) == 0 {
		return false
	}
	return c.Next(ctx)
}

// Entry is the current entry.
func (c *HistoryCursor) Entry() LedgerEntry {
	if c.idx < 0 || c.idx >= len(c.page) {
		return LedgerEntry{}
	}
	return c.page[c.idx]
}

// Cursor is the position of the current entry; pass it as After to resume.
func (c *HistoryCursor) Cursor() Cursor { return c.pos }

// Err reports the first error seen.
func (c *HistoryCursor) Err() error { return c.err }

// Collect drains the cursor.
func (c *HistoryCursor) Collect(ctx context.Context) ([]LedgerEntry, error) {
	var out []LedgerEntry
	for c.Next(ctx) {
		out = append(out, c.Entry())
	}
	return out, c.Err()
}

// Reconciliation compares a key's stored history against a fresh replay.
type Reconciliation struct {
	Key        Key             `json:"key"`
	Entries    int             `json:"entries"`
	Qty        decimal.Decimal `json:"qty"`
	Value      decimal.Decimal `json:"value"`
	ReplayQty  decimal.Decimal `json:"replay_qty"`
	ReplayVal  decimal.Decimal `json:"replay_value"`
	Mismatches []string        `json:"mismatches,omitempty"`
}

// Consistent reports whether the replay agreed with history.
func (r Reconciliation) Consistent() bool { return len(r.Mismatches) == 0 }

// Verify replays the non-cancelled history of key through its valuation
// method and reports every entry whose recorded rate or value differs. It
// also flags the first negative running balance on a strict key and a
// cached projection that disagrees with the fold.
func (l *Ledger) Verify(ctx context.Context, key Key) (Reconciliation, error) {
	item, err := l.catalog.GetItem(ctx, key.ItemID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("inventory: resolve item %s: %w", key.ItemID, err)
	}
	valuer, err := valuation.For(item.ValuationMethod(), item.StandardRate)
	if err != nil {
		return Reconciliation{}, err
	}
	log, err := l.store.LoadKey(ctx, key)
	if err != nil {
		return Reconciliation{}, err
	}
	active := activeEntries(log.Entries)
	rec := Reconciliation{Key: key, Entries: len(active), Qty: decimal.Zero, Value: decimal.Zero}
	strict := l.policyFor(item, key.WarehouseID) != items.BackorderAllow
	negative := false
	for _, e := range active {
		rec.Qty = rec.Qty.Add(e.Qty.Value())
		rec.Value = rec.Value.Add(e.ValueDelta.Amount())
		if strict && !negative && rec.Qty.IsNegative() {
			negative = true
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("%s seq %d: balance %s below zero on a strict key",
				e.ID, e.Sequence, rec.Qty))
		}
	}
	st, err := valuation.Replay(valuer, valuation.State{}, replaySteps(active), func(i int, res valuation.Result, _ valuation.State) error {
		e := active[i]
		if !res.ValueDelta.Equal(e.ValueDelta.Amount()) || !res.Rate.Equal(e.Rate.Amount()) {
			rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("%s seq %d: recorded %s @ %s, replayed %s @ %s",
				e.ID, e.Sequence, e.ValueDelta.Amount(), e.Rate.Amount(), res.ValueDelta, res.Rate))
		}
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("inventory: replay %s: %w", key, err)
	}
	rec.ReplayQty, rec.ReplayVal = st.Qty, st.Value
	if !rec.ReplayQty.Equal(rec.Qty) || !rec.ReplayVal.Equal(rec.Value) {
		rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("balance %s / %s, replay %s / %s", rec.Qty, rec.Value, st.Qty, st.Value))
	}
	if l.cache == nil {
		return rec, nil
	}
	cached, ok, err := l.cache.GetBalance(ctx, key, log.Version)
	switch {
	case err != nil:
		l.logger.Warn("balance cache read", slog.String("key", key.String()), slog.Any("error", err))
	case ok && (!cached.Qty.Value().Equal(rec.Qty) || !cached.Value.Amount().Equal(rec.Value)):
		rec.Mismatches = append(rec.Mismatches, fmt.Sprintf("cached balance %s / %s at version %d, fold %s / %s",
			cached.Qty.Value(), cached.Value.Amount(), log.Version, rec.Qty, rec.Value))
	}
	return rec, nil
}

// VerifyAll reconciles every key matching itemID and warehouseID.
func (l *Ledger) VerifyAll(ctx context.Context, itemID, warehouseID string) ([]Reconciliation, error) {
	keys, err := l.store.Keys(ctx, itemID, warehouseID)
	if err != nil {
		return nil, err
	}
	out := make([]Reconciliation, 0, len(keys))
	for _, key := range keys {
		rec, err := l.Verify(ctx, key)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}
