package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
	"github.com/odyssey-erp/stockledger/internal/measure"
)

// PolicyKey scopes a backorder override to one item in one warehouse.
type PolicyKey struct {
	ItemID      string
	WarehouseID string
}

// Config tunes the ledger.
type Config struct {
	Currency   string
	Backorder  items.BackorderPolicy
	Overrides  map[PolicyKey]items.BackorderPolicy
	MaxRetries int
}

// Recorder receives posting outcomes for metrics.
type Recorder interface {
	ObservePosting(kind, outcome string, elapsed time.Duration)
	ObserveConflict(kind string)
}

// BalanceCache stores current balances per key version.
type BalanceCache interface {
	GetBalance(ctx context.Context, key Key, version int64) (Balance, bool, error)
	SetBalance(ctx context.Context, key Key, version int64, b Balance) error
}

// LedgerParams groups ledger dependencies. Cache, Events, Metrics and Logger
// are optional.
type LedgerParams struct {
	Store     Store
	Catalog   ItemCatalog
	Locations LocationDirectory
	Cache     BalanceCache
	Events    EventSink
	Metrics   Recorder
	Logger    *slog.Logger
	Config    Config
}

// Ledger is the only writer of ledger entries.
type Ledger struct {
	store     Store
	catalog   ItemCatalog
	locations LocationDirectory
	cache     BalanceCache
	events    EventSink
	metrics   Recorder
	logger    *slog.Logger
	cfg       Config
	folds     singleflight.Group
}

// NewLedger validates configuration and builds a ledger.
func NewLedger(p LedgerParams) (*Ledger, error) {
	if p.Store == nil || p.Catalog == nil || p.Locations == nil {
		return nil, errors.New("inventory: store, catalog and locations are required")
	}
	cfg := p.Config
	cur, err := measure.ParseCurrency(cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("inventory: ledger currency: %w", err)
	}
	cfg.Currency = cur
	if cfg.Backorder == "" {
		cfg.Backorder = items.BackorderStrict
	}
	if !cfg.Backorder.Valid() {
		return nil, fmt.Errorf("inventory: unknown backorder policy %q", cfg.Backorder)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:     p.Store,
		catalog:   p.Catalog,
		locations: p.Locations,
		cache:     p.Cache,
		events:    p.Events,
		metrics:   p.Metrics,
		logger:    logger,
		cfg:       cfg,
	}, nil
}

// Currency is the ledger's valuation currency.
func (l *Ledger) Currency() string { return l.cfg.Currency }

func (l *Ledger) policyFor(item items.Item, warehouseID string) items.BackorderPolicy {
	if p, ok := l.cfg.Overrides[PolicyKey{ItemID: item.ID, WarehouseID: warehouseID}]; ok && p.Valid() {
		return p
	}
	if item.Backorder.Valid() {
		return item.Backorder
	}
	return l.cfg.Backorder
}

// Post validates, prices and commits a draft stock entry. Posting an ID that
// is already posted returns the stored receipt with Replayed set.
func (l *Ledger) Post(ctx context.Context, se StockEntry) (receipt PostingReceipt, err error) {
	start := time.Now()
	defer func() { l.observe("post", start, err) }()

	if replay, done, err := l.replayed(ctx, se.ID); done || err != nil {
		return replay, err
	}
	if se.Status != StatusDraft {
		return PostingReceipt{}, ErrEntryNotDraft
	}
	resolved, err := se.Validate(ctx, l.catalog, l.locations, l.cfg.Currency)
	if err != nil {
		return PostingReceipt{}, err
	}
	legs, err := buildLegs(se, resolved)
	if err != nil {
		return PostingReceipt{}, err
	}

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return PostingReceipt{}, err
		}
		if attempt > 0 {
			if replay, done, err := l.replayed(ctx, se.ID); done || err != nil {
				return replay, err
			}
		}
		receipt, err = l.tryPost(ctx, se, legs)
		if !IsVersionConflict(err) {
			return receipt, err
		}
		l.conflict("post", se, attempt)
	}
	return PostingReceipt{}, fmt.Errorf("%w: stock entry %s after %d attempts", ErrConcurrentPostingConflict, se.Code, l.cfg.MaxRetries+1)
}

func (l *Ledger) tryPost(ctx context.Context, se StockEntry, legs []*leg) (PostingReceipt, error) {
	plans, err := l.plan(ctx, se, legs)
	if err != nil {
		return PostingReceipt{}, err
	}
	entries, err := l.materialise(se, legs)
	if err != nil {
		return PostingReceipt{}, err
	}
	versions := make(map[Key]int64, len(plans))
	for key, p := range plans {
		versions[key] = p.log.Version
	}
	posted := se
	now := nowUTC()
	posted.Status = StatusPosted
	posted.PostedAt = &now
	stored, err := l.store.Apply(ctx, Commit{StockEntry: posted, ExpectStatus: StatusDraft, Versions: versions, Entries: entries})
	if err != nil {
		return PostingReceipt{}, err
	}
	receipt := PostingReceipt{StockEntryID: se.ID, Code: se.Code, Status: StatusPosted, Entries: stored, EntryIDs: entryIDs(stored)}
	l.logger.Info("stock entry posted",
		slog.String("stock_entry", se.Code),
		slog.String("type", string(se.Type)),
		slog.Int("entries", len(stored)))
	l.publish(ctx, EventPosted, posted, stored)
	return receipt, nil
}

// replayed reports whether id was already posted, returning the stored receipt.
func (l *Ledger) replayed(ctx context.Context, id string) (PostingReceipt, bool, error) {
	if id == "" {
		return PostingReceipt{}, false, nil
	}
	rec, err := l.store.StockEntry(ctx, id)
	if errors.Is(err, ErrStockEntryNotFound) {
		return PostingReceipt{}, false, nil
	}
	if err != nil {
		return PostingReceipt{}, true, fmt.Errorf("inventory: lookup stock entry %s: %w", id, err)
	}
	switch rec.Entry.Status {
	case StatusCancelled:
		return PostingReceipt{}, true, ErrAlreadyCancelled
	case StatusPosted:
		entries, err := l.store.EntriesByID(ctx, rec.PostedIDs)
		if err != nil {
			return PostingReceipt{}, true, err
		}
		return PostingReceipt{
			StockEntryID: rec.Entry.ID,
			Code:         rec.Entry.Code,
			Status:       StatusPosted,
			EntryIDs:     rec.PostedIDs,
			Entries:      entries,
			Replayed:     true,
		}, true, nil
	}
	return PostingReceipt{}, false, nil
}

// Cancel appends exact reversals of a posted stock entry. It refuses when the
// remaining history would go negative under a strict policy, or when a later
// entry was valued against the entries being cancelled.
func (l *Ledger) Cancel(ctx context.Context, stockEntryID string) (receipt PostingReceipt, err error) {
	start := time.Now()
	defer func() { l.observe("cancel", start, err) }()

	for attempt := 0; attempt <= l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return PostingReceipt{}, err
		}
		rec, err := l.store.StockEntry(ctx, stockEntryID)
		if err != nil {
			return PostingReceipt{}, err
		}
		switch rec.Entry.Status {
		case StatusCancelled:
			return PostingReceipt{}, ErrAlreadyCancelled
		case StatusDraft:
			return PostingReceipt{}, ErrNotPosted
		}
		receipt, err = l.tryCancel(ctx, rec)
		if !IsVersionConflict(err) {
			return receipt, err
		}
		l.conflict("cancel", rec.Entry, attempt)
	}
	return PostingReceipt{}, fmt.Errorf("%w: cancel %s after %d attempts", ErrConcurrentPostingConflict, stockEntryID, l.cfg.MaxRetries+1)
}

func (l *Ledger) tryCancel(ctx context.Context, rec StockEntryRecord) (PostingReceipt, error) {
	originals, err := l.store.EntriesByID(ctx, rec.PostedIDs)
	if err != nil {
		return PostingReceipt{}, err
	}
	removed := make(map[string]struct{}, len(originals))
	versions := make(map[Key]int64)
	for _, e := range originals {
		removed[e.ID] = struct{}{}
		versions[e.Key] = 0
	}
	for _, key := range sortedKeys(versions) {
		log, err := l.store.LoadKey(ctx, key)
		if err != nil {
			return PostingReceipt{}, fmt.Errorf("inventory: load %s: %w", key, err)
		}
		versions[key] = log.Version
		if err := l.checkCancellation(ctx, key, log, removed); err != nil {
			return PostingReceipt{}, err
		}
	}

	now := nowUTC()
	reversals := make([]LedgerEntry, 0, len(originals))
	for _, e := range originals {
		rev := e
		rev.ID = uuid.NewString()
		rev.Qty = e.Qty.Neg()
		rev.ValueDelta = e.ValueDelta.Neg()
		rev.CancelsID = e.ID
		rev.Sequence = 0
		rev.Cancelled = true
		rev.CreatedAt = now
		reversals = append(reversals, rev)
	}
	cancelled := rec.Entry
	cancelled.Status = StatusCancelled
	cancelled.CancelledAt = &now
	stored, err := l.store.Apply(ctx, Commit{StockEntry: cancelled, ExpectStatus: StatusPosted, Versions: versions, Entries: reversals})
	if err != nil {
		return PostingReceipt{}, err
	}
	l.logger.Info("stock entry cancelled",
		slog.String("stock_entry", cancelled.Code),
		slog.Int("reversals", len(stored)))
	l.publish(ctx, EventCancelled, cancelled, stored)
	return PostingReceipt{StockEntryID: cancelled.ID, Code: cancelled.Code, Status: StatusCancelled, Entries: stored, EntryIDs: entryIDs(stored)}, nil
}

// checkCancellation projects a key's history without the removed entries.
func (l *Ledger) checkCancellation(ctx context.Context, key Key, log KeyLog, removed map[string]struct{}) error {
	item, err := l.catalog.GetItem(ctx, key.ItemID)
	if err != nil {
		return fmt.Errorf("inventory: resolve item %s: %w", key.ItemID, err)
	}
	strict := l.policyFor(item, key.WarehouseID) != items.BackorderAllow

	active := activeEntries(log.Entries)
	remaining := make([]LedgerEntry, 0, len(active))
	withBal, withoutBal := decimal.Zero, decimal.Zero
	for _, e := range active {
		withBal = withBal.Add(e.Qty.Value())
		if _, gone := removed[e.ID]; gone {
			continue
		}
		withoutBal = withoutBal.Add(e.Qty.Value())
		remaining = append(remaining, e)
		if strict && withoutBal.IsNegative() && withoutBal.LessThan(withBal) {
			return &CancellationUnderflowError{Key: key, Shortfall: withoutBal.Neg()}
		}
	}

	valuer, err := valuation.For(item.ValuationMethod(), item.StandardRate)
	if err != nil {
		return fmt.Errorf("inventory: item %s: %w", item.ID, err)
	}
	return verifySuffix(key, valuer, valuation.State{}, remaining)
}

// RunningBalance folds the non-cancelled history of the selected keys.
func (l *Ledger) RunningBalance(ctx context.Context, q BalanceQuery) (Balance, error) {
	item, keys, err := l.resolveKeys(ctx, q.ItemID, q.WarehouseID, q.Batch)
	if err != nil {
		return Balance{}, err
	}
	total := Balance{
		ItemID:      q.ItemID,
		WarehouseID: q.WarehouseID,
		Qty:         measure.ZeroQuantity(item.StockUOM),
		Value:       measure.ZeroMoney(l.cfg.Currency),
		AsOf:        q.AsOf,
	}
	if q.Batch != nil && item.RequiresBatch {
		total.Batch = *q.Batch
	}
	for _, key := range keys {
		b, err := l.keyBalance(ctx, key, item, q)
		if err != nil {
			return Balance{}, err
		}
		if total.Qty, err = total.Qty.Add(b.Qty); err != nil {
			return Balance{}, err
		}
		if total.Value, err = total.Value.Add(b.Value); err != nil {
			return Balance{}, err
		}
		if b.Sequence > total.Sequence {
			total.Sequence = b.Sequence
		}
		if q.AsOf.IsZero() && b.AsOf.After(total.AsOf) {
			total.AsOf = b.AsOf
		}
		total.Version += b.Version
	}
	if total.Qty.IsPositive() {
		rate, err := total.Value.Per(total.Qty)
		if err == nil {
			total.Rate = &rate
		}
	}
	return total, nil
}

func (l *Ledger) keyBalance(ctx context.Context, key Key, item items.Item, q BalanceQuery) (Balance, error) {
	if !q.AsOf.IsZero() || l.cache == nil {
		log, err := l.store.LoadKey(ctx, key)
		if err != nil {
			return Balance{}, err
		}
		return l.fold(log, item, q.AsOf, q.AsOfSequence), nil
	}
	version, err := l.store.Version(ctx, key)
	if err != nil {
		return Balance{}, err
	}
	if b, ok, err := l.cache.GetBalance(ctx, key, version); err == nil && ok {
		return b, nil
	} else if err != nil {
		l.logger.Warn("balance cache read", slog.String("key", key.String()), slog.Any("error", err))
	}
	v, err, _ := l.folds.Do(fmt.Sprintf("%s:%d", key, version), func() (any, error) {
		log, err := l.store.LoadKey(ctx, key)
		if err != nil {
			return Balance{}, err
		}
		b := l.fold(log, item, time.Time{}, 0)
		if err := l.cache.SetBalance(ctx, key, log.Version, b); err != nil {
			l.logger.Warn("balance cache write", slog.String("key", key.String()), slog.Any("error", err))
		}
		return b, nil
	})
	if err != nil {
		return Balance{}, err
	}
	return v.(Balance), nil
}

// fold sums non-cancelled entries up to the cutoff. Reversal pairs are
// matched within the window so a cutoff between the halves keeps the original.
func (l *Ledger) fold(log KeyLog, item items.Item, asOf time.Time, asOfSeq int64) Balance {
	window := log.Entries
	if !asOf.IsZero() {
		window = make([]LedgerEntry, 0, len(log.Entries))
		for _, e := range log.Entries {
			if e.PostingDate.After(asOf) {
				break
			}
			if asOfSeq > 0 && e.PostingDate.Equal(asOf) && e.Sequence > asOfSeq {
				continue
			}
			window = append(window, e)
		}
		markCancelled(window)
	}

	qty := decimal.Zero
	value := decimal.Zero
	b := Balance{ItemID: log.Key.ItemID, WarehouseID: log.Key.WarehouseID, Batch: log.Key.Batch, Version: log.Version, AsOf: asOf}
	for _, e := range window {
		if e.Cancelled {
			continue
		}
		qty = qty.Add(e.Qty.Value())
		value = value.Add(e.ValueDelta.Amount())
		if e.Sequence > b.Sequence {
			b.Sequence = e.Sequence
		}
		if asOf.IsZero() && e.PostingDate.After(b.AsOf) {
			b.AsOf = e.PostingDate
		}
	}
	b.Qty = measure.Delta(qty, item.StockUOM)
	b.Value, _ = measure.NewMoney(value, l.cfg.Currency)
	if qty.IsPositive() {
		if rate, err := b.Value.Per(b.Qty); err == nil {
			b.Rate = &rate
		}
	}
	return b
}

func (l *Ledger) resolveKeys(ctx context.Context, itemID, warehouseID string, batch *string) (items.Item, []Key, error) {
	item, err := l.catalog.GetItem(ctx, itemID)
	if errors.Is(err, items.ErrItemNotFound) {
		return items.Item{}, nil, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	if err != nil {
		return items.Item{}, nil, err
	}
	ok, err := l.locations.WarehouseExists(ctx, warehouseID)
	if err != nil {
		return items.Item{}, nil, err
	}
	if !ok {
		return items.Item{}, nil, fmt.Errorf("%w: %s", ErrUnknownWarehouse, warehouseID)
	}
	if item.RequiresBatch && batch == nil {
		keys, err := l.store.Keys(ctx, itemID, warehouseID)
		if err != nil {
			return items.Item{}, nil, err
		}
		return item, keys, nil
	}
	b := ""
	if batch != nil {
		b = *batch
	}
	return item, []Key{keyFor(item, warehouseID, b)}, nil
}

func (l *Ledger) observe(kind string, start time.Time, err error) {
	if l.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConcurrentPostingConflict):
		outcome = "conflict"
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrCancellationWouldUnderflow), errors.Is(err, ErrValuationDependency):
		outcome = "rejected"
	case errors.Is(err, ErrInvalidDetailLine), errors.Is(err, ErrUnknownItem), errors.Is(err, ErrUnknownWarehouse),
		errors.Is(err, ErrUnknownBin), errors.Is(err, measure.ErrCurrencyMismatch):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	l.metrics.ObservePosting(kind, outcome, time.Since(start))
}

func (l *Ledger) conflict(kind string, se StockEntry, attempt int) {
	if l.metrics != nil {
		l.metrics.ObserveConflict(kind)
	}
	l.logger.Debug("ledger version conflict, retrying",
		slog.String("op", kind),
		slog.String("stock_entry", se.Code),
		slog.Int("attempt", attempt+1))
}

func entryIDs(entries []LedgerEntry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}

// StockEntry returns a stored stock entry with its ledger entry IDs.
func (l *Ledger) StockEntry(ctx context.Context, id string) (StockEntryRecord, error) {
	return l.store.StockEntry(ctx, id)
}

// Keys lists ledger keys with history; empty arguments match everything.
func (l *Ledger) Keys(ctx context.Context, itemID, warehouseID string) ([]Key, error) {
	return l.store.Keys(ctx, itemID, warehouseID)
}
