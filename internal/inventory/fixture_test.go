package inventory

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
	"github.com/odyssey-erp/stockledger/internal/masterdata/warehouses"
	"github.com/odyssey-erp/stockledger/internal/measure"
)

const (
	whMain  = "wh-main"
	whStore = "wh-store"
	binA    = "bin-a"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s got %s", want, got)
}

func day(n int) time.Time { return time.Date(2025, time.March, n, 9, 0, 0, 0, time.UTC) }

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testItems() []items.Item {
	std := dec("5")
	return []items.Item{
		{ID: "sku-wa", StockUOM: "pcs", Valuation: valuation.WeightedAverage, Conversions: map[string]decimal.Decimal{"box": dec("12")}},
		{ID: "sku-fifo", StockUOM: "pcs", Valuation: valuation.FIFO},
		{ID: "sku-lifo", StockUOM: "pcs", Valuation: valuation.LIFO},
		{ID: "sku-std", StockUOM: "pcs", Valuation: valuation.Standard, StandardRate: &std},
		{ID: "sku-batch", StockUOM: "kg", Valuation: valuation.WeightedAverage, RequiresBatch: true},
		{ID: "sku-serial", StockUOM: "pcs", Valuation: valuation.Specific, RequiresSerial: true},
		{ID: "sku-loose", StockUOM: "pcs", Backorder: items.BackorderAllow},
		{ID: "raw", StockUOM: "kg"},
		{ID: "fg", StockUOM: "pcs"},
	}
}

type fixture struct {
	t       *testing.T
	ledger  *Ledger
	store   *MemoryStore
	catalog *items.MemoryCatalog
	events  *eventRecorder
	metrics *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	return newFixtureWithStore(t, cfg, NewMemoryStore())
}

func newFixtureWithStore(t *testing.T, cfg Config, store Store) *fixture {
	t.Helper()
	dir := warehouses.NewMemoryDirectory()
	dir.PutWarehouse(warehouses.Warehouse{ID: whMain, Code: "MAIN"})
	dir.PutWarehouse(warehouses.Warehouse{ID: whStore, Code: "STORE"})
	dir.PutBin(warehouses.Bin{ID: binA, WarehouseID: whMain, Code: "A"})
	catalog := items.NewMemoryCatalog(testItems()...)
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	f := &fixture{t: t, catalog: catalog, events: &eventRecorder{}, metrics: &recorder{}}
	if ms, ok := store.(*MemoryStore); ok {
		f.store = ms
	}
	ledger, err := NewLedger(LedgerParams{
		Store:     store,
		Catalog:   catalog,
		Locations: dir,
		Events:    f.events,
		Metrics:   f.metrics,
		Logger:    discardLogger(),
		Config:    cfg,
	})
	require.NoError(t, err)
	f.ledger = ledger
	return f
}

func qty(t *testing.T, v, uom string) measure.Quantity {
	t.Helper()
	q, err := measure.NewQuantity(dec(v), uom)
	require.NoError(t, err)
	return q
}

func usd(v string) *measure.Rate {
	r := measure.MustRate(v, "USD")
	return &r
}

func uomOf(itemID string) string {
	for _, item := range testItems() {
		if item.ID == itemID {
			return item.StockUOM
		}
	}
	return "pcs"
}

func in(t *testing.T, itemID, wh, q, rate string) Detail {
	d := Detail{ItemID: itemID, Qty: qty(t, q, uomOf(itemID)), TargetWarehouseID: wh}
	if rate != "" {
		d.Rate = usd(rate)
	}
	return d
}

func out(t *testing.T, itemID, wh, q string) Detail {
	return Detail{ItemID: itemID, Qty: qty(t, q, uomOf(itemID)), SourceWarehouseID: wh}
}

func move(t *testing.T, itemID, from, to, q string) Detail {
	return Detail{ItemID: itemID, Qty: qty(t, q, uomOf(itemID)), SourceWarehouseID: from, TargetWarehouseID: to}
}

func (f *fixture) draft(typ StockEntryType, date time.Time, details ...Detail) *StockEntry {
	f.t.Helper()
	se, err := NewStockEntry("", "", typ, date)
	require.NoError(f.t, err)
	for _, d := range details {
		require.NoError(f.t, se.AddDetail(d))
	}
	return se
}

func (f *fixture) post(typ StockEntryType, date time.Time, details ...Detail) (PostingReceipt, error) {
	f.t.Helper()
	return f.ledger.Post(context.Background(), *f.draft(typ, date, details...))
}

func (f *fixture) mustPost(typ StockEntryType, date time.Time, details ...Detail) PostingReceipt {
	f.t.Helper()
	receipt, err := f.post(typ, date, details...)
	require.NoError(f.t, err)
	return receipt
}

func (f *fixture) receive(itemID, wh, q, rate string, date time.Time) PostingReceipt {
	f.t.Helper()
	return f.mustPost(EntryReceipt, date, in(f.t, itemID, wh, q, rate))
}

func (f *fixture) issue(itemID, wh, q string, date time.Time) PostingReceipt {
	f.t.Helper()
	return f.mustPost(EntryIssue, date, out(f.t, itemID, wh, q))
}

func (f *fixture) balance(itemID, wh string) Balance {
	f.t.Helper()
	b, err := f.ledger.RunningBalance(context.Background(), BalanceQuery{ItemID: itemID, WarehouseID: wh})
	require.NoError(f.t, err)
	return b
}

func (f *fixture) requireBalance(itemID, wh, wantQty, wantValue string) Balance {
	f.t.Helper()
	b := f.balance(itemID, wh)
	requireDec(f.t, wantQty, b.Qty.Value())
	requireDec(f.t, wantValue, b.Value.Amount())
	return b
}

func (f *fixture) requireConsistent() {
	f.t.Helper()
	recs, err := f.ledger.VerifyAll(context.Background(), "", "")
	require.NoError(f.t, err)
	for _, rec := range recs {
		require.True(f.t, rec.Consistent(), "%s: %v", rec.Key, rec.Mismatches)
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *eventRecorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

type recorder struct {
	mu        sync.Mutex
	outcomes  map[string]int
	conflicts int
}

func (r *recorder) ObservePosting(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[kind+":"+outcome]++
}

func (r *recorder) ObserveConflict(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts++
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[key]
}

// flakyStore fails the first n Apply calls with a version conflict.
type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakyStore) Apply(ctx context.Context, c Commit) ([]LedgerEntry, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return nil, errVersionConflict
	}
	return s.MemoryStore.Apply(ctx, c)
}
