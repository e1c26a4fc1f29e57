package perf

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/inventory/valuation"
	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
	"github.com/odyssey-erp/stockledger/internal/masterdata/warehouses"
	"github.com/odyssey-erp/stockledger/internal/measure"
	"github.com/odyssey-erp/stockledger/internal/observability"
)

var baseDate = time.Date(2025, time.January, 1, 8, 0, 0, 0, time.UTC)

func newLedger(tb testing.TB, recorder inventory.Recorder) *inventory.Ledger {
	tb.Helper()
	catalog := items.NewMemoryCatalog(
		items.Item{ID: "wa", Code: "WA", StockUOM: "pcs", Valuation: valuation.WeightedAverage},
		items.Item{ID: "fifo", Code: "FIFO", StockUOM: "pcs", Valuation: valuation.FIFO},
	)
	dir := warehouses.NewMemoryDirectory()
	for i := 0; i < 10; i++ {
		dir.PutWarehouse(warehouses.Warehouse{ID: fmt.Sprintf("wh-%02d", i)})
	}
	ledger, err := inventory.NewLedger(inventory.LedgerParams{
		Store:     inventory.NewMemoryStore(),
		Catalog:   catalog,
		Locations: dir,
		Metrics:   recorder,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:    inventory.Config{Currency: "USD"},
	})
	if err != nil {
		tb.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func post(tb testing.TB, ledger *inventory.Ledger, typ inventory.StockEntryType, date time.Time, d inventory.Detail) {
	tb.Helper()
	se, err := inventory.NewStockEntry("", "", typ, date)
	if err != nil {
		tb.Fatalf("new stock entry: %v", err)
	}
	if err := se.AddDetail(d); err != nil {
		tb.Fatalf("add detail: %v", err)
	}
	if _, err := ledger.Post(context.Background(), *se); err != nil {
		tb.Fatalf("post %s: %v", typ, err)
	}
}

func receipt(item, wh string, qty int64, rate string) inventory.Detail {
	q, _ := measure.NewQuantity(decimal.NewFromInt(qty), "pcs")
	r := measure.MustRate(rate, "USD")
	return inventory.Detail{ItemID: item, Qty: q, Rate: &r, TargetWarehouseID: wh}
}

func issue(item, wh string, qty int64) inventory.Detail {
	q, _ := measure.NewQuantity(decimal.NewFromInt(qty), "pcs")
	return inventory.Detail{ItemID: item, Qty: q, SourceWarehouseID: wh}
}

func TestPostingLatencyTargets(t *testing.T) {
	metrics := observability.NewMetrics()
	ledger := newLedger(t, metrics)

	const rounds = 40
	for i := 0; i < rounds; i++ {
		wh := fmt.Sprintf("wh-%02d", i%10)
		date := baseDate.Add(time.Duration(i) * time.Hour)
		post(t, ledger, inventory.EntryReceipt, date, receipt("fifo", wh, 10, "1.25"))
		post(t, ledger, inventory.EntryIssue, date.Add(time.Minute), issue("fifo", wh, 3))
	}

	gatherer, ok := metrics.Registerer().(prometheus.Gatherer)
	if !ok {
		t.Fatal("metrics registry cannot be gathered")
	}
	families, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	okCount := metricValue(t, families, "stockledger_postings_total", map[string]string{"op": "post", "outcome": "ok"})
	if okCount != 2*rounds {
		t.Fatalf("expected %d successful posts, got %f", 2*rounds, okCount)
	}
	mean := histogramMean(t, families, "stockledger_posting_duration_seconds", map[string]string{"op": "post"})
	if mean > 0.25 {
		t.Fatalf("in-memory posting latency above budget: %fs", mean)
	}
}

func TestBalanceReadLatencyTargets(t *testing.T) {
	ledger := newLedger(t, nil)
	for i := 0; i < 500; i++ {
		date := baseDate.Add(time.Duration(i) * time.Minute)
		post(t, ledger, inventory.EntryReceipt, date, receipt("wa", "wh-00", 2, fmt.Sprintf("%d.5", 1+i%7)))
	}

	samples := make([]time.Duration, 0, 20)
	for i := 0; i < 20; i++ {
		start := time.Now()
		if _, err := ledger.RunningBalance(context.Background(), inventory.BalanceQuery{ItemID: "wa", WarehouseID: "wh-00"}); err != nil {
			t.Fatalf("balance: %v", err)
		}
		samples = append(samples, time.Since(start))
	}
	if p95 := percentile95(samples); p95 > 500*time.Millisecond {
		t.Fatalf("balance fold latency regression: p95=%s", p95)
	}
}

func BenchmarkPostReceipt(b *testing.B) {
	ledger := newLedger(b, nil)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		post(b, ledger, inventory.EntryReceipt, baseDate.Add(time.Duration(i)*time.Second), receipt("wa", "wh-01", 5, "3"))
	}
}

func BenchmarkBackdatedIssue(b *testing.B) {
	ledger := newLedger(b, nil)
	for i := 0; i < 200; i++ {
		post(b, ledger, inventory.EntryReceipt, baseDate.Add(time.Duration(i)*time.Hour), receipt("fifo", "wh-02", 100000, "2"))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		post(b, ledger, inventory.EntryIssue, baseDate.Add(time.Duration(i%200)*time.Hour+time.Minute), issue("fifo", "wh-02", 1))
	}
}

func BenchmarkRunningBalance(b *testing.B) {
	ledger := newLedger(b, nil)
	for i := 0; i < 1000; i++ {
		post(b, ledger, inventory.EntryReceipt, baseDate.Add(time.Duration(i)*time.Minute), receipt("wa", "wh-03", 1, "4"))
	}
	q := inventory.BalanceQuery{ItemID: "wa", WarehouseID: "wh-03"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := ledger.RunningBalance(context.Background(), q); err != nil {
			b.Fatal(err)
		}
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
