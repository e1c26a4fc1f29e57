package inventory

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/masterdata/items"
	"github.com/odyssey-erp/stockledger/internal/measure"
)

func TestHistoryPagesAndResumes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for d := 1; d <= 5; d++ {
		f.receive("sku-wa", whMain, "1", "2", day(d))
	}
	f.receive("sku-wa", whStore, "1", "2", day(3))

	cur, err := f.ledger.History(ctx, HistoryFilter{ItemID: "sku-wa", WarehouseID: whMain, PageSize: 2})
	require.NoError(t, err)
	all, err := cur.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		require.True(t, all[i-1].before(all[i]))
	}

	cur, err = f.ledger.History(ctx, HistoryFilter{ItemID: "sku-wa", WarehouseID: whMain, PageSize: 2})
	require.NoError(t, err)
	require.True(t, cur.Next(ctx))
	require.True(t, cur.Next(ctx))
	require.Equal(t, all[1].ID, cur.Entry().ID)

	token := cur.Cursor().Encode()
	after, err := ParseCursor(token)
	require.NoError(t, err)
	require.True(t, after.PostingDate.Equal(all[1].PostingDate))
	require.Equal(t, all[1].Sequence, after.Sequence)

	resumed, err := f.ledger.History(ctx, HistoryFilter{ItemID: "sku-wa", WarehouseID: whMain, PageSize: 2, After: after})
	require.NoError(t, err)
	rest, err := resumed.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, rest, 3)
	require.Equal(t, all[2].ID, rest[0].ID)
}

func TestHistoryDateWindow(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	for d := 1; d <= 6; d++ {
		f.receive("sku-fifo", whMain, "1", "3", day(d))
	}
	cur, err := f.ledger.History(ctx, HistoryFilter{ItemID: "sku-fifo", WarehouseID: whMain, From: day(2), To: day(4)})
	require.NoError(t, err)
	got, err := cur.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.True(t, got[0].PostingDate.Equal(day(2)))
	require.True(t, got[2].PostingDate.Equal(day(4)))
}

func TestHistoryUnknownItem(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.ledger.History(context.Background(), HistoryFilter{ItemID: "nope", WarehouseID: whMain})
	require.ErrorIs(t, err, ErrUnknownItem)
}

func TestCursorTokens(t *testing.T) {
	require.Empty(t, Cursor{}.Encode())

	c, err := ParseCursor("")
	require.NoError(t, err)
	require.True(t, c.IsZero())

	_, err = ParseCursor("not-a-cursor")
	require.Error(t, err)

	in := Cursor{PostingDate: day(7), Sequence: 42}
	token := in.Encode()
	require.Equal(t, url.QueryEscape(token), token)
	require.NotContains(t, token, "42")
	out, err := ParseCursor(token)
	require.NoError(t, err)
	require.True(t, in.PostingDate.Equal(out.PostingDate))
	require.Equal(t, in.Sequence, out.Sequence)

	_, err = ParseCursor(fmt.Sprintf("%d.%d", day(7).UnixNano(), 42))
	require.Error(t, err, "plain positions are not tokens")
	_, err = ParseCursor(token + "A")
	require.Error(t, err)
}

func TestVerifyDetectsTamperedValue(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.receive("sku-wa", whMain, "10", "2", day(1))
	f.receive("sku-wa", whMain, "10", "4", day(2))
	issued := f.issue("sku-wa", whMain, "5", day(3))
	f.requireConsistent()

	rec, err := f.ledger.Verify(ctx, Key{ItemID: "sku-wa", WarehouseID: whMain})
	require.NoError(t, err)
	require.True(t, rec.Consistent())
	require.Equal(t, 3, rec.Entries)
	requireDec(t, "15", rec.Qty)
	requireDec(t, "45", rec.Value)

	tampered := f.store.entries[issued.EntryIDs[0]]
	wrong, err := measure.NewMoney(dec("-1"), "USD")
	require.NoError(t, err)
	tampered.ValueDelta = wrong
	f.store.entries[tampered.ID] = tampered

	rec, err = f.ledger.Verify(ctx, tampered.Key)
	require.NoError(t, err)
	require.False(t, rec.Consistent())
	require.Len(t, rec.Mismatches, 2)
	requireDec(t, "45", rec.ReplayVal)
}

func TestVerifyAllFiltersByWarehouse(t *testing.T) {
	f := newFixture(t, Config{})
	f.receive("sku-wa", whMain, "1", "1", day(1))
	f.receive("sku-fifo", whMain, "1", "1", day(1))
	f.receive("sku-fifo", whStore, "1", "1", day(1))

	recs, err := f.ledger.VerifyAll(context.Background(), "", whMain)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "sku-fifo", recs[0].Key.ItemID)
	require.Equal(t, "sku-wa", recs[1].Key.ItemID)
}

func TestVerifyFlagsNegativeBalanceOnStrictKey(t *testing.T) {
	f := newFixture(t, Config{})
	line := out(t, "sku-loose", whMain, "3")
	line.Rate = usd("2")
	f.mustPost(EntryIssue, day(1), line)
	f.receive("sku-loose", whMain, "5", "4", day(2))

	key := Key{ItemID: "sku-loose", WarehouseID: whMain}
	rec, err := f.ledger.Verify(context.Background(), key)
	require.NoError(t, err)
	require.True(t, rec.Consistent(), "allow keys may dip below zero")

	strict, err := NewLedger(LedgerParams{
		Store:     f.store,
		Catalog:   f.catalog,
		Locations: f.ledger.locations,
		Logger:    discardLogger(),
		Config: Config{Currency: "USD", Overrides: map[PolicyKey]items.BackorderPolicy{
			{ItemID: "sku-loose", WarehouseID: whMain}: items.BackorderStrict,
		}},
	})
	require.NoError(t, err)
	rec, err = strict.Verify(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, rec.Mismatches, 1)
	require.Contains(t, rec.Mismatches[0], "below zero")
	requireDec(t, "2", rec.Qty)
}

type staleCache struct{ balance Balance }

func (c staleCache) GetBalance(context.Context, Key, int64) (Balance, bool, error) {
	return c.balance, true, nil
}

func (staleCache) SetBalance(context.Context, Key, int64, Balance) error { return nil }

func TestVerifyComparesCachedProjection(t *testing.T) {
	f := newFixture(t, Config{})
	f.receive("sku-wa", whMain, "5", "2", day(1))

	build := func(cache BalanceCache) *Ledger {
		l, err := NewLedger(LedgerParams{
			Store:     f.store,
			Catalog:   f.catalog,
			Locations: f.ledger.locations,
			Cache:     cache,
			Logger:    discardLogger(),
			Config:    Config{Currency: "USD"},
		})
		require.NoError(t, err)
		return l
	}
	key := Key{ItemID: "sku-wa", WarehouseID: whMain}

	value, err := measure.NewMoney(dec("10"), "USD")
	require.NoError(t, err)
	good := Balance{Qty: measure.Delta(dec("5"), "pcs"), Value: value}
	rec, err := build(staleCache{balance: good}).Verify(context.Background(), key)
	require.NoError(t, err)
	require.True(t, rec.Consistent())

	bad := Balance{Qty: measure.Delta(dec("999"), "pcs"), Value: value}
	rec, err = build(staleCache{balance: bad}).Verify(context.Background(), key)
	require.NoError(t, err)
	require.False(t, rec.Consistent())
	require.Len(t, rec.Mismatches, 1)
	require.Contains(t, rec.Mismatches[0], "cached balance 999")
}
