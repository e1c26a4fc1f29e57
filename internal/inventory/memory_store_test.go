package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/measure"
)

func memoryEntry(id string, key Key, q string) LedgerEntry {
	return LedgerEntry{
		ID:          id,
		Key:         key,
		PostingDate: day(1),
		Qty:         measure.Delta(dec(q), "pcs"),
		Rate:        measure.MustRate("1", "USD"),
		ValueDelta:  measure.ZeroMoney("USD"),
	}
}

func TestMemoryStoreVersionChecks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key{ItemID: "sku-wa", WarehouseID: whMain}
	se := StockEntry{ID: "se-1", Status: StatusPosted}

	stored, err := s.Apply(ctx, Commit{
		StockEntry:   se,
		ExpectStatus: StatusDraft,
		Versions:     map[Key]int64{key: 0},
		Entries:      []LedgerEntry{memoryEntry("le-1", key, "3")},
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, int64(1), stored[0].Sequence)

	v, err := s.Version(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	_, err = s.Apply(ctx, Commit{
		StockEntry:   StockEntry{ID: "se-2", Status: StatusPosted},
		ExpectStatus: StatusDraft,
		Versions:     map[Key]int64{key: 0},
		Entries:      []LedgerEntry{memoryEntry("le-2", key, "1")},
	})
	require.True(t, IsVersionConflict(err))

	_, err = s.Apply(ctx, Commit{
		StockEntry:   se,
		ExpectStatus: StatusDraft,
		Versions:     map[Key]int64{key: 1},
		Entries:      []LedgerEntry{memoryEntry("le-3", key, "1")},
	})
	require.True(t, IsVersionConflict(err), "header already exists")

	log, err := s.LoadKey(ctx, key)
	require.NoError(t, err)
	require.Len(t, log.Entries, 1)
	require.Equal(t, int64(1), log.MaxSequence())
}

func TestMemoryStoreDerivesCancellation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	key := Key{ItemID: "sku-wa", WarehouseID: whMain}

	_, err := s.Apply(ctx, Commit{
		StockEntry:   StockEntry{ID: "se-1", Status: StatusPosted},
		ExpectStatus: StatusDraft,
		Versions:     map[Key]int64{key: 0},
		Entries:      []LedgerEntry{memoryEntry("le-1", key, "3")},
	})
	require.NoError(t, err)

	_, err = s.Apply(ctx, Commit{
		StockEntry:   StockEntry{ID: "se-1", Status: StatusCancelled},
		ExpectStatus: StatusCancelled,
		Versions:     map[Key]int64{key: 1},
	})
	require.True(t, IsVersionConflict(err), "stored status is posted")

	reversal := memoryEntry("le-2", key, "-3")
	reversal.CancelsID = "le-1"
	_, err = s.Apply(ctx, Commit{
		StockEntry:   StockEntry{ID: "se-1", Status: StatusCancelled},
		ExpectStatus: StatusPosted,
		Versions:     map[Key]int64{key: 1},
		Entries:      []LedgerEntry{reversal},
	})
	require.NoError(t, err)

	entries, err := s.EntriesByID(ctx, []string{"le-1", "le-2", "missing"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].Cancelled)
	require.True(t, entries[1].Cancelled)

	rec, err := s.StockEntry(ctx, "se-1")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, rec.Entry.Status)
	require.Equal(t, []string{"le-1"}, rec.PostedIDs)
	require.Equal(t, []string{"le-2"}, rec.CancelIDs)

	_, err = s.StockEntry(ctx, "se-9")
	require.ErrorIs(t, err, ErrStockEntryNotFound)
}

func TestMemoryStoreHonoursContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.LoadKey(ctx, Key{ItemID: "x", WarehouseID: "y"})
	require.ErrorIs(t, err, context.Canceled)
	_, err = s.Keys(ctx, "", "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreLocksPerKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	busy := Key{ItemID: "sku-wa", WarehouseID: whMain}
	other := Key{ItemID: "sku-wa", WarehouseID: whStore}

	held := s.slot(busy)
	held.mu.Lock()

	done := make(chan error, 1)
	go func() {
		_, err := s.Apply(ctx, Commit{
			StockEntry:   StockEntry{ID: "se-other", Status: StatusPosted},
			ExpectStatus: StatusDraft,
			Versions:     map[Key]int64{other: 0},
			Entries:      []LedgerEntry{memoryEntry("le-other", other, "2")},
		})
		if err == nil {
			_, err = s.LoadKey(ctx, other)
		}
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit on an unrelated key waited for a held key")
	}

	blocked := make(chan error, 1)
	go func() {
		_, err := s.Apply(ctx, Commit{
			StockEntry:   StockEntry{ID: "se-busy", Status: StatusPosted},
			ExpectStatus: StatusDraft,
			Versions:     map[Key]int64{busy: 0},
			Entries:      []LedgerEntry{memoryEntry("le-busy", busy, "1")},
		})
		blocked <- err
	}()
	select {
	case <-blocked:
		t.Fatal("commit on a held key went through")
	case <-time.After(50 * time.Millisecond):
	}
	held.mu.Unlock()
	require.NoError(t, <-blocked)

	keys, err := s.Keys(ctx, "sku-wa", "")
	require.NoError(t, err)
	require.Len(t, keys, 2)
}

func TestMemoryStoreRejectsConcurrentCommitsOfOneEntry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := Key{ItemID: "sku-wa", WarehouseID: whMain}
	b := Key{ItemID: "sku-wa", WarehouseID: whStore}
	se := StockEntry{ID: "se-1", Status: StatusPosted}

	_, _, err := s.reserve(Commit{StockEntry: se, ExpectStatus: StatusDraft})
	require.NoError(t, err)
	_, err = s.Apply(ctx, Commit{
		StockEntry:   se,
		ExpectStatus: StatusDraft,
		Versions:     map[Key]int64{b: 0},
		Entries:      []LedgerEntry{memoryEntry("le-b", b, "1")},
	})
	require.True(t, IsVersionConflict(err), "entry already in flight")

	s.release(se.ID)
	_, err = s.Apply(ctx, Commit{
		StockEntry:   se,
		ExpectStatus: StatusDraft,
		Versions:     map[Key]int64{a: 0},
		Entries:      []LedgerEntry{memoryEntry("le-a", a, "1")},
	})
	require.NoError(t, err)

	keys, err := s.Keys(ctx, "", "")
	require.NoError(t, err)
	require.Equal(t, []Key{a}, keys, "keys of failed commits stay hidden")
}
