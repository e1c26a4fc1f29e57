package inventory

import (
	"context"
	"sort"
	"time"
)

// KeyLog is a consistent snapshot of one key's ordered history.
type KeyLog struct {
	Key     Key
	Version int64
	Entries []LedgerEntry
}

// MaxSequence is the highest sequence in the log.
func (l KeyLog) MaxSequence() int64 {
	var top int64
	for _, e := range l.Entries {
		if e.Sequence > top {
			top = e.Sequence
		}
	}
	return top
}

// Commit is one atomic write: the stock entry transition, the new ledger
// entries and the expected versions of every key they touch.
type Commit struct {
	StockEntry StockEntry
	// ExpectStatus is the stored status the header must have; Draft means
	// the header must not exist yet.
	ExpectStatus Status
	Versions     map[Key]int64
	Entries      []LedgerEntry
}

// StockEntryRecord is a stored stock entry header with its ledger entry IDs.
type StockEntryRecord struct {
	Entry     StockEntry
	PostedIDs []string
	CancelIDs []string
}

// Store persists the ledger. Apply must be all-or-nothing and must return
// errVersionConflict when any expected version or status moved.
type Store interface {
	LoadKey(ctx context.Context, key Key) (KeyLog, error)
	Version(ctx context.Context, key Key) (int64, error)
	Apply(ctx context.Context, c Commit) ([]LedgerEntry, error)
	StockEntry(ctx context.Context, id string) (StockEntryRecord, error)
	EntriesByID(ctx context.Context, ids []string) ([]LedgerEntry, error)
	// Keys lists known keys; empty arguments match everything.
	Keys(ctx context.Context, itemID, warehouseID string) ([]Key, error)
	// History returns up to limit entries of keys matching f, ordered by
	// posting date then sequence, with the cancelled flag derived.
	History(ctx context.Context, keys []Key, f HistoryFilter, limit int) ([]LedgerEntry, error)
}

// sortEntries orders by posting date then sequence.
func sortEntries(entries []LedgerEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].before(entries[j]) })
}

// markCancelled derives the cancelled flag of both halves of every reversal pair.
func markCancelled(entries []LedgerEntry) {
	reversed := make(map[string]struct{})
	for _, e := range entries {
		if e.CancelsID != "" {
			reversed[e.CancelsID] = struct{}{}
		}
	}
	for i := range entries {
		_, hit := reversed[entries[i].ID]
		entries[i].Cancelled = hit || entries[i].CancelsID != ""
	}
}

func sortedKeys(keys map[Key]int64) []Key {
	out := make([]Key, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
