package inventory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore keeps the ledger in process. It backs tests and the
// STORE_BACKEND=memory mode.
//
// Each key has its own lock; a commit locks its keys in sorted order, so
// postings on unrelated keys never wait on each other. mu only guards the
// maps below and is never held while acquiring a key lock.
type MemoryStore struct {
	seq atomic.Int64

	mu       sync.RWMutex
	keys     map[Key]*memoryKey
	entries  map[string]LedgerEntry
	reversed map[string]string
	headers  map[string]StockEntryRecord
	pending  map[string]struct{}
}

type memoryKey struct {
	mu      sync.RWMutex
	version atomic.Int64
	ids     []string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:     make(map[Key]*memoryKey),
		entries:  make(map[string]LedgerEntry),
		reversed: make(map[string]string),
		headers:  make(map[string]StockEntryRecord),
		pending:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) lookup(key Key) *memoryKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keys[key]
}

func (s *MemoryStore) slot(key Key) *memoryKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[key]
	if !ok {
		k = &memoryKey{}
		s.keys[key] = k
	}
	return k
}

// snapshot copies the key's derived entries; the caller holds k.mu.
func (s *MemoryStore) snapshot(k *memoryKey) []LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LedgerEntry, 0, len(k.ids))
	for _, id := range k.ids {
		out = append(out, s.derive(s.entries[id]))
	}
	return out
}

// LoadKey implements Store.
func (s *MemoryStore) LoadKey(ctx context.Context, key Key) (KeyLog, error) {
	if err := ctx.Err(); err != nil {
		return KeyLog{}, err
	}
	log := KeyLog{Key: key}
	k := s.lookup(key)
	if k == nil {
		return log, nil
	}
	k.mu.RLock()
	log.Version = k.version.Load()
	log.Entries = s.snapshot(k)
	k.mu.RUnlock()
	sortEntries(log.Entries)
	return log, nil
}

// Version implements Store.
func (s *MemoryStore) Version(ctx context.Context, key Key) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if k := s.lookup(key); k != nil {
		return k.version.Load(), nil
	}
	return 0, nil
}

// Apply implements Store.
func (s *MemoryStore) Apply(ctx context.Context, c Commit) ([]LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	scope := make(map[Key]int64, len(c.Versions))
	for key := range c.Versions {
		scope[key] = 0
	}
	for _, e := range c.Entries {
		scope[e.Key] = 0
	}
	ordered := sortedKeys(scope)
	slots := make(map[Key]*memoryKey, len(ordered))
	for _, key := range ordered {
		k := s.slot(key)
		k.mu.Lock()
		defer k.mu.Unlock()
		slots[key] = k
	}

	rec, exists, err := s.reserve(c)
	if err != nil {
		return nil, err
	}
	for key, want := range c.Versions {
		if slots[key].version.Load() != want {
			s.release(c.StockEntry.ID)
			return nil, errVersionConflict
		}
	}

	stored := make([]LedgerEntry, 0, len(c.Entries))
	for _, e := range c.Entries {
		e.Sequence = s.seq.Add(1)
		e.Cancelled = false
		stored = append(stored, e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	touched := make(map[Key]struct{})
	for _, e := range stored {
		s.entries[e.ID] = e
		if e.CancelsID != "" {
			s.reversed[e.CancelsID] = e.ID
		}
		k := slots[e.Key]
		k.ids = append(k.ids, e.ID)
		touched[e.Key] = struct{}{}
	}
	for key := range touched {
		slots[key].version.Add(1)
	}
	for i := range stored {
		stored[i] = s.derive(stored[i])
	}

	ids := entryIDs(stored)
	if exists {
		rec.Entry = c.StockEntry
		rec.CancelIDs = ids
	} else {
		rec = StockEntryRecord{Entry: c.StockEntry, PostedIDs: ids}
	}
	s.headers[c.StockEntry.ID] = rec
	delete(s.pending, c.StockEntry.ID)
	return stored, nil
}

// reserve checks the stored header against the commit and marks the stock
// entry as in flight so a second commit for it conflicts.
func (s *MemoryStore) reserve(c Commit) (StockEntryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.pending[c.StockEntry.ID]; busy {
		return StockEntryRecord{}, false, errVersionConflict
	}
	rec, exists := s.headers[c.StockEntry.ID]
	switch {
	case c.ExpectStatus == StatusDraft && exists:
		return rec, exists, errVersionConflict
	case c.ExpectStatus != StatusDraft && (!exists || rec.Entry.Status != c.ExpectStatus):
		return rec, exists, errVersionConflict
	}
	s.pending[c.StockEntry.ID] = struct{}{}
	return rec, exists, nil
}

func (s *MemoryStore) release(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// StockEntry implements Store.
func (s *MemoryStore) StockEntry(ctx context.Context, id string) (StockEntryRecord, error) {
	if err := ctx.Err(); err != nil {
		return StockEntryRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.headers[id]
	if !ok {
		return StockEntryRecord{}, ErrStockEntryNotFound
	}
	return rec, nil
}

// EntriesByID implements Store. Unknown IDs are skipped.
func (s *MemoryStore) EntriesByID(ctx context.Context, ids []string) ([]LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LedgerEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, s.derive(e))
		}
	}
	return out, nil
}

// Keys implements Store. Keys that never committed are left out.
func (s *MemoryStore) Keys(ctx context.Context, itemID, warehouseID string) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Key
	for key, k := range s.keys {
		if k.version.Load() == 0 {
			continue
		}
		if itemID != "" && key.ItemID != itemID {
			continue
		}
		if warehouseID != "" && key.WarehouseID != warehouseID {
			continue
		}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

// History implements Store.
func (s *MemoryStore) History(ctx context.Context, keys []Key, f HistoryFilter, limit int) ([]LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []LedgerEntry
	for _, key := range keys {
		k := s.lookup(key)
		if k == nil {
			continue
		}
		k.mu.RLock()
		entries := s.snapshot(k)
		k.mu.RUnlock()
		for _, e := range entries {
			if f.matches(e) {
				out = append(out, e)
			}
		}
	}
	sortEntries(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) derive(e LedgerEntry) LedgerEntry {
	_, reversed := s.reversed[e.ID]
	e.Cancelled = reversed || e.CancelsID != ""
	return e
}
