package items

import (
	"context"
	"sync"
)

// MemoryCatalog is an in-process item catalog.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[string]Item
}

// NewMemoryCatalog constructs a catalog holding items.
func NewMemoryCatalog(items ...Item) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]Item, len(items))}
	for _, item := range items {
		c.items[item.ID] = item
	}
	return c
}

// Put registers or replaces an item.
func (c *MemoryCatalog) Put(item Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

// GetItem returns an enabled item.
func (c *MemoryCatalog) GetItem(ctx context.Context, id string) (Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	if !ok || item.Disabled {
		return Item{}, ErrItemNotFound
	}
	return item, nil
}

// ListItems returns every enabled item.
func (c *MemoryCatalog) ListItems(ctx context.Context) ([]Item, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Item, 0, len(c.items))
	for _, item := range c.items {
		if !item.Disabled {
			out = append(out, item)
		}
	}
	return out, nil
}
