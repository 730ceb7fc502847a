package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"buildrelay/internal/catalog"
	"buildrelay/internal/storage"
)

// DefaultNamesDocument is the storage document name used when none is configured.
const DefaultNamesDocument = "names"

// NameCache is a best-effort map from package id to display name.
// Misses are never errors; Display falls back to a placeholder.
type NameCache struct {
	store storage.Store
	doc   string

	mu    sync.RWMutex
	names map[catalog.PackageID]string
	dirty bool

	saveMu sync.Mutex
}

func NewNameCache(store storage.Store, doc string) *NameCache {
	if doc == "" {
		doc = DefaultNamesDocument
	}
	return &NameCache{store: store, doc: doc, names: map[catalog.PackageID]string{}}
}

// Get returns the cached display name.
func (c *NameCache) Get(id catalog.PackageID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.names[id]
	return n, ok
}

// Display returns the cached name or a placeholder.
func (c *NameCache) Display(id catalog.PackageID) string {
	if n, ok := c.Get(id); ok {
		return n
	}
	return fmt.Sprintf("App %d", id)
}

// SetName stores name and reports whether it changed anything.
func (c *NameCache) SetName(id catalog.PackageID, name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names[id] == name {
		return false
	}
	c.names[id] = name
	c.dirty = true
	return true
}

// Missing returns the ids from ids that have no cached name.
func (c *NameCache) Missing(ids []catalog.PackageID) []catalog.PackageID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []catalog.PackageID
	for _, id := range ids {
		if _, ok := c.names[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// Save writes the cache if it changed. A nil store makes Save a no-op because
// the cache is never a correctness dependency.
func (c *NameCache) Save(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snap := make(map[catalog.PackageID]string, len(c.names))
	for k, v := range c.names {
		snap[k] = v
	}
	c.dirty = false
	c.mu.Unlock()

	b, err := json.MarshalIndent(snap, "", "  ")
	if err == nil {
		err = c.store.WriteJSONAtomic(ctx, c.doc, b)
	}
	if err != nil {
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
		return fmt.Errorf("save %s: %w", c.doc, err)
	}
	return nil
}

// Load replaces the cache with the stored document, if any.
func (c *NameCache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	b, ok, err := c.store.ReadJSON(ctx, c.doc)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.doc, err)
	}
	names := map[catalog.PackageID]string{}
	if ok {
		if err := json.Unmarshal(b, &names); err != nil {
			return fmt.Errorf("load %s: %w", c.doc, err)
		}
	}
	c.mu.Lock()
	c.names = names
	c.dirty = false
	c.mu.Unlock()
	return nil
}
