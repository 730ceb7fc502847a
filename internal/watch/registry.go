// Package watch holds the relay's durable subscription state.
//
// Registry maps package ids to the destinations watching them plus the last
// announced build. It is shared by the poll loop and the command path, so every
// access goes through its mutex.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"buildrelay/internal/catalog"
	"buildrelay/internal/storage"
)

// DestinationID identifies a delivery target (for example a chat).
type DestinationID uint64

// DefaultRegistryDocument is the storage document name used when none is configured.
const DefaultRegistryDocument = "registry"

var ErrNoStore = errors.New("watch: no durable store configured")

// Entry is a point-in-time copy of one watched package.
type Entry struct {
	PackageID     catalog.PackageID
	CachedVersion uint32 // 0 = never resolved
	Destinations  []DestinationID
}

type entry struct {
	version uint32
	dests   map[DestinationID]struct{}
}

func (e *entry) snapshot(id catalog.PackageID) Entry {
	out := Entry{PackageID: id, CachedVersion: e.version, Destinations: make([]DestinationID, 0, len(e.dests))}
	for d := range e.dests {
		out.Destinations = append(out.Destinations, d)
	}
	sort.Slice(out.Destinations, func(i, j int) bool { return out.Destinations[i] < out.Destinations[j] })
	return out
}

// Registry is safe for concurrent use.
type Registry struct {
	store storage.Store
	doc   string

	mu      sync.Mutex
	entries map[catalog.PackageID]*entry
	cursor  uint64
	dirty   bool

	// saveMu orders snapshots with their writes so an older snapshot never lands last.
	saveMu sync.Mutex
}

// NewRegistry returns an empty registry persisted to doc in store.
// store may be nil; Save then returns ErrNoStore.
func NewRegistry(store storage.Store, doc string) *Registry {
	if doc == "" {
		doc = DefaultRegistryDocument
	}
	return &Registry{store: store, doc: doc, entries: map[catalog.PackageID]*entry{}}
}

// AddSubscription adds destination to the package's watchers, creating the entry if needed.
// It reports false if the destination was already subscribed.
func (r *Registry) AddSubscription(id catalog.PackageID, dest DestinationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		e = &entry{dests: map[DestinationID]struct{}{}}
		r.entries[id] = e
	}
	if _, dup := e.dests[dest]; dup {
		return false
	}
	e.dests[dest] = struct{}{}
	r.dirty = true
	return true
}

// RemoveSubscription removes destination from the package's watchers and drops
// the entry once nobody watches it. It reports false if nothing was removed.
func (r *Registry) RemoveSubscription(id catalog.PackageID, dest DestinationID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	if _, ok := e.dests[dest]; !ok {
		return false
	}
	delete(e.dests, dest)
	if len(e.dests) == 0 {
		delete(r.entries, id)
	}
	r.dirty = true
	return true
}

// ListSubscriptions returns every entry dest watches, ordered by package id.
func (r *Registry) ListSubscriptions(dest DestinationID) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Entry
	for id, e := range r.entries {
		if _, ok := e.dests[dest]; ok {
			out = append(out, e.snapshot(id))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageID < out[j].PackageID })
	return out
}

// Lookup returns a copy of the package's entry.
func (r *Registry) Lookup(id catalog.PackageID) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(id), true
}

// UpdateVersion sets the cached version unconditionally. Callers check monotonicity.
// A package removed concurrently is ignored.
func (r *Registry) UpdateVersion(id catalog.PackageID, version uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.version == version {
		return
	}
	e.version = version
	r.dirty = true
}

// SeedVersion records a starting version for a package that has none yet.
// It reports false when the package is gone or already carries a version.
func (r *Registry) SeedVersion(id catalog.PackageID, version uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.version != 0 || version == 0 {
		return false
	}
	e.version = version
	r.dirty = true
	return true
}

// Unversioned returns watched packages whose version was never recorded, in ascending order.
func (r *Registry) Unversioned() []catalog.PackageID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []catalog.PackageID
	for id, e := range r.entries {
		if e.version == 0 {
			out = append(out, id)
		}
	}
	return catalog.SortIDs(out)
}

// Watched returns all watched package ids in ascending order.
func (r *Registry) Watched() []catalog.PackageID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]catalog.PackageID, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return catalog.SortIDs(out)
}

// Filter returns the subset of ids currently watched, deduplicated and ordered.
func (r *Registry) Filter(ids []catalog.PackageID) []catalog.PackageID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []catalog.PackageID
	for _, id := range ids {
		if _, ok := r.entries[id]; ok {
			out = append(out, id)
		}
	}
	return catalog.UniqueIDs(out)
}

// Len returns the number of watched packages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cursor returns the last processed change number (0 = uninitialized).
func (r *Registry) Cursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// SetCursor records the last processed change number. Zero is ignored.
func (r *Registry) SetCursor(c uint64) {
	if c == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor != c {
		r.cursor = c
		r.dirty = true
	}
}

// ---- persistence ----

type registryDoc struct {
	ChangeCursor uint64                         `json:"change_cursor"`
	Entries      map[catalog.PackageID]entryDoc `json:"entries"`
}

type entryDoc struct {
	Version      uint32          `json:"version"`
	Destinations []DestinationID `json:"destinations"`
}

// Save writes the registry if it changed since the last successful save.
func (r *Registry) Save(ctx context.Context) error {
	if r.store == nil {
		return ErrNoStore
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	doc := registryDoc{ChangeCursor: r.cursor, Entries: make(map[catalog.PackageID]entryDoc, len(r.entries))}
	for id, e := range r.entries {
		s := e.snapshot(id)
		doc.Entries[id] = entryDoc{Version: s.CachedVersion, Destinations: s.Destinations}
	}
	r.dirty = false
	r.mu.Unlock()

	b, err := json.MarshalIndent(doc, "", "  ")
	if err == nil {
		err = r.store.WriteJSONAtomic(ctx, r.doc, b)
	}
	if err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return fmt.Errorf("save %s: %w", r.doc, err)
	}
	return nil
}

// Load replaces the in-memory state with the stored document. A missing
// document leaves the registry empty. Entries without destinations are dropped.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return ErrNoStore
	}
	b, ok, err := r.store.ReadJSON(ctx, r.doc)
	if err != nil {
		return fmt.Errorf("load %s: %w", r.doc, err)
	}
	var doc registryDoc
	if ok {
		if err := json.Unmarshal(b, &doc); err != nil {
			return fmt.Errorf("load %s: %w", r.doc, err)
		}
	}

	entries := make(map[catalog.PackageID]*entry, len(doc.Entries))
	for id, ed := range doc.Entries {
		if len(ed.Destinations) == 0 {
			continue
		}
		e := &entry{version: ed.Version, dests: make(map[DestinationID]struct{}, len(ed.Destinations))}
		for _, d := range ed.Destinations {
			e.dests[d] = struct{}{}
		}
		entries[id] = e
	}

	r.mu.Lock()
	r.entries = entries
	r.cursor = doc.ChangeCursor
	r.dirty = false
	r.mu.Unlock()
	return nil
}
