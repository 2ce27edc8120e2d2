// Package memdb is a named set of in-memory collections that can be handed to
// a persister as its host.
package memdb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/persist"
)

// Database holds collections by name, in creation order.
type Database struct {
	mu    sync.RWMutex
	opts  collection.MemoryOptions
	order []string
	colls map[string]*collection.Memory
}

var _ persist.Host = (*Database)(nil)

// New creates an empty database. opts is used for every collection it creates.
func New(opts collection.MemoryOptions) *Database {
	return &Database{opts: opts, colls: make(map[string]*collection.Memory)}
}

// Collection returns the named collection, creating it if needed.
func (db *Database) Collection(name string) *collection.Memory {
	db.mu.Lock()
	defer db.mu.Unlock()
	if c, ok := db.colls[name]; ok {
		return c
	}
	c := collection.NewMemory(name, db.opts)
	db.colls[name] = c
	db.order = append(db.order, name)
	return c
}

// Get returns the named collection if it exists.
func (db *Database) Get(name string) (*collection.Memory, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.colls[name]
	return c, ok
}

// Names returns the collection names in creation order.
func (db *Database) Names() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]string(nil), db.order...)
}

// SortedNames returns the collection names sorted.
func (db *Database) SortedNames() []string {
	names := db.Names()
	sort.Strings(names)
	return names
}

// Drop removes a collection. It reports whether the collection existed.
func (db *Database) Drop(name string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.colls[name]; !ok {
		return false
	}
	delete(db.colls, name)
	for i, n := range db.order {
		if n == name {
			db.order = append(db.order[:i], db.order[i+1:]...)
			break
		}
	}
	return true
}

// HasDirty reports whether any collection has unsaved changes.
func (db *Database) HasDirty() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, c := range db.colls {
		if c.Dirty() {
			return true
		}
	}
	return false
}

// Collections snapshots every collection. The descriptor's OnClean clears a
// collection's dirty flag only if it was not modified after the snapshot.
func (db *Database) Collections() []*persist.Descriptor {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*persist.Descriptor, 0, len(db.order))
	for _, name := range db.order {
		c := db.colls[name]
		docs, dirty, version := c.Snapshot()
		out = append(out, &persist.Descriptor{
			Name:    name,
			Data:    docs,
			Dirty:   dirty,
			OnClean: func() { c.MarkClean(version) },
		})
	}
	return out
}

// AddCollection replaces the named collection's contents with docs. The
// collection is left clean since it now matches storage.
func (db *Database) AddCollection(name string, docs []collection.Document) error {
	c := db.Collection(name)
	if err := c.ClearCollection(); err != nil {
		return fmt.Errorf("failed to clear collection %s: %w", name, err)
	}
	if err := c.AddAll(docs); err != nil {
		return fmt.Errorf("failed to load collection %s: %w", name, err)
	}
	c.SetDirty(false)
	return nil
}
