package collection

import (
	"sync"
	"time"
)

// MemoryOptions configures the change metadata stamped by Memory.Insert and
// Memory.Update. The raw Collection methods never stamp metadata.
type MemoryOptions struct {
	// LastModifiedField receives the modification time in Unix milliseconds.
	LastModifiedField string
	// SyncedField is set to false whenever a document changes locally.
	SyncedField string
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// DefaultMemoryOptions returns the field names used across the repo.
func DefaultMemoryOptions() MemoryOptions {
	return MemoryOptions{
		LastModifiedField: "lastModified",
		SyncedField:       "synced",
		Now:               time.Now,
	}
}

// Memory is an in-memory Collection. It is safe for concurrent use and keeps
// its own copies of every document it is given.
type Memory struct {
	mu      sync.RWMutex
	name    string
	docs    []Document
	dirty   bool
	version uint64
	opts    MemoryOptions
}

var _ Collection = (*Memory)(nil)

// NewMemory creates an empty collection.
func NewMemory(name string, opts MemoryOptions) *Memory {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Memory{name: name, opts: opts}
}

// Name returns the collection name.
func (m *Memory) Name() string {
	return m.name
}

// Data returns copies of the documents matching filter, in insertion order.
func (m *Memory) Data(filter Filter) []Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Document
	for _, d := range m.docs {
		if filter.Match(d) {
			out = append(out, Clone(d))
		}
	}
	return out
}

// AddAll appends copies of items without stamping change metadata.
func (m *Memory) AddAll(items []Document) error {
	if len(items) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.docs = append(m.docs, Clone(it))
	}
	m.touchLocked()
	return nil
}

// UpdateWhere merges patch into every matching document.
func (m *Memory) UpdateWhere(filter Filter, patch Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, d := range m.docs {
		if !filter.Match(d) {
			continue
		}
		for k, v := range patch {
			d[k] = cloneValue(v)
		}
		changed = true
	}
	if changed {
		m.touchLocked()
	}
	return nil
}

// AddOrUpdateWhereNoModify replaces every match of filter with item, or
// appends item when nothing matches. No change metadata is stamped.
func (m *Memory) AddOrUpdateWhereNoModify(filter Filter, item Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	replaced := false
	for i, d := range m.docs {
		if filter.Match(d) {
			m.docs[i] = Clone(item)
			replaced = true
		}
	}
	if !replaced {
		m.docs = append(m.docs, Clone(item))
	}
	m.touchLocked()
	return nil
}

// RemoveWhere deletes every matching document.
func (m *Memory) RemoveWhere(filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.docs[:0]
	removed := 0
	for _, d := range m.docs {
		if filter.Match(d) {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	// Drop references held past the new length.
	for i := len(kept); i < len(m.docs); i++ {
		m.docs[i] = nil
	}
	m.docs = kept
	if removed > 0 {
		m.touchLocked()
	}
	return nil
}

// ClearCollection removes every document.
func (m *Memory) ClearCollection() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.docs) == 0 {
		return nil
	}
	m.docs = nil
	m.touchLocked()
	return nil
}

// Insert adds documents as local changes: each copy is stamped with the
// current time and marked unsynced.
func (m *Memory) Insert(items ...Document) error {
	stamped := make([]Document, len(items))
	for i, it := range items {
		d := Clone(it)
		m.stamp(d)
		stamped[i] = d
	}
	return m.AddAll(stamped)
}

// Update applies patch to the matching documents as a local change.
func (m *Memory) Update(filter Filter, patch Document) error {
	p := Clone(patch)
	if p == nil {
		p = Document{}
	}
	m.stamp(p)
	return m.UpdateWhere(filter, p)
}

func (m *Memory) stamp(d Document) {
	if m.opts.LastModifiedField != "" {
		d[m.opts.LastModifiedField] = m.opts.Now().UnixMilli()
	}
	if m.opts.SyncedField != "" {
		d[m.opts.SyncedField] = false
	}
}

// Len returns the number of documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

// Dirty reports whether the collection changed since it was last marked clean.
func (m *Memory) Dirty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dirty
}

// SetDirty forces the dirty flag, e.g. after a restore.
func (m *Memory) SetDirty(dirty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty = dirty
}

// Snapshot returns a copy of the documents together with the dirty flag and
// the modification version they correspond to.
func (m *Memory) Snapshot() (docs []Document, dirty bool, version uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CloneAll(m.docs), m.dirty, m.version
}

// MarkClean clears the dirty flag if the collection has not been modified
// since version was observed. It reports whether the flag was cleared.
func (m *Memory) MarkClean(version uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.version != version {
		return false
	}
	m.dirty = false
	return true
}

func (m *Memory) touchLocked() {
	m.dirty = true
	m.version++
}
