// Package changes keeps a bounded history of add/modify/remove counts so sync
// and persistence activity can be reported without unbounded memory growth.
package changes

import (
	"reflect"
	"sync"
)

// DefaultMaxChangesTracked is used when a Tracker is created with a
// non-positive capacity.
const DefaultMaxChangesTracked = 100

// Counts is one tracked change entry.
type Counts struct {
	Added    int `json:"added"`
	Modified int `json:"modified"`
	Removed  int `json:"removed"`
}

// Add accumulates other into c.
func (c *Counts) Add(other Counts) {
	c.Added += other.Added
	c.Modified += other.Modified
	c.Removed += other.Removed
}

// IsZero reports whether no change is recorded.
func (c Counts) IsZero() bool {
	return c.Added == 0 && c.Modified == 0 && c.Removed == 0
}

// Tracker is an ordered, capacity-bounded list of change entries.
// It is safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	max     int
	changes []*Counts
}

// NewTracker creates a Tracker holding at most maxChangesTracked entries.
func NewTracker(maxChangesTracked int) *Tracker {
	if maxChangesTracked <= 0 {
		maxChangesTracked = DefaultMaxChangesTracked
	}
	return &Tracker{max: maxChangesTracked}
}

// MaxChangesTracked returns the capacity.
func (t *Tracker) MaxChangesTracked() int {
	return t.max
}

// Len returns the number of tracked entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes)
}

// AddChange appends a copy of c.
func (t *Tracker) AddChange(c Counts) {
	entry := c
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendLocked(&entry)
}

func (t *Tracker) appendLocked(c *Counts) {
	if len(t.changes) >= t.max {
		drop := 1
		if t.max > 3 {
			drop = t.max / 4
		}
		// Shift instead of reslicing so the backing array does not grow forever.
		n := copy(t.changes, t.changes[drop:])
		for i := n; i < len(t.changes); i++ {
			t.changes[i] = nil
		}
		t.changes = t.changes[:n]
	}
	t.changes = append(t.changes, c)
}

// AddChangeItemsAdded records len(items) additions (1 for a single item).
func (t *Tracker) AddChangeItemsAdded(items any) {
	t.AddChange(Counts{Added: countItems(items)})
}

// AddChangeItemsModified records len(items) modifications.
func (t *Tracker) AddChangeItemsModified(items any) {
	t.AddChange(Counts{Modified: countItems(items)})
}

// AddChangeItemsRemoved records len(items) removals.
func (t *Tracker) AddChangeItemsRemoved(items any) {
	t.AddChange(Counts{Removed: countItems(items)})
}

// countItems is len(items) for slices and arrays, 0 for nil and 1 otherwise.
func countItems(items any) int {
	if items == nil {
		return 0
	}
	v := reflect.ValueOf(items)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		return v.Len()
	case reflect.Pointer, reflect.Map, reflect.Interface:
		if v.IsNil() {
			return 0
		}
	}
	return 1
}

// Changes returns a copy of the tracked entries, oldest first.
func (t *Tracker) Changes() []Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Counts, len(t.changes))
	for i, c := range t.changes {
		out[i] = *c
	}
	return out
}

// Totals sums every tracked entry.
func (t *Tracker) Totals() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum Counts
	for _, c := range t.changes {
		sum.Add(*c)
	}
	return sum
}

// CreateCompoundChange appends an empty entry and returns a live view over it.
func (t *Tracker) CreateCompoundChange() *CompoundChange {
	entry := &Counts{}
	t.mu.Lock()
	t.appendLocked(entry)
	t.mu.Unlock()
	return &CompoundChange{tracker: t, entry: entry}
}

// CompoundChange accumulates several sub-changes into one tracked entry. The
// entry keeps accumulating even after it has aged out of the tracker.
type CompoundChange struct {
	tracker *Tracker
	entry   *Counts
}

// AddChange accumulates c into the entry.
func (cc *CompoundChange) AddChange(c Counts) {
	cc.tracker.mu.Lock()
	defer cc.tracker.mu.Unlock()
	cc.entry.Add(c)
}

// Added reads through to the tracked entry.
func (cc *CompoundChange) Added() int {
	cc.tracker.mu.Lock()
	defer cc.tracker.mu.Unlock()
	return cc.entry.Added
}

// Modified reads through to the tracked entry.
func (cc *CompoundChange) Modified() int {
	cc.tracker.mu.Lock()
	defer cc.tracker.mu.Unlock()
	return cc.entry.Modified
}

// Removed reads through to the tracked entry.
func (cc *CompoundChange) Removed() int {
	cc.tracker.mu.Lock()
	defer cc.tracker.mu.Unlock()
	return cc.entry.Removed
}

// Counts returns a copy of the entry.
func (cc *CompoundChange) Counts() Counts {
	cc.tracker.mu.Lock()
	defer cc.tracker.mu.Unlock()
	return *cc.entry
}
