package persist

import (
	"context"

	"github.com/steveyegge/collsync/internal/collection"
)

// Descriptor is a collection as seen by a persist call. The persister reads
// Data and, after a confirmed write, sets Dirty to false and calls OnClean so
// the owner can clear its own flag.
type Descriptor struct {
	Name    string
	Data    []collection.Document
	Dirty   bool
	OnClean func()
}

// Host owns the in-memory collections.
type Host interface {
	// Collections returns the collections to persist, in processing order.
	Collections() []*Descriptor

	// AddCollection receives one restored collection.
	AddCollection(name string, docs []collection.Document) error
}

// CollectionResult describes one collection written or read.
type CollectionResult struct {
	Size          int `json:"size"`
	DataSizeBytes int `json:"dataSizeBytes"`
}

// PersistResult reports a Persist call. Collections holds every collection
// actually written; Failed holds per-collection failures that did not abort
// the call.
type PersistResult struct {
	Collections map[string]CollectionResult
	Failed      map[string]error
}

// RestoreResult reports a Restore call. Skipped holds tables that were left
// out, with ErrEmptyTable or a *ShapeError as the reason.
type RestoreResult struct {
	Collections map[string]CollectionResult
	Failed      map[string]error
	Skipped     map[string]error
}

func newPersistResult() PersistResult {
	return PersistResult{
		Collections: make(map[string]CollectionResult),
		Failed:      make(map[string]error),
	}
}

func newRestoreResult() RestoreResult {
	return RestoreResult{
		Collections: make(map[string]CollectionResult),
		Failed:      make(map[string]error),
		Skipped:     make(map[string]error),
	}
}

// Persister is the contract the owning application uses to save and load
// collections. Every method blocks until the backend work is done.
type Persister interface {
	GetCollectionNames(ctx context.Context) ([]string, error)
	Persist(ctx context.Context, host Host, defaults WriteOptions, perCollection map[string]WriteOptions) (PersistResult, error)
	Restore(ctx context.Context, host Host, defaults ReadOptions, perCollection map[string]ReadOptions) (RestoreResult, error)
	GetCollectionRecords(ctx context.Context, name string, opts ReadOptions) ([]collection.Document, error)
	AddCollectionRecords(ctx context.Context, name string, opts WriteOptions, docs []collection.Document, removeExisting bool) (CollectionResult, error)
	ClearCollections(ctx context.Context, names []string) error
	ClearPersistentDb(ctx context.Context) error
}
