package persist

import (
	"context"

	"github.com/steveyegge/collsync/internal/collection"
)

// Access holds the allow flags checked by a Gate.
type Access struct {
	Read  bool
	Write bool
}

// StoreSettings are store-wide defaults a Gate injects into every call.
type StoreSettings struct {
	Compress bool
}

// Gate is a Persister that checks Access before delegating. A denied call
// returns a *PermissionError and never reaches the wrapped persister.
type Gate struct {
	inner    Persister
	access   Access
	settings StoreSettings
}

var _ Persister = (*Gate)(nil)

// NewGate wraps inner.
func NewGate(inner Persister, access Access, settings StoreSettings) *Gate {
	return &Gate{inner: inner, access: access, settings: settings}
}

// Access returns the flags the gate checks.
func (g *Gate) Access() Access {
	return g.access
}

func (g *Gate) checkRead(op string) error {
	if g.access.Read {
		return nil
	}
	permissionDenials.WithLabelValues(op).Inc()
	return &PermissionError{Op: op, Access: "read"}
}

func (g *Gate) checkWrite(op string) error {
	if g.access.Write {
		return nil
	}
	permissionDenials.WithLabelValues(op).Inc()
	return &PermissionError{Op: op, Access: "write"}
}

func (g *Gate) withCompress(opts WriteOptions) WriteOptions {
	if opts.Compress == nil {
		opts.Compress = Bool(g.settings.Compress)
	}
	return opts
}

func (g *Gate) withDecompress(opts ReadOptions) ReadOptions {
	if opts.Decompress == nil {
		opts.Decompress = Bool(g.settings.Compress)
	}
	return opts
}

// GetCollectionNames requires read access.
func (g *Gate) GetCollectionNames(ctx context.Context) ([]string, error) {
	if err := g.checkRead("get collection names"); err != nil {
		return nil, err
	}
	return g.inner.GetCollectionNames(ctx)
}

// Persist requires write access.
func (g *Gate) Persist(ctx context.Context, host Host, defaults WriteOptions, perCollection map[string]WriteOptions) (PersistResult, error) {
	if err := g.checkWrite("persist"); err != nil {
		return PersistResult{}, err
	}
	return g.inner.Persist(ctx, host, g.withCompress(defaults), perCollection)
}

// Restore requires read access.
func (g *Gate) Restore(ctx context.Context, host Host, defaults ReadOptions, perCollection map[string]ReadOptions) (RestoreResult, error) {
	if err := g.checkRead("restore"); err != nil {
		return RestoreResult{}, err
	}
	return g.inner.Restore(ctx, host, g.withDecompress(defaults), perCollection)
}

// GetCollectionRecords requires read access.
func (g *Gate) GetCollectionRecords(ctx context.Context, name string, opts ReadOptions) ([]collection.Document, error) {
	if err := g.checkRead("get collection records"); err != nil {
		return nil, err
	}
	return g.inner.GetCollectionRecords(ctx, name, g.withDecompress(opts))
}

// AddCollectionRecords requires write access.
func (g *Gate) AddCollectionRecords(ctx context.Context, name string, opts WriteOptions, docs []collection.Document, removeExisting bool) (CollectionResult, error) {
	if err := g.checkWrite("add collection records"); err != nil {
		return CollectionResult{}, err
	}
	return g.inner.AddCollectionRecords(ctx, name, g.withCompress(opts), docs, removeExisting)
}

// ClearCollections requires write access.
func (g *Gate) ClearCollections(ctx context.Context, names []string) error {
	if err := g.checkWrite("clear collections"); err != nil {
		return err
	}
	return g.inner.ClearCollections(ctx, names)
}

// ClearPersistentDb requires write access.
func (g *Gate) ClearPersistentDb(ctx context.Context) error {
	if err := g.checkWrite("clear persistent db"); err != nil {
		return err
	}
	return g.inner.ClearPersistentDb(ctx)
}
