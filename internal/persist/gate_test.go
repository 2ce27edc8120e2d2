package persist_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/memdb"
	"github.com/steveyegge/collsync/internal/persist"
)

// spyPersister counts delegated calls and records the options it received.
type spyPersister struct {
	calls     map[string]int
	lastWrite persist.WriteOptions
	lastRead  persist.ReadOptions
}

func newSpy() *spyPersister {
	return &spyPersister{calls: make(map[string]int)}
}

func (s *spyPersister) GetCollectionNames(context.Context) ([]string, error) {
	s.calls["names"]++
	return []string{"a"}, nil
}

func (s *spyPersister) Persist(_ context.Context, _ persist.Host, defaults persist.WriteOptions, _ map[string]persist.WriteOptions) (persist.PersistResult, error) {
	s.calls["persist"]++
	s.lastWrite = defaults
	return persist.PersistResult{}, nil
}

func (s *spyPersister) Restore(_ context.Context, _ persist.Host, defaults persist.ReadOptions, _ map[string]persist.ReadOptions) (persist.RestoreResult, error) {
	s.calls["restore"]++
	s.lastRead = defaults
	return persist.RestoreResult{}, nil
}

func (s *spyPersister) GetCollectionRecords(_ context.Context, _ string, opts persist.ReadOptions) ([]collection.Document, error) {
	s.calls["records"]++
	s.lastRead = opts
	return nil, nil
}

func (s *spyPersister) AddCollectionRecords(_ context.Context, _ string, opts persist.WriteOptions, _ []collection.Document, _ bool) (persist.CollectionResult, error) {
	s.calls["add"]++
	s.lastWrite = opts
	return persist.CollectionResult{}, nil
}

func (s *spyPersister) ClearCollections(context.Context, []string) error {
	s.calls["clear"]++
	return nil
}

func (s *spyPersister) ClearPersistentDb(context.Context) error {
	s.calls["cleardb"]++
	return nil
}

func total(calls map[string]int) int {
	n := 0
	for _, c := range calls {
		n += c
	}
	return n
}

func readOps(g *persist.Gate) []error {
	ctx := context.Background()
	host := memdb.New(collection.DefaultMemoryOptions())
	_, e1 := g.GetCollectionNames(ctx)
	_, e2 := g.Restore(ctx, host, persist.ReadOptions{}, nil)
	_, e3 := g.GetCollectionRecords(ctx, "a", persist.ReadOptions{})
	return []error{e1, e2, e3}
}

func writeOps(g *persist.Gate) []error {
	ctx := context.Background()
	host := memdb.New(collection.DefaultMemoryOptions())
	_, e1 := g.Persist(ctx, host, persist.WriteOptions{}, nil)
	_, e2 := g.AddCollectionRecords(ctx, "a", persist.WriteOptions{}, nil, false)
	e3 := g.ClearCollections(ctx, []string{"a"})
	e4 := g.ClearPersistentDb(ctx)
	return []error{e1, e2, e3, e4}
}

func TestGateDeniesReads(t *testing.T) {
	spy := newSpy()
	g := persist.NewGate(spy, persist.Access{Write: true}, persist.StoreSettings{})

	for _, err := range readOps(g) {
		require.Error(t, err)
		assert.ErrorIs(t, err, persist.ErrPermissionDenied)
		var pe *persist.PermissionError
		require.True(t, errors.As(err, &pe))
		assert.Equal(t, "read", pe.Access)
	}
	assert.Zero(t, total(spy.calls))

	for _, err := range writeOps(g) {
		assert.NoError(t, err)
	}
	assert.Equal(t, 4, total(spy.calls))
}

func TestGateDeniesWrites(t *testing.T) {
	spy := newSpy()
	g := persist.NewGate(spy, persist.Access{Read: true}, persist.StoreSettings{})

	for _, err := range writeOps(g) {
		assert.ErrorIs(t, err, persist.ErrPermissionDenied)
	}
	assert.Zero(t, total(spy.calls))

	for _, err := range readOps(g) {
		assert.NoError(t, err)
	}
	assert.Equal(t, 3, total(spy.calls))
}

func TestGateInjectsCompression(t *testing.T) {
	ctx := context.Background()
	spy := newSpy()
	g := persist.NewGate(spy, persist.Access{Read: true, Write: true}, persist.StoreSettings{Compress: true})
	host := memdb.New(collection.DefaultMemoryOptions())

	_, err := g.Persist(ctx, host, persist.WriteOptions{}, nil)
	require.NoError(t, err)
	require.NotNil(t, spy.lastWrite.Compress)
	assert.True(t, *spy.lastWrite.Compress)

	_, err = g.AddCollectionRecords(ctx, "a", persist.WriteOptions{Compress: persist.Bool(false)}, nil, false)
	require.NoError(t, err)
	assert.False(t, *spy.lastWrite.Compress, "an explicit call value wins")

	_, err = g.GetCollectionRecords(ctx, "a", persist.ReadOptions{})
	require.NoError(t, err)
	require.NotNil(t, spy.lastRead.Decompress)
	assert.True(t, *spy.lastRead.Decompress)
}
