package autosave

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/memdb"
	"github.com/steveyegge/collsync/internal/persist"
	"github.com/steveyegge/collsync/internal/persist/kvstore"
)

// countingPersister wraps a real adapter and counts Persist calls.
type countingPersister struct {
	persist.Persister
	calls atomic.Int32
	err   error
}

func (c *countingPersister) Persist(ctx context.Context, host persist.Host, defaults persist.WriteOptions, per map[string]persist.WriteOptions) (persist.PersistResult, error) {
	c.calls.Add(1)
	if c.err != nil {
		return persist.PersistResult{}, c.err
	}
	return c.Persister.Persist(ctx, host, defaults, per)
}

func setup(t *testing.T) (*memdb.Database, *countingPersister, *persist.Adapter) {
	t.Helper()
	db := memdb.New(collection.DefaultMemoryOptions())
	adapter := persist.NewAdapter(kvstore.New(kvstore.NewMemoryStore(), async.Discard()), persist.AdapterConfig{Logger: async.Discard()})
	return db, &countingPersister{Persister: adapter}, adapter
}

func newDaemon(t *testing.T, p persist.Persister, db *memdb.Database, cfg Config) *Daemon {
	t.Helper()
	cfg.Logger = async.Discard()
	d, err := New(p, db, cfg)
	require.NoError(t, err)
	return d
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	db, p, adapter := setup(t)
	d := newDaemon(t, p, db, Config{})
	ctx := context.Background()

	saved, err := d.Flush(ctx)
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Zero(t, p.calls.Load())

	require.NoError(t, db.Collection("items").Insert(collection.Document{"id": 1}))
	saved, err = d.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, db.HasDirty())

	names, err := adapter.GetCollectionNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"items"}, names)
	assert.Equal(t, 1, d.Stats().Saves)
}

func TestIntervalSaves(t *testing.T) {
	db, p, _ := setup(t)
	d := newDaemon(t, p, db, Config{Interval: 10 * time.Millisecond})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	require.NoError(t, db.Collection("items").Insert(collection.Document{"id": 1}))
	require.Eventually(t, func() bool { return !db.HasDirty() }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, p.calls.Load(), int32(1))
}

func TestNotifyIsDebounced(t *testing.T) {
	db, p, _ := setup(t)
	d := newDaemon(t, p, db, Config{Debounce: 50 * time.Millisecond})
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()

	coll := db.Collection("items")
	for i := 0; i < 5; i++ {
		require.NoError(t, coll.Insert(collection.Document{"id": i}))
		d.Notify()
		time.Sleep(5 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return !db.HasDirty() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), p.calls.Load(), "a burst of notifications saves once")
}

func TestStopFlushes(t *testing.T) {
	db, p, adapter := setup(t)
	d := newDaemon(t, p, db, Config{Interval: time.Hour, Debounce: time.Hour})
	require.NoError(t, d.Start(context.Background()))
	assert.True(t, d.IsRunning())

	require.NoError(t, db.Collection("items").Insert(collection.Document{"id": 1}))
	require.NoError(t, d.Stop())
	assert.False(t, d.IsRunning())
	assert.False(t, db.HasDirty())

	docs, err := adapter.GetCollectionRecords(context.Background(), "items", persist.ReadOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	require.NoError(t, d.Stop(), "second Stop is a no-op")
}

func TestStartTwice(t *testing.T) {
	db, p, _ := setup(t)
	d := newDaemon(t, p, db, DefaultConfig())
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop()
	assert.Error(t, d.Start(context.Background()))
}

func TestFailuresAreRecorded(t *testing.T) {
	db, p, _ := setup(t)
	p.err = errors.New("disk gone")
	d := newDaemon(t, p, db, Config{})

	require.NoError(t, db.Collection("items").Insert(collection.Document{"id": 1}))
	_, err := d.Flush(context.Background())
	require.Error(t, err)

	st := d.Stats()
	assert.Equal(t, 1, st.Failures)
	assert.Zero(t, st.Saves)
	assert.ErrorContains(t, st.LastError, "disk gone")
	assert.True(t, db.HasDirty())
}

func TestNewValidates(t *testing.T) {
	db, p, _ := setup(t)
	_, err := New(nil, db, Config{})
	assert.Error(t, err)
	_, err = New(p, nil, Config{})
	assert.Error(t, err)
	_, err = New(p, db, Config{Interval: -time.Second})
	assert.Error(t, err)
}
