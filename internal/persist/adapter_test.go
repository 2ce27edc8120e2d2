package persist_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/changes"
	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/memdb"
	"github.com/steveyegge/collsync/internal/persist"
)

func docs(n int) []collection.Document {
	out := make([]collection.Document, n)
	for i := range out {
		out[i] = collection.Document{"id": float64(i), "name": fmt.Sprintf("n%d", i)}
	}
	return out
}

func newDB(t *testing.T, sizes map[string]int, order ...string) *memdb.Database {
	t.Helper()
	db := memdb.New(collection.DefaultMemoryOptions())
	for _, name := range order {
		require.NoError(t, db.Collection(name).AddAll(docs(sizes[name])))
	}
	return db
}

func TestPersistSchemaThenInserts(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	db := newDB(t, map[string]int{"a": 5, "b": 2}, "a", "b")
	db.Collection("empty")
	db.Collection("empty").SetDirty(false)

	res, err := persist.NewAdapter(fb, persist.AdapterConfig{}).Persist(ctx, db, persist.WriteOptions{MaxObjectsPerChunk: persist.Int(2)}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 5, res.Collections["a"].Size)
	assert.Equal(t, 2, res.Collections["b"].Size)
	assert.Positive(t, res.Collections["a"].DataSizeBytes)
	assert.NotContains(t, res.Collections, "empty")
	assert.False(t, db.HasDirty())

	require.Len(t, fb.modifies, 3)
	schema := fb.modifies[0]
	assert.Empty(t, schema.Inserts)
	assert.Empty(t, schema.Deletes)
	assert.Len(t, schema.Creates, 3, "tables are created even for clean collections")
	for _, m := range fb.modifies[1:] {
		assert.False(t, m.IsSchemaChange())
		require.Len(t, m.Inserts, 1)
		assert.False(t, m.Inserts[0].Clear, "fresh tables need no clear")
	}
	assert.Len(t, fb.tables["a"], 3)
}

func TestPersistClearsExistingAndRecreates(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	a := persist.NewAdapter(fb, persist.AdapterConfig{})
	db := newDB(t, map[string]int{"keep": 3, "fresh": 3}, "keep", "fresh")
	_, err := a.Persist(ctx, db, persist.WriteOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, db.Collection("keep").AddAll(docs(1)))
	require.NoError(t, db.Collection("fresh").AddAll(docs(1)))
	fb.modifies = nil

	_, err = a.Persist(ctx, db, persist.WriteOptions{}, map[string]persist.WriteOptions{
		"fresh": {DeleteIfExists: persist.Bool(true)},
	})
	require.NoError(t, err)
	require.Len(t, fb.modifies, 3)
	assert.Equal(t, []persist.DeleteRequest{{Name: "fresh"}}, fb.modifies[0].Deletes)
	require.Len(t, fb.modifies[0].Creates, 1)
	assert.Equal(t, "fresh", fb.modifies[0].Creates[0].Name)

	clears := map[string]bool{}
	for _, m := range fb.modifies[1:] {
		clears[m.Inserts[0].Name] = m.Inserts[0].Clear
	}
	assert.Equal(t, map[string]bool{"keep": true, "fresh": false}, clears)
}

func TestPersistPerTableFailureDoesNotReject(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.tableErrs = map[string]error{"bad": errors.New("constraint failed")}
	db := newDB(t, map[string]int{"good": 2, "bad": 2}, "good", "bad")

	res, err := persist.NewAdapter(fb, persist.AdapterConfig{Logger: async.Discard()}).Persist(ctx, db, persist.WriteOptions{}, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Collections, "good")
	require.Contains(t, res.Failed, "bad")
	assert.ErrorContains(t, res.Failed["bad"], "constraint failed")

	good, _ := db.Get("good")
	bad, _ := db.Get("bad")
	assert.False(t, good.Dirty())
	assert.True(t, bad.Dirty(), "failed collections stay dirty")
}

func TestPersistTransactionFailureRejects(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	fb.txErr = errors.New("database is locked")
	db := newDB(t, map[string]int{"a": 1}, "a")

	_, err := persist.NewAdapter(fb, persist.AdapterConfig{}).Persist(ctx, db, persist.WriteOptions{}, nil)
	require.Error(t, err)
	var be *async.BackendError
	require.ErrorAs(t, err, &be)
	assert.ErrorIs(t, err, fb.txErr)
	assert.True(t, db.HasDirty())
}

func TestPersistStorageFull(t *testing.T) {
	ctx := context.Background()

	t.Run("table", func(t *testing.T) {
		fb := newFakeBackend()
		fb.tableErrs = map[string]error{"a": errDiskFull}
		var got []error
		a := persist.NewAdapter(fb, persist.AdapterConfig{OnStorageFull: func(err error) { got = append(got, err) }})

		res, err := a.Persist(ctx, newDB(t, map[string]int{"a": 1}, "a"), persist.WriteOptions{}, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, res.Failed["a"], persist.ErrStorageFull)
		assert.ErrorIs(t, res.Failed["a"], errDiskFull)
		assert.Len(t, got, 1)
	})

	t.Run("transaction", func(t *testing.T) {
		fb := newFakeBackend()
		fb.txErr = errDiskFull
		called := 0
		a := persist.NewAdapter(fb, persist.AdapterConfig{OnStorageFull: func(error) { called++ }})

		_, err := a.Persist(ctx, newDB(t, map[string]int{"a": 1}, "a"), persist.WriteOptions{}, nil)
		assert.ErrorIs(t, err, persist.ErrStorageFull)
		assert.Equal(t, 1, called)
	})
}

func TestPersistInvalidOptions(t *testing.T) {
	fb := newFakeBackend()
	res, err := persist.NewAdapter(fb, persist.AdapterConfig{}).Persist(context.Background(),
		newDB(t, map[string]int{"a": 1}, "a"), persist.WriteOptions{DataColumnName: persist.String("bad col")}, nil)
	require.NoError(t, err)
	assert.ErrorContains(t, res.Failed["a"], "invalid data column")
	assert.Empty(t, fb.modifies)
}

func TestRestoreNeverWrites(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	a := persist.NewAdapter(fb, persist.AdapterConfig{ExcludeTables: []string{"meta"}})
	_, err := a.Persist(ctx, newDB(t, map[string]int{"a": 4, "meta": 1, "empty": 0}, "a", "meta", "empty"), persist.WriteOptions{}, nil)
	require.NoError(t, err)
	writes := fb.writeCount()

	fb.rawRows = map[string][]persist.Row{"odd": {persist.Row(`{"key":"x","payload":[]}`)}}
	dst := memdb.New(collection.DefaultMemoryOptions())
	res, err := a.Restore(ctx, dst, persist.ReadOptions{}, nil)
	require.NoError(t, err)
	assert.Equal(t, writes, fb.writeCount())

	assert.Equal(t, []string{"a"}, dst.Names())
	assert.Equal(t, 4, res.Collections["a"].Size)
	assert.ErrorIs(t, res.Skipped["empty"], persist.ErrEmptyTable)
	var shape *persist.ShapeError
	require.ErrorAs(t, res.Skipped["odd"], &shape)
	assert.Equal(t, "odd", shape.Table)
	assert.NotContains(t, res.Skipped, "meta")
	assert.NotContains(t, res.Collections, "meta")
}

func TestRestoreReadFailure(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	a := persist.NewAdapter(fb, persist.AdapterConfig{})
	_, err := a.Persist(ctx, newDB(t, map[string]int{"a": 1, "b": 1}, "a", "b"), persist.WriteOptions{}, nil)
	require.NoError(t, err)

	fb.readErrs = map[string]error{"a": errors.New("io error")}
	dst := memdb.New(collection.DefaultMemoryOptions())
	res, err := a.Restore(ctx, dst, persist.ReadOptions{}, nil)
	require.Error(t, err)
	assert.Contains(t, res.Failed, "a")
	assert.Contains(t, res.Collections, "b")
}

type base64Transformer struct{}

func (base64Transformer) Compress(data json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(data))
}

func (base64Transformer) Decompress(data json.RawMessage) (json.RawMessage, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(s)
}

func TestCompressHook(t *testing.T) {
	ctx := context.Background()

	t.Run("missing transformer", func(t *testing.T) {
		res, err := persist.NewAdapter(newFakeBackend(), persist.AdapterConfig{}).Persist(ctx,
			newDB(t, map[string]int{"a": 2}, "a"), persist.WriteOptions{Compress: persist.Bool(true)}, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, res.Failed["a"], persist.ErrNoTransformer)
	})

	t.Run("round trip", func(t *testing.T) {
		fb := newFakeBackend()
		a := persist.NewAdapter(fb, persist.AdapterConfig{Transformer: base64Transformer{}})
		_, err := a.Persist(ctx, newDB(t, map[string]int{"a": 3}, "a"), persist.WriteOptions{Compress: persist.Bool(true)}, nil)
		require.NoError(t, err)
		assert.Equal(t, byte('"'), fb.tables["a"][0].data[0])

		got, err := a.GetCollectionRecords(ctx, "a", persist.ReadOptions{Decompress: persist.Bool(true)})
		require.NoError(t, err)
		assert.Equal(t, docs(3), got)
	})
}

func TestTrackerCountsWrites(t *testing.T) {
	ctx := context.Background()
	tr := changes.NewTracker(10)
	a := persist.NewAdapter(newFakeBackend(), persist.AdapterConfig{Tracker: tr})

	_, err := a.Persist(ctx, newDB(t, map[string]int{"a": 3, "b": 2}, "a", "b"), persist.WriteOptions{}, nil)
	require.NoError(t, err)
	_, err = a.AddCollectionRecords(ctx, "c", persist.WriteOptions{}, docs(4), false)
	require.NoError(t, err)

	assert.Equal(t, []changes.Counts{{Modified: 5}, {Added: 4}}, tr.Changes())
}

func TestGetCollectionRecordsMissing(t *testing.T) {
	_, err := persist.NewAdapter(newFakeBackend(), persist.AdapterConfig{}).GetCollectionRecords(context.Background(), "nope", persist.ReadOptions{})
	assert.ErrorIs(t, err, persist.ErrTableMissing)
}

func TestAddCollectionRecordsKeyed(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	a := persist.NewAdapter(fb, persist.AdapterConfig{})
	opts := persist.WriteOptions{ItemKey: persist.Key("id")}

	_, err := a.AddCollectionRecords(ctx, "k", opts, docs(3), false)
	require.NoError(t, err)
	updated := []collection.Document{{"id": float64(1), "name": "changed"}}
	_, err = a.AddCollectionRecords(ctx, "k", opts, updated, false)
	require.NoError(t, err)

	got, err := a.GetCollectionRecords(ctx, "k", persist.ReadOptions{IsChunks: persist.Bool(false)})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "changed", got[1]["name"])

	_, err = a.AddCollectionRecords(ctx, "k", persist.WriteOptions{ItemKey: persist.Key("missing")}, docs(1), false)
	assert.Error(t, err)
}

func TestClearOperations(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBackend()
	a := persist.NewAdapter(fb, persist.AdapterConfig{ExcludeTables: []string{"keep"}})
	_, err := a.Persist(ctx, newDB(t, map[string]int{"a": 2, "b": 2, "keep": 1}, "a", "b", "keep"), persist.WriteOptions{}, nil)
	require.NoError(t, err)

	require.NoError(t, a.ClearCollections(ctx, []string{"a", "missing"}))
	assert.Empty(t, fb.tables["a"])
	assert.NotEmpty(t, fb.tables["b"])

	require.NoError(t, a.ClearPersistentDb(ctx))
	tables, err := fb.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, tables)

	names, err := a.GetCollectionNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
