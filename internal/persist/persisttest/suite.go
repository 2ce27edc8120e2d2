// Package persisttest holds the conformance suite every persist.Backend
// implementation runs from its own tests.
package persisttest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/memdb"
	"github.com/steveyegge/collsync/internal/persist"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) persist.Backend

// RunBackendTests runs the shared backend suite.
func RunBackendTests(t *testing.T, newBackend Factory) {
	t.Run("EmptyTables", func(t *testing.T) {
		b := newBackend(t)
		tables, err := b.Tables(context.Background())
		require.NoError(t, err)
		assert.Empty(t, tables)
	})

	t.Run("CreateInsertRead", func(t *testing.T) { testCreateInsertRead(t, newBackend(t)) })
	t.Run("AutoIncrement", func(t *testing.T) { testAutoIncrement(t, newBackend(t)) })
	t.Run("ClearAndOverwrite", func(t *testing.T) { testClearAndOverwrite(t, newBackend(t)) })
	t.Run("KeyConflict", func(t *testing.T) { testKeyConflict(t, newBackend(t)) })
	t.Run("PerTableFailure", func(t *testing.T) { testPerTableFailure(t, newBackend(t)) })
	t.Run("DeleteThenCreate", func(t *testing.T) { testDeleteThenCreate(t, newBackend(t)) })
	t.Run("ReadMissing", func(t *testing.T) {
		_, err := newBackend(t).Read(context.Background(), "nope")
		assert.ErrorIs(t, err, persist.ErrTableMissing)
	})
	t.Run("AdapterRoundTrip", func(t *testing.T) { testAdapterRoundTrip(t, newBackend(t)) })
	t.Run("AdapterAppend", func(t *testing.T) { testAdapterAppend(t, newBackend(t)) })
	t.Run("AdapterGroupedMissingKey", func(t *testing.T) { testAdapterGroupedMissingKey(t, newBackend(t)) })
}

func create(name string, auto bool) persist.CreateRequest {
	return persist.CreateRequest{Name: name, KeyColumn: "key", AutoIncrement: auto, DataColumn: "data"}
}

func records(keys ...string) []codec.Record {
	out := make([]codec.Record, len(keys))
	for i, k := range keys {
		out[i] = codec.Record{Key: k, Data: json.RawMessage(fmt.Sprintf(`[{"n":%d}]`, i))}
	}
	return out
}

func insert(name string, recs []codec.Record) persist.InsertRequest {
	return persist.InsertRequest{Name: name, Overwrite: true, Records: recs, KeyColumn: "key", DataColumn: "data"}
}

func mustModify(t *testing.T, b persist.Backend, req persist.ModifyRequest) {
	t.Helper()
	cr, err := b.Modify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, cr.OK(), "table errors: %v", cr.Errors)
}

func rowKeys(t *testing.T, rows []persist.Row) []string {
	t.Helper()
	keys := make([]string, len(rows))
	for i, r := range rows {
		k, ok := codec.RowKey(r, "key")
		require.True(t, ok, "row %s has no key", r)
		keys[i] = k
	}
	return keys
}

func testCreateInsertRead(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	mustModify(t, b, persist.ModifyRequest{Creates: []persist.CreateRequest{create("beta", false), create("alpha", false)}})

	tables, err := b.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, tables)

	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{
		insert("alpha", records(codec.ChunkKey(0), codec.ChunkKey(1), codec.ChunkKey(2))),
	}})
	rows, err := b.Read(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{codec.ChunkKey(0), codec.ChunkKey(1), codec.ChunkKey(2)}, rowKeys(t, rows))

	data, err := codec.RowData(rows[1], "data")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"n":1}]`, string(data))

	rows, err = b.Read(ctx, "beta")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testAutoIncrement(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	mustModify(t, b, persist.ModifyRequest{Creates: []persist.CreateRequest{create("auto", true)}})
	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{insert("auto", records("", ""))}})
	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{insert("auto", records(""))}})

	rows, err := b.Read(ctx, "auto")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	keys := rowKeys(t, rows)
	assert.Len(t, map[string]bool{keys[0]: true, keys[1]: true, keys[2]: true}, 3, "generated keys are unique")

	// Rows come back in insertion order.
	for i, want := range []string{`[{"n":0}]`, `[{"n":1}]`, `[{"n":0}]`} {
		data, err := codec.RowData(rows[i], "data")
		require.NoError(t, err)
		assert.JSONEq(t, want, string(data))
	}
}

func testClearAndOverwrite(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	mustModify(t, b, persist.ModifyRequest{Creates: []persist.CreateRequest{create("t", false)}})
	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{insert("t", records("a", "b", "c"))}})

	// Overwrite replaces in place.
	over := insert("t", []codec.Record{{Key: "b", Data: json.RawMessage(`{"v":"new"}`)}})
	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{over}})
	rows, err := b.Read(ctx, "t")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	data, err := codec.RowData(rows[1], "data")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"new"}`, string(data))

	cleared := insert("t", records("z"))
	cleared.Clear = true
	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{cleared}})
	rows, err = b.Read(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, rowKeys(t, rows))

	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{{Name: "t", Clear: true}}})
	rows, err = b.Read(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testKeyConflict(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	mustModify(t, b, persist.ModifyRequest{Creates: []persist.CreateRequest{create("t", false)}})
	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{insert("t", records("a"))}})

	dup := insert("t", records("a"))
	dup.Overwrite = false
	cr, err := b.Modify(ctx, persist.ModifyRequest{Inserts: []persist.InsertRequest{dup}})
	require.NoError(t, err)
	assert.Error(t, cr.Err("t"))
}

func testPerTableFailure(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	mustModify(t, b, persist.ModifyRequest{Creates: []persist.CreateRequest{create("ok", false)}})

	cr, err := b.Modify(ctx, persist.ModifyRequest{Inserts: []persist.InsertRequest{
		insert("missing", records("a")),
		insert("ok", records("a", "b")),
	}})
	require.NoError(t, err)
	assert.ErrorIs(t, cr.Err("missing"), persist.ErrTableMissing)
	assert.NoError(t, cr.Err("ok"))

	rows, err := b.Read(ctx, "ok")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func testDeleteThenCreate(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	mustModify(t, b, persist.ModifyRequest{Creates: []persist.CreateRequest{create("t", false), create("u", false)}})
	mustModify(t, b, persist.ModifyRequest{Inserts: []persist.InsertRequest{insert("t", records("a", "b"))}})

	mustModify(t, b, persist.ModifyRequest{
		Deletes: []persist.DeleteRequest{{Name: "t"}, {Name: "u"}},
		Creates: []persist.CreateRequest{create("t", false)},
	})
	tables, err := b.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, tables)

	rows, err := b.Read(ctx, "t")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func sampleDocs(n int) []collection.Document {
	docs := make([]collection.Document, n)
	for i := range docs {
		docs[i] = collection.Document{"id": float64(i), "name": fmt.Sprintf("item-%d", i)}
	}
	return docs
}

func testAdapterRoundTrip(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	src := memdb.New(collection.DefaultMemoryOptions())
	require.NoError(t, src.Collection("chunked").AddAll(sampleDocs(11)))
	require.NoError(t, src.Collection("keyed").AddAll(sampleDocs(4)))

	a := persist.NewAdapter(b, persist.AdapterConfig{})
	res, err := a.Persist(ctx, src, persist.WriteOptions{MaxObjectsPerChunk: persist.Int(3)}, map[string]persist.WriteOptions{
		"keyed": {MaxObjectsPerChunk: persist.Int(0), ItemKey: persist.Key("id")},
	})
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 11, res.Collections["chunked"].Size)
	assert.Equal(t, 4, res.Collections["keyed"].Size)
	assert.False(t, src.HasDirty())

	dst := memdb.New(collection.DefaultMemoryOptions())
	rres, err := a.Restore(ctx, dst, persist.ReadOptions{}, map[string]persist.ReadOptions{
		"keyed": {IsChunks: persist.Bool(false)},
	})
	require.NoError(t, err)
	assert.Empty(t, rres.Failed)

	chunked, ok := dst.Get("chunked")
	require.True(t, ok)
	assert.Equal(t, sampleDocs(11), chunked.Data(nil))

	keyed, ok := dst.Get("keyed")
	require.True(t, ok)
	assert.ElementsMatch(t, sampleDocs(4), keyed.Data(nil))
}

func testAdapterGroupedMissingKey(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	docs := []collection.Document{
		{"id": 1.0, "cat": "a"},
		{"id": 2.0},
		{"id": 3.0, "cat": "b"},
		{"id": 4.0, "cat": ""},
		{"id": 5.0, "cat": "a"},
	}
	src := memdb.New(collection.MemoryOptions{})
	require.NoError(t, src.Collection("items").AddAll(docs))

	a := persist.NewAdapter(b, persist.AdapterConfig{})
	res, err := a.Persist(ctx, src, persist.WriteOptions{GroupBy: persist.Key("cat")}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 5, res.Collections["items"].Size)
	assert.False(t, src.HasDirty())

	rows, err := b.Read(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", codec.NullGroupKey, "b"}, rowKeys(t, rows))

	dst := memdb.New(collection.MemoryOptions{})
	rres, err := a.Restore(ctx, dst, persist.ReadOptions{}, nil)
	require.NoError(t, err)
	assert.Empty(t, rres.Failed)
	assert.Empty(t, rres.Skipped)

	items, ok := dst.Get("items")
	require.True(t, ok)
	assert.ElementsMatch(t, docs, items.Data(nil))
}

func testAdapterAppend(t *testing.T, b persist.Backend) {
	ctx := context.Background()
	a := persist.NewAdapter(b, persist.AdapterConfig{Defaults: persist.WriteOptions{MaxObjectsPerChunk: persist.Int(2)}})

	_, err := a.AddCollectionRecords(ctx, "log", persist.WriteOptions{}, sampleDocs(3), false)
	require.NoError(t, err)
	_, err = a.AddCollectionRecords(ctx, "log", persist.WriteOptions{}, sampleDocs(2), false)
	require.NoError(t, err)

	docs, err := a.GetCollectionRecords(ctx, "log", persist.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, append(sampleDocs(3), sampleDocs(2)...), docs)

	_, err = a.AddCollectionRecords(ctx, "log", persist.WriteOptions{}, sampleDocs(1), true)
	require.NoError(t, err)
	docs, err = a.GetCollectionRecords(ctx, "log", persist.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, sampleDocs(1), docs)

	require.NoError(t, a.ClearPersistentDb(ctx))
	names, err := a.GetCollectionNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}
