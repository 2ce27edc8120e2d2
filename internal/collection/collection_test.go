package collection

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatch(t *testing.T) {
	doc := Document{"id": 1, "name": "a", "lastModified": float64(150), "synced": false}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"int vs float equality", Filter{"id": float64(1)}, true},
		{"string equality", Filter{"name": "a"}, true},
		{"string mismatch", Filter{"name": "b"}, false},
		{"lte inside", Filter{"lastModified": Lte(150)}, true},
		{"lte outside", Filter{"lastModified": Lte(149)}, false},
		{"gt", Filter{"lastModified": Gt(100)}, true},
		{"ne true matches false", Filter{"synced": Ne(true)}, true},
		{"missing field equals nil", Filter{"other": nil}, true},
		{"missing field ne true", Filter{"other": Ne(true)}, true},
		{"compound", Filter{"id": 1, "name": "a", "lastModified": Lte(200)}, true},
		{"incomparable", Filter{"name": Lt(5)}, false},
		{"json number", Filter{"id": json.Number("1")}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Match(doc))
		})
	}
}

func TestFilterTimes(t *testing.T) {
	now := time.Now()
	doc := Document{"at": now}
	assert.True(t, Filter{"at": Lte(now.Add(time.Second))}.Match(doc))
	assert.False(t, Filter{"at": Gt(now)}.Match(doc))
	assert.True(t, Filter{"at": now}.Match(doc))
}

func TestCloneIsDeep(t *testing.T) {
	src := Document{
		"tags":   []any{"a", map[string]any{"x": 1}},
		"nested": map[string]any{"k": "v"},
	}
	dst := Clone(src)
	dst["nested"].(map[string]any)["k"] = "changed"
	dst["tags"].([]any)[1].(map[string]any)["x"] = 2

	assert.Equal(t, "v", src["nested"].(map[string]any)["k"])
	assert.Equal(t, 1, src["tags"].([]any)[1].(map[string]any)["x"])
	assert.Nil(t, Clone(nil))
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "abc", KeyString("abc"))
	assert.Equal(t, "3", KeyString(float64(3)))
	assert.Equal(t, "3.5", KeyString(3.5))
	assert.Equal(t, "7", KeyString(int64(7)))
	assert.Equal(t, "true", KeyString(true))
	assert.Equal(t, "", KeyString(nil))
	assert.Equal(t, `{"a":1}`, KeyString(map[string]any{"a": 1}))
}

func TestMemoryCollection(t *testing.T) {
	m := NewMemory("items", DefaultMemoryOptions())
	assert.Equal(t, "items", m.Name())
	assert.False(t, m.Dirty())

	require.NoError(t, m.AddAll([]Document{{"id": 1}, {"id": 2}, {"id": 3}}))
	assert.Equal(t, 3, m.Len())
	assert.True(t, m.Dirty())

	require.NoError(t, m.UpdateWhere(Filter{"id": 2}, Document{"name": "two"}))
	got := m.Data(Filter{"id": 2})
	require.Len(t, got, 1)
	assert.Equal(t, "two", got[0]["name"])

	// Returned documents are copies.
	got[0]["name"] = "mutated"
	assert.Equal(t, "two", m.Data(Filter{"id": 2})[0]["name"])

	require.NoError(t, m.AddOrUpdateWhereNoModify(Filter{"id": 3}, Document{"id": 3, "name": "three"}))
	require.NoError(t, m.AddOrUpdateWhereNoModify(Filter{"id": 4}, Document{"id": 4}))
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, "three", m.Data(Filter{"id": 3})[0]["name"])

	require.NoError(t, m.RemoveWhere(Filter{"id": Lte(2)}))
	assert.Equal(t, 2, m.Len())

	require.NoError(t, m.ClearCollection())
	assert.Equal(t, 0, m.Len())
}

func TestMemoryInsertStampsMetadata(t *testing.T) {
	now := time.UnixMilli(1_000)
	opts := DefaultMemoryOptions()
	opts.Now = func() time.Time { return now }
	m := NewMemory("items", opts)

	require.NoError(t, m.Insert(Document{"id": 1, "synced": true}))
	doc := m.Data(nil)[0]
	assert.Equal(t, int64(1_000), doc["lastModified"])
	assert.Equal(t, false, doc["synced"])

	now = time.UnixMilli(2_000)
	require.NoError(t, m.Update(Filter{"id": 1}, Document{"name": "x"}))
	doc = m.Data(nil)[0]
	assert.Equal(t, int64(2_000), doc["lastModified"])
	assert.Equal(t, "x", doc["name"])
}

func TestMemoryMarkClean(t *testing.T) {
	m := NewMemory("items", MemoryOptions{})
	require.NoError(t, m.AddAll([]Document{{"id": 1}}))

	_, dirty, version := m.Snapshot()
	assert.True(t, dirty)

	// A modification after the snapshot keeps the collection dirty.
	require.NoError(t, m.AddAll([]Document{{"id": 2}}))
	assert.False(t, m.MarkClean(version))
	assert.True(t, m.Dirty())

	_, _, version = m.Snapshot()
	assert.True(t, m.MarkClean(version))
	assert.False(t, m.Dirty())
}
