package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/config"
	"github.com/steveyegge/collsync/internal/memdb"
	csync "github.com/steveyegge/collsync/internal/sync"
	"github.com/steveyegge/collsync/internal/sync/httpsync"
)

func TestReadDocuments(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`[{"id":1},{"id":2,"name":"b"}]`), 0o600))
	docs, err := readDocuments(good)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[1]["name"])

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"id":1}`), 0o600))
	_, err = readDocuments(bad)
	assert.ErrorContains(t, err, "expected a JSON array")

	_, err = readDocuments(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func newDownFlags() *cobra.Command {
	c := &cobra.Command{Use: "down"}
	c.Flags().String("op", "", "")
	c.Flags().Bool("clear", false, "")
	c.Flags().Bool("remove-deleted", false, "")
	c.Flags().Bool("merge", false, "")
	return c
}

func TestSyncDownOpFromFlags(t *testing.T) {
	tests := []struct {
		args []string
		want csync.SyncDownOp
	}{
		{nil, csync.RemoveNoneAndAddNew},
		{[]string{"--clear"}, csync.RemoveAllAndAddNew},
		{[]string{"--clear", "--merge"}, csync.RemoveAllAndAddNew},
		{[]string{"--remove-deleted"}, csync.RemoveDeletedAndAddNew},
		{[]string{"--merge"}, csync.RemoveNoneAndMergeNew},
		{[]string{"--remove-deleted", "--merge"}, csync.RemoveDeletedAndMergeNew},
		{[]string{"--op", "REMOVE_ALL_AND_ADD_NEW", "--merge"}, csync.RemoveAllAndAddNew},
	}
	for _, tt := range tests {
		c := newDownFlags()
		require.NoError(t, c.ParseFlags(tt.args))
		op, err := syncDownOpFromFlags(c)
		require.NoError(t, err, tt.args)
		assert.Equal(t, tt.want, op, tt.args)
	}

	c := newDownFlags()
	require.NoError(t, c.ParseFlags([]string{"--op", "SOMETIMES"}))
	_, err := syncDownOpFromFlags(c)
	assert.Error(t, err)
}

func TestBuildSettings(t *testing.T) {
	orig := cfg
	t.Cleanup(func() { cfg = orig })

	cfg = &config.Config{Sync: config.SyncConfig{Collections: map[string]config.EndpointConfig{
		"items": {DownURL: "http://example.invalid/items", PrimaryKeys: []string{"id"}},
		"notes": {UpURL: "http://example.invalid/notes", PrimaryKeys: []string{"owner", "slug"}},
	}}}
	db := memdb.New(collection.MemoryOptions{})
	client := httpsync.NewClient()

	settings, err := buildSettings(db, client, []string{"items", "notes"})
	require.NoError(t, err)
	require.Len(t, settings, 2)

	assert.Equal(t, "items", settings[0].Name())
	assert.NotNil(t, settings[0].Down)
	assert.Nil(t, settings[0].Up)
	assert.Equal(t, []string{"owner", "slug"}, settings[1].PrimaryKeys)
	assert.Nil(t, settings[1].Down)
	assert.NotNil(t, settings[1].Up)

	_, err = buildSettings(db, client, []string{"missing"})
	assert.ErrorContains(t, err, "sync.collections.missing")
}
