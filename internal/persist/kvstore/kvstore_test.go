package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/persist"
	"github.com/steveyegge/collsync/internal/persist/persisttest"
)

type storeFactory func(t *testing.T) Store

func newMemPebble(t *testing.T) Store {
	t.Helper()
	s, err := OpenPebble("collsync", vfs.NewMem(), async.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newRedis runs against COLLSYNC_TEST_REDIS_URL when set, otherwise against an
// in-process miniredis server.
func newRedis(t *testing.T) Store {
	t.Helper()
	url := os.Getenv("COLLSYNC_TEST_REDIS_URL")
	if url == "" {
		url = "redis://" + miniredis.RunT(t).Addr()
	}
	return openRedis(t, url, fmt.Sprintf("collsync-test/%s/", t.Name()))
}

func openRedis(t *testing.T, url, namespace string) *RedisStore {
	t.Helper()
	ctx := context.Background()
	s, err := OpenRedis(ctx, url, namespace)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Apply(ctx, []Op{{Kind: OpDeletePrefix, Key: []byte{}}})
		_ = s.Close()
	})
	return s
}

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(*testing.T) Store { return NewMemoryStore() },
		"pebble": newMemPebble,
		"redis":  newRedis,
	}
}

func TestBackendConformance(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			persisttest.RunBackendTests(t, func(t *testing.T) persist.Backend {
				return New(newStore(t), async.Discard())
			})
		})
	}
}

func TestStoreSemantics(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			require.NoError(t, s.Apply(ctx, []Op{
				{Kind: OpSet, Key: []byte("a/2"), Value: []byte("two")},
				{Kind: OpSet, Key: []byte("a/1"), Value: []byte("one")},
				{Kind: OpSet, Key: []byte("b/1"), Value: []byte("other")},
			}))

			v, ok, err := s.Get(ctx, []byte("a/1"))
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "one", string(v))

			_, ok, err = s.Get(ctx, []byte("zzz"))
			require.NoError(t, err)
			assert.False(t, ok)

			var keys []string
			require.NoError(t, s.Scan(ctx, []byte("a/"), func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			}))
			assert.Equal(t, []string{"a/1", "a/2"}, keys)

			// A prefix delete also removes keys set earlier in the same batch,
			// and later sets survive it.
			require.NoError(t, s.Apply(ctx, []Op{
				{Kind: OpSet, Key: []byte("a/3"), Value: []byte("three")},
				{Kind: OpDeletePrefix, Key: []byte("a/")},
				{Kind: OpSet, Key: []byte("a/4"), Value: []byte("four")},
				{Kind: OpDelete, Key: []byte("b/1")},
			}))
			keys = nil
			require.NoError(t, s.Scan(ctx, []byte(""), func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			}))
			assert.Equal(t, []string{"a/4"}, keys)
		})
	}
}

func TestRedisScanBatchesAndNamespaces(t *testing.T) {
	ctx := context.Background()
	url := "redis://" + miniredis.RunT(t).Addr()
	a := openRedis(t, url, "a/")
	b := openRedis(t, url, "b/")

	// More keys than one MGET batch, with the binary separators the
	// backend uses.
	var ops []Op
	for i := range 600 {
		ops = append(ops, Op{Kind: OpSet, Key: []byte(fmt.Sprintf("r\x00t\x00%04d", i)), Value: []byte(fmt.Sprint(i))})
	}
	require.NoError(t, a.Apply(ctx, ops))
	require.NoError(t, b.Apply(ctx, []Op{{Kind: OpSet, Key: []byte("r\x00t\x000000"), Value: []byte("b")}}))

	var n int
	require.NoError(t, a.Scan(ctx, []byte("r\x00t\x00"), func(k, v []byte) error {
		assert.Equal(t, fmt.Sprintf("r\x00t\x00%04d", n), string(k))
		assert.Equal(t, fmt.Sprint(n), string(v))
		n++
		return nil
	}))
	assert.Equal(t, 600, n)

	require.NoError(t, a.Apply(ctx, []Op{{Kind: OpDeletePrefix, Key: []byte("r\x00")}}))
	_, ok, err := a.Get(ctx, []byte("r\x00t\x000001"))
	require.NoError(t, err)
	assert.False(t, ok)

	v, ok, err := b.Get(ctx, []byte("r\x00t\x000000"))
	require.NoError(t, err)
	assert.True(t, ok, "prefix delete must stay inside its namespace")
	assert.Equal(t, "b", string(v))
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte("a")))
	assert.Equal(t, []byte("r\x00t\x01"), prefixUpperBound([]byte("r\x00t\x00")))
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte("a\xff")))
	assert.Nil(t, prefixUpperBound([]byte("\xff\xff")))
}

func TestRecreateResetsSequence(t *testing.T) {
	ctx := context.Background()
	b := New(NewMemoryStore(), async.Discard())
	create := persist.CreateRequest{Name: "t", KeyColumn: "key", AutoIncrement: true, DataColumn: "data"}
	_, err := b.Modify(ctx, persist.ModifyRequest{Creates: []persist.CreateRequest{create}})
	require.NoError(t, err)

	ins := persist.InsertRequest{Name: "t", KeyColumn: "key", DataColumn: "data"}
	ins.Records = append(ins.Records, persistRecord(`[1]`), persistRecord(`[2]`))
	_, err = b.Modify(ctx, persist.ModifyRequest{Inserts: []persist.InsertRequest{ins}})
	require.NoError(t, err)

	// Drop, recreate and insert within one request.
	cr, err := b.Modify(ctx, persist.ModifyRequest{
		Deletes: []persist.DeleteRequest{{Name: "t"}},
		Creates: []persist.CreateRequest{create},
		Inserts: []persist.InsertRequest{{Name: "t", KeyColumn: "key", DataColumn: "data", Records: ins.Records[:1]}},
	})
	require.NoError(t, err)
	require.True(t, cr.OK(), "%v", cr.Errors)

	rows, err := b.Read(ctx, "t")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"key":"0000000001","data":[1]}`, string(rows[0]))
}

func TestCreateExistingFails(t *testing.T) {
	ctx := context.Background()
	b := New(NewMemoryStore(), async.Discard())
	create := persist.CreateRequest{Name: "t", KeyColumn: "key", DataColumn: "data"}
	_, err := b.Modify(ctx, persist.ModifyRequest{Creates: []persist.CreateRequest{create}})
	require.NoError(t, err)

	cr, err := b.Modify(ctx, persist.ModifyRequest{Creates: []persist.CreateRequest{create}})
	require.NoError(t, err)
	assert.Error(t, cr.Err("t"))

	cr, err = b.Modify(ctx, persist.ModifyRequest{Creates: []persist.CreateRequest{{Name: "bad\x00name", KeyColumn: "key", DataColumn: "data"}}})
	require.NoError(t, err)
	assert.Error(t, cr.Err("bad\x00name"))
}

func TestIsStorageFull(t *testing.T) {
	b := New(NewMemoryStore(), nil)
	assert.True(t, b.IsStorageFull(fmt.Errorf("write: %w", syscall.ENOSPC)))
	assert.False(t, b.IsStorageFull(os.ErrClosed))
}

func persistRecord(data string) codec.Record {
	return codec.Record{Data: json.RawMessage(data)}
}
