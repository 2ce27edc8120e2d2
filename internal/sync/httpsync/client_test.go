package httpsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/sync"
)

func testClient(opts ...Option) *Client {
	base := []Option{
		WithLogger(async.Discard()),
		WithRetryWait(time.Millisecond, 5*time.Millisecond),
	}
	return NewClient(append(base, opts...)...)
}

func TestDownFunc(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "5", r.URL.Query().Get("since"))
		assert.Equal(t, []string{"a", "b"}, r.URL.Query()["tag"])
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":1,"name":"a"},{"id":2,"name":"b"}]`)
	}))
	defer srv.Close()

	c := testClient(WithHeader("Authorization", "Bearer token"))
	items, err := c.DownFunc(srv.URL+"/items")(context.Background(), sync.Params{"since": 5, "tag": []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []collection.Document{
		{"id": 1.0, "name": "a"},
		{"id": 2.0, "name": "b"},
	}, items)
}

func TestUpFunc(t *testing.T) {
	var got []collection.Document
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "alice", r.URL.Query().Get("user"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := testClient().UpFunc(srv.URL)(context.Background(), sync.Params{"user": "alice"}, []collection.Document{{"id": 1}})
	require.NoError(t, err)
	assert.Equal(t, []collection.Document{{"id": 1.0}}, got)
}

func TestUpFuncSendsEmptyArray(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer srv.Close()

	require.NoError(t, testClient().UpFunc(srv.URL)(context.Background(), nil, nil))
	assert.Equal(t, "[]", body)
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	items, err := testClient().DownFunc(srv.URL)(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStatusErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, "slow down\n")
	}))
	defer srv.Close()

	_, err := testClient().DownFunc(srv.URL)(context.Background(), nil)
	var se *StatusError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.Equal(t, "slow down", se.Body)
	assert.Equal(t, int32(1), calls.Load(), "429 is not retried")
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := testClient().UpFunc(srv.URL)(context.Background(), nil, []collection.Document{{"id": 1}})
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestBadResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"not":"an array"}`)
	}))
	defer srv.Close()

	_, err := testClient().DownFunc(srv.URL)(context.Background(), nil)
	assert.ErrorContains(t, err, "failed to decode")
}

func TestEngineOverHTTP(t *testing.T) {
	var pushed []collection.Document
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":1,"name":"remote"}]`)
	})
	mux.HandleFunc("POST /items", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&pushed))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	items := collection.NewMemory("items", collection.DefaultMemoryOptions())
	settings, err := sync.NewSettingsBuilder().
		Collection(items).
		PrimaryKeys("id").
		WithURLs(srv.URL+"/items", srv.URL+"/items", testClient()).
		Build()
	require.NoError(t, err)

	cfg := sync.DefaultConfig()
	cfg.Logger = async.Discard()
	engine := sync.New(cfg)
	ctx := context.Background()

	_, err = engine.SyncDownCollection(ctx, nil, settings, sync.RemoveAllAndAddNew)
	require.NoError(t, err)
	require.NoError(t, items.Insert(collection.Document{"id": 2.0, "name": "local"}))

	res, err := engine.SyncUpCollection(ctx, nil, settings)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	require.Len(t, pushed, 1)
	assert.Equal(t, "local", pushed[0]["name"])
	assert.Empty(t, items.Data(collection.Filter{"synced": false}))
}

func TestWithQuery(t *testing.T) {
	got, err := withQuery("https://svc/items?x=1", sync.Params{"y": true, "z": []any{1, "b"}})
	require.NoError(t, err)
	assert.Equal(t, "https://svc/items?x=1&y=true&z=1&z=b", got)

	_, err = withQuery("://bad", nil)
	assert.Error(t, err)
}
