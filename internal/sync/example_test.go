package sync_test

import (
	"context"
	"fmt"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/sync"
)

func Example() {
	items := collection.NewMemory("items", collection.DefaultMemoryOptions())
	_ = items.AddAll([]collection.Document{
		{"id": 1, "name": "a", "synced": false, "lastModified": 100},
		{"id": 2, "name": "b", "synced": false, "lastModified": 200},
	})

	settings, err := sync.NewSettingsBuilder().
		Collection(items).
		PrimaryKeys("id").
		Up(func(_ context.Context, _ sync.Params, docs []collection.Document) error {
			fmt.Println("pushing", len(docs), "documents")
			return nil
		}, nil).
		Build()
	if err != nil {
		fmt.Println(err)
		return
	}

	cfg := sync.DefaultConfig()
	cfg.Logger = async.Discard()
	res, err := sync.New(cfg).SyncUpCollection(context.Background(), nil, settings)
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println("pushed", res.Pushed)
	fmt.Println("unsynced left", len(items.Data(collection.Filter{"synced": false})))
	// Output:
	// pushing 2 documents
	// pushed 2
	// unsynced left 0
}

func ExampleCreateSyncDownOp() {
	fmt.Println(sync.CreateSyncDownOp(false, true, true))
	fmt.Println(sync.CreateSyncDownOp(true, false, false))
	// Output:
	// REMOVE_DELETED_AND_MERGE_NEW
	// REMOVE_ALL_AND_ADD_NEW
}
