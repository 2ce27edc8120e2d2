// Package sync reconciles local collections with a remote service.
//
// Sync down pulls remote items and applies them to the local collection
// according to a SyncDownOp. Sync up selects local documents whose synced
// flag is false, pushes them in one call and then marks them synced, unless
// they were modified again after they were selected.
//
// Every collection is synced independently: one failing collection never
// aborts its siblings.
//
// Example:
//
//	settings, err := sync.NewSettingsBuilder().
//		Collection(items).
//		PrimaryKeys("id").
//		WithURLs("https://api.example.com/items", "https://api.example.com/items", client).
//		Build()
//	if err != nil {
//		return err
//	}
//	engine := sync.New(sync.DefaultConfig())
//	res, err := engine.SyncUpCollection(ctx, nil, settings)
package sync
