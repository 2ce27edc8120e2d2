// Package persist saves and loads named document collections through a
// pluggable storage backend.
//
// The package has three layers:
//
//   - Backend is the small SPI a storage engine implements: list tables, apply
//     a schema/data change in one transaction, read a table's rows.
//   - Adapter implements the Persister contract on top of any Backend using the
//     codec package for chunking, grouping and keyed records.
//   - Gate decorates a Persister with read/write permission checks and injects
//     store-wide compression defaults.
//
// A Persist call runs in two phases. Table deletes and creates are applied in a
// single schema change first. Inserts for every dirty collection are then
// issued concurrently, one backend transaction each, and awaited together.
// Failures are reported per collection; only transaction-level failures make
// the call itself return an error.
//
// Example:
//
//	adapter := persist.NewAdapter(backend, persist.AdapterConfig{Logger: logger})
//	res, err := adapter.Persist(ctx, db, persist.WriteOptions{
//	    MaxObjectsPerChunk: persist.Int(500),
//	}, nil)
package persist
