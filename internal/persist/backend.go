package persist

import (
	"context"

	"github.com/steveyegge/collsync/internal/codec"
)

// Row is one stored row rendered as a flat JSON object, for example
// {"key":"0000000000","data":[...]}.
type Row = []byte

// DeleteRequest drops a table.
type DeleteRequest struct {
	Name string
}

// CreateRequest creates a table with a key column and a data column. When
// AutoIncrement is set the backend assigns keys to records that have none.
type CreateRequest struct {
	Name          string
	KeyColumn     string
	AutoIncrement bool
	DataColumn    string
}

// InsertRequest writes records into an existing table. Clear removes every
// existing row first. Overwrite replaces rows whose key already exists;
// without it a key conflict fails the table.
type InsertRequest struct {
	Name       string
	Clear      bool
	Overwrite  bool
	Records    []codec.Record
	KeyColumn  string
	DataColumn string
}

// ModifyRequest is one backend transaction. Deletes are applied before
// creates, and creates before inserts.
type ModifyRequest struct {
	Deletes []DeleteRequest
	Creates []CreateRequest
	Inserts []InsertRequest
}

// IsSchemaChange reports whether the request creates or drops tables.
func (r ModifyRequest) IsSchemaChange() bool {
	return len(r.Deletes) > 0 || len(r.Creates) > 0
}

// ChangeResult carries per-table failures of a Modify call.
type ChangeResult struct {
	Errors map[string]error
}

// Fail records err against table. The first error per table is kept.
func (r *ChangeResult) Fail(table string, err error) {
	if r.Errors == nil {
		r.Errors = make(map[string]error)
	}
	if _, ok := r.Errors[table]; !ok {
		r.Errors[table] = err
	}
}

// Err returns the failure recorded for table, if any.
func (r ChangeResult) Err(table string) error {
	return r.Errors[table]
}

// OK reports whether every table succeeded.
func (r ChangeResult) OK() bool {
	return len(r.Errors) == 0
}

// Backend is the storage SPI. Implementations must be safe for concurrent
// use; the adapter issues insert transactions for several tables at once.
type Backend interface {
	// Kind names the backend for logs and metrics.
	Kind() string

	// Tables lists the stored table names in a stable order.
	Tables(ctx context.Context) ([]string, error)

	// Modify applies the request as one transaction. A failing table step is
	// recorded in the ChangeResult and the remaining steps still run; the
	// returned error is reserved for failures of the transaction itself.
	Modify(ctx context.Context, req ModifyRequest) (ChangeResult, error)

	// Read returns every row of table in key order. A missing table yields
	// an error matching ErrTableMissing.
	Read(ctx context.Context, table string) ([]Row, error)

	// IsStorageFull reports whether err means the backend ran out of space.
	IsStorageFull(err error) bool
}
