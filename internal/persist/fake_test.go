package persist_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/persist"
)

var errDiskFull = errors.New("quota exceeded")

type fakeRow struct {
	key  string
	data []byte
}

// fakeBackend keeps tables in memory and lets tests inject failures.
type fakeBackend struct {
	mu       sync.Mutex
	tables   map[string][]fakeRow
	seq      map[string]int
	modifies []persist.ModifyRequest
	reads    int

	txErr      error
	tableErrs  map[string]error
	readErrs   map[string]error
	rawRows    map[string][]persist.Row
	createErrs map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		tables: make(map[string][]fakeRow),
		seq:    make(map[string]int),
	}
}

func (f *fakeBackend) Kind() string { return "fake" }

func (f *fakeBackend) Tables(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for n := range f.tables {
		names = append(names, n)
	}
	for n := range f.rawRows {
		if _, ok := f.tables[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeBackend) Modify(_ context.Context, req persist.ModifyRequest) (persist.ChangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifies = append(f.modifies, req)
	if f.txErr != nil {
		return persist.ChangeResult{}, f.txErr
	}
	var cr persist.ChangeResult
	for _, d := range req.Deletes {
		delete(f.tables, d.Name)
	}
	for _, c := range req.Creates {
		if err := f.createErrs[c.Name]; err != nil {
			cr.Fail(c.Name, err)
			continue
		}
		f.tables[c.Name] = nil
	}
	for _, ins := range req.Inserts {
		if err := f.tableErrs[ins.Name]; err != nil {
			cr.Fail(ins.Name, err)
			continue
		}
		rows, ok := f.tables[ins.Name]
		if !ok {
			cr.Fail(ins.Name, persist.ErrTableMissing)
			continue
		}
		if ins.Clear {
			rows = nil
		}
		for _, r := range ins.Records {
			key := r.Key
			if key == "" {
				f.seq[ins.Name]++
				key = codec.ChunkKey(f.seq[ins.Name])
			}
			rows = upsert(rows, fakeRow{key: key, data: r.Data})
		}
		f.tables[ins.Name] = rows
	}
	return cr, nil
}

func upsert(rows []fakeRow, r fakeRow) []fakeRow {
	for i := range rows {
		if rows[i].key == r.key {
			rows[i] = r
			return rows
		}
	}
	return append(rows, r)
}

func (f *fakeBackend) Read(_ context.Context, table string) ([]persist.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err := f.readErrs[table]; err != nil {
		return nil, err
	}
	if raw, ok := f.rawRows[table]; ok {
		return raw, nil
	}
	rows, ok := f.tables[table]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", table, persist.ErrTableMissing)
	}
	out := make([]persist.Row, len(rows))
	for i, r := range rows {
		row, err := codec.BuildRow("key", r.key, "data", r.data)
		if err != nil {
			return nil, err
		}
		out[i] = row
	}
	return out, nil
}

func (f *fakeBackend) IsStorageFull(err error) bool {
	return errors.Is(err, errDiskFull)
}

func (f *fakeBackend) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.modifies)
}
