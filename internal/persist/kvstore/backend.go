// Package kvstore stores collections in an ordered key-value store.
//
// Tables are mapped onto key prefixes:
//
//	t\x00<table>            table metadata (JSON)
//	r\x00<table>\x00<key>   one record per row
//
// A Modify call is planned against the current store state and committed as
// a single atomic Apply, so a request either lands completely (minus the
// tables that failed planning) or not at all.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"

	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/persist"
)

const (
	metaPrefix = "t\x00"
	rowPrefix  = "r\x00"
	sep        = "\x00"
)

func metaKey(table string) []byte {
	return []byte(metaPrefix + table)
}

func rowsPrefix(table string) []byte {
	return []byte(rowPrefix + table + sep)
}

func rowKey(table, key string) []byte {
	return []byte(rowPrefix + table + sep + key)
}

type tableMeta struct {
	KeyColumn     string `json:"keyColumn"`
	DataColumn    string `json:"dataColumn"`
	AutoIncrement bool   `json:"autoIncrement"`
	Seq           int    `json:"seq"`
}

// Backend is a persist.Backend over a Store.
type Backend struct {
	store Store
	log   *slog.Logger

	// mu serializes Modify calls, which read store state while planning.
	mu sync.Mutex
}

var _ persist.Backend = (*Backend)(nil)

// New creates a Backend over store.
func New(store Store, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{store: store, log: logger.With("backend", store.Kind())}
}

// Kind implements persist.Backend.
func (b *Backend) Kind() string {
	return b.store.Kind()
}

// Store returns the underlying store.
func (b *Backend) Store() Store {
	return b.store
}

// Close closes the underlying store.
func (b *Backend) Close() error {
	return b.store.Close()
}

// Tables implements persist.Backend.
func (b *Backend) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := b.store.Scan(ctx, []byte(metaPrefix), func(key, _ []byte) error {
		names = append(names, strings.TrimPrefix(string(key), metaPrefix))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	return names, nil
}

func (b *Backend) loadMeta(ctx context.Context, table string) (*tableMeta, error) {
	raw, ok, err := b.store.Get(ctx, metaKey(table))
	if err != nil {
		return nil, fmt.Errorf("failed to load table %s: %w", table, err)
	}
	if !ok {
		return nil, nil
	}
	var m tableMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("corrupt metadata for table %s: %w", table, err)
	}
	return &m, nil
}

// tableState is the planned state of one table within a Modify call.
type tableState struct {
	meta      *tableMeta
	metaDirty bool
	cleared   bool
	written   map[string]bool
}

type planner struct {
	b      *Backend
	ctx    context.Context
	tables map[string]*tableState
	ops    []Op
}

func (p *planner) table(name string) (*tableState, error) {
	if st, ok := p.tables[name]; ok {
		return st, nil
	}
	meta, err := p.b.loadMeta(p.ctx, name)
	if err != nil {
		return nil, err
	}
	st := &tableState{meta: meta, written: make(map[string]bool)}
	p.tables[name] = st
	return st, nil
}

// Modify implements persist.Backend.
func (b *Backend) Modify(ctx context.Context, req persist.ModifyRequest) (persist.ChangeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cr persist.ChangeResult
	p := &planner{b: b, ctx: ctx, tables: make(map[string]*tableState)}
	var order []string

	for _, d := range req.Deletes {
		if err := checkTableName(d.Name); err != nil {
			cr.Fail(d.Name, err)
			continue
		}
		st, err := p.table(d.Name)
		if err != nil {
			return persist.ChangeResult{}, err
		}
		if st.meta == nil {
			continue
		}
		p.ops = append(p.ops,
			Op{Kind: OpDeletePrefix, Key: rowsPrefix(d.Name)},
			Op{Kind: OpDelete, Key: metaKey(d.Name)})
		st.meta, st.metaDirty, st.cleared = nil, false, true
		st.written = make(map[string]bool)
	}

	for _, c := range req.Creates {
		if err := checkTableName(c.Name); err != nil {
			cr.Fail(c.Name, err)
			continue
		}
		if !codec.ValidIdentifier(c.KeyColumn) || !codec.ValidIdentifier(c.DataColumn) {
			cr.Fail(c.Name, fmt.Errorf("invalid columns %q/%q for table %s", c.KeyColumn, c.DataColumn, c.Name))
			continue
		}
		st, err := p.table(c.Name)
		if err != nil {
			return persist.ChangeResult{}, err
		}
		if st.meta != nil {
			cr.Fail(c.Name, fmt.Errorf("table %s already exists", c.Name))
			continue
		}
		st.meta = &tableMeta{KeyColumn: c.KeyColumn, DataColumn: c.DataColumn, AutoIncrement: c.AutoIncrement}
		st.metaDirty, st.cleared = true, true
		order = append(order, c.Name)
	}

	for _, ins := range req.Inserts {
		st, err := p.table(ins.Name)
		if err != nil {
			return persist.ChangeResult{}, err
		}
		if st.meta == nil {
			cr.Fail(ins.Name, fmt.Errorf("insert into %s: %w", ins.Name, persist.ErrTableMissing))
			continue
		}
		if err := p.planInsert(st, ins); err != nil {
			cr.Fail(ins.Name, err)
			continue
		}
		order = append(order, ins.Name)
	}

	seen := make(map[string]bool)
	for _, name := range order {
		st := p.tables[name]
		if seen[name] || !st.metaDirty || st.meta == nil {
			continue
		}
		seen[name] = true
		raw, err := json.Marshal(st.meta)
		if err != nil {
			return persist.ChangeResult{}, fmt.Errorf("failed to encode metadata for %s: %w", name, err)
		}
		p.ops = append(p.ops, Op{Kind: OpSet, Key: metaKey(name), Value: raw})
	}

	if len(p.ops) == 0 {
		return cr, nil
	}
	if err := b.store.Apply(ctx, p.ops); err != nil {
		return persist.ChangeResult{}, fmt.Errorf("failed to apply changes: %w", err)
	}
	b.log.Debug("applied changes", "ops", len(p.ops), "failed", len(cr.Errors))
	return cr, nil
}

// planInsert appends the ops for ins. Nothing is planned when it fails.
func (p *planner) planInsert(st *tableState, ins persist.InsertRequest) error {
	var (
		ops     []Op
		cleared = st.cleared
		seq     = st.meta.Seq
		written = make(map[string]bool, len(st.written)+len(ins.Records))
	)
	for k := range st.written {
		written[k] = true
	}

	if ins.Clear {
		ops = append(ops, Op{Kind: OpDeletePrefix, Key: rowsPrefix(ins.Name)})
		cleared = true
		written = make(map[string]bool, len(ins.Records))
	}

	for i, r := range ins.Records {
		key := r.Key
		if key == "" {
			if !st.meta.AutoIncrement {
				return fmt.Errorf("record %d of %s has no key and the table does not generate keys", i, ins.Name)
			}
			seq++
			key = codec.ChunkKey(seq)
		} else if strings.Contains(key, sep) {
			return fmt.Errorf("record %d of %s: key contains a NUL byte", i, ins.Name)
		} else if !ins.Overwrite {
			exists := written[key]
			if !exists && !cleared {
				_, found, err := p.b.store.Get(p.ctx, rowKey(ins.Name, key))
				if err != nil {
					return err
				}
				exists = found
			}
			if exists {
				return fmt.Errorf("record %d of %s: key %q: %w", i, ins.Name, key, codec.ErrDuplicateKey)
			}
		}
		ops = append(ops, Op{Kind: OpSet, Key: rowKey(ins.Name, key), Value: r.Data})
		written[key] = true
	}

	p.ops = append(p.ops, ops...)
	st.cleared = cleared
	st.written = written
	if seq != st.meta.Seq {
		st.meta.Seq = seq
		st.metaDirty = true
	}
	return nil
}

// Read implements persist.Backend. Rows come back in key order.
func (b *Backend) Read(ctx context.Context, table string) ([]persist.Row, error) {
	meta, err := b.loadMeta(ctx, table)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("read %s: %w", table, persist.ErrTableMissing)
	}

	prefix := rowsPrefix(table)
	var rows []persist.Row
	err = b.store.Scan(ctx, prefix, func(key, value []byte) error {
		row, err := codec.BuildRow(meta.KeyColumn, string(key[len(prefix):]), meta.DataColumn, value)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	return rows, nil
}

// IsStorageFull implements persist.Backend.
func (b *Backend) IsStorageFull(err error) bool {
	if errors.Is(err, syscall.ENOSPC) {
		return true
	}
	if c, ok := b.store.(interface{ IsStorageFull(error) bool }); ok {
		return c.IsStorageFull(err)
	}
	return false
}

func checkTableName(name string) error {
	if name == "" {
		return errors.New("empty table name")
	}
	if strings.Contains(name, sep) {
		return fmt.Errorf("table name %q contains a NUL byte", name)
	}
	return nil
}
