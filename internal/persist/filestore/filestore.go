// Package filestore stores collections as JSON Lines files, one file per
// table, on an afero file system.
//
// File layout for table "items" (items.jsonl):
//
//	{"keyColumn":"key","dataColumn":"data","autoIncrement":false,"seq":0}
//	{"key":"0000000000","data":[...]}
//	{"key":"0000000001","data":[...]}
//
// The first line holds the table metadata, every following line one row.
// Changed tables are rewritten through a temporary file and a rename, so a
// reader never observes a half-written table.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/afero"

	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/persist"
)

// Kind is the backend kind reported by Backend.Kind.
const Kind = "file"

// Ext is the table file extension.
const Ext = ".jsonl"

var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)

type tableMeta struct {
	KeyColumn     string `json:"keyColumn"`
	DataColumn    string `json:"dataColumn"`
	AutoIncrement bool   `json:"autoIncrement"`
	Seq           int    `json:"seq"`
}

type row struct {
	key  string
	data []byte
}

type table struct {
	meta tableMeta
	rows []row
}

// Backend is a persist.Backend over a directory of table files.
type Backend struct {
	fs  afero.Fs
	dir string
	log *slog.Logger

	// mu serializes Modify calls, which rewrite whole files.
	mu sync.Mutex
}

var _ persist.Backend = (*Backend)(nil)

// New creates the directory if needed and returns a Backend over it.
func New(fs afero.Fs, dir string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Backend{fs: fs, dir: dir, log: logger.With("backend", Kind)}, nil
}

// Kind implements persist.Backend.
func (b *Backend) Kind() string {
	return Kind
}

// Dir returns the data directory.
func (b *Backend) Dir() string {
	return b.dir
}

func (b *Backend) path(name string) string {
	return filepath.Join(b.dir, name+Ext)
}

// Tables implements persist.Backend.
func (b *Backend) Tables(_ context.Context) ([]string, error) {
	infos, err := afero.ReadDir(b.fs, b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	var names []string
	for _, info := range infos {
		if info.IsDir() || !strings.HasSuffix(info.Name(), Ext) {
			continue
		}
		name := strings.TrimSuffix(info.Name(), Ext)
		if tableNameRe.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *Backend) load(name string) (*table, error) {
	f, err := b.fs.Open(b.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open table %s: %w", name, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	header, err := readLine(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", name, err)
	}
	t := &table{}
	if err := json.Unmarshal(header, &t.meta); err != nil {
		return nil, fmt.Errorf("corrupt header in %s: %w", name, err)
	}

	for lineNum := 2; ; lineNum++ {
		line, err := readLine(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s line %d: %w", name, lineNum, err)
		}
		if len(line) == 0 {
			continue
		}
		key, _ := codec.RowKey(line, t.meta.KeyColumn)
		data, err := codec.RowData(line, t.meta.DataColumn)
		if err != nil {
			return nil, fmt.Errorf("invalid row in %s line %d: %w", name, lineNum, err)
		}
		t.rows = append(t.rows, row{key: key, data: data})
	}
	return t, nil
}

// readLine returns the next line without its newline, or io.EOF.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err == io.EOF && len(line) > 0 {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// write replaces the table file atomically.
func (b *Backend) write(name string, t *table) error {
	var buf bytes.Buffer
	header, err := json.Marshal(t.meta)
	if err != nil {
		return err
	}
	buf.Write(header)
	buf.WriteByte('\n')
	for _, r := range t.rows {
		line, err := codec.BuildRow(t.meta.KeyColumn, r.key, t.meta.DataColumn, r.data)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp := b.path(name) + ".tmp"
	if err := afero.WriteFile(b.fs, tmp, buf.Bytes(), 0644); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("failed to write table %s: %w", name, err)
	}
	if err := b.fs.Rename(tmp, b.path(name)); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("failed to replace table %s: %w", name, err)
	}
	return nil
}

// Modify implements persist.Backend. All changes are computed in memory
// first; files are only touched once planning is complete. A failure while
// writing files is returned as a transaction error.
func (b *Backend) Modify(ctx context.Context, req persist.ModifyRequest) (persist.ChangeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var cr persist.ChangeResult
	state := make(map[string]*table)
	loaded := make(map[string]bool)
	touched := make(map[string]bool)
	get := func(name string) (*table, error) {
		if loaded[name] {
			return state[name], nil
		}
		t, err := b.load(name)
		if err != nil {
			return nil, err
		}
		loaded[name] = true
		state[name] = t
		return t, nil
	}

	for _, d := range req.Deletes {
		if err := checkTableName(d.Name); err != nil {
			cr.Fail(d.Name, err)
			continue
		}
		if _, err := get(d.Name); err != nil {
			cr.Fail(d.Name, err)
			continue
		}
		state[d.Name] = nil
		touched[d.Name] = true
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
		t, err := get(c.Name)
		if err != nil {
			cr.Fail(c.Name, err)
			continue
		}
		if t != nil {
			cr.Fail(c.Name, fmt.Errorf("table %s already exists", c.Name))
			continue
		}
		state[c.Name] = &table{meta: tableMeta{KeyColumn: c.KeyColumn, DataColumn: c.DataColumn, AutoIncrement: c.AutoIncrement}}
		touched[c.Name] = true
	}

	for _, ins := range req.Inserts {
		if err := ctx.Err(); err != nil {
			return persist.ChangeResult{}, err
		}
		t, err := get(ins.Name)
		if err != nil {
			cr.Fail(ins.Name, err)
			continue
		}
		if t == nil {
			cr.Fail(ins.Name, fmt.Errorf("insert into %s: %w", ins.Name, persist.ErrTableMissing))
			continue
		}
		next, err := applyInsert(t, ins)
		if err != nil {
			cr.Fail(ins.Name, err)
			continue
		}
		state[ins.Name] = next
		touched[ins.Name] = true
	}

	names := make([]string, 0, len(touched))
	for name := range touched {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t := state[name]
		if t == nil {
			if err := b.fs.Remove(b.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return cr, fmt.Errorf("failed to remove table %s: %w", name, err)
			}
			continue
		}
		if err := b.write(name, t); err != nil {
			return cr, err
		}
	}
	if len(names) > 0 {
		b.log.Debug("applied changes", "tables", len(names), "failed", len(cr.Errors))
	}
	return cr, nil
}

// applyInsert returns a copy of t with ins applied.
func applyInsert(t *table, ins persist.InsertRequest) (*table, error) {
	next := &table{meta: t.meta}
	if !ins.Clear {
		next.rows = append([]row(nil), t.rows...)
	}
	index := make(map[string]int, len(next.rows)+len(ins.Records))
	for i, r := range next.rows {
		index[r.key] = i
	}
	for i, r := range ins.Records {
		key := r.Key
		if key == "" {
			if !next.meta.AutoIncrement {
				return nil, fmt.Errorf("record %d of %s has no key and the table does not generate keys", i, ins.Name)
			}
			next.meta.Seq++
			key = codec.ChunkKey(next.meta.Seq)
		}
		if idx, ok := index[key]; ok {
			if !ins.Overwrite {
				return nil, fmt.Errorf("record %d of %s: key %q: %w", i, ins.Name, key, codec.ErrDuplicateKey)
			}
			next.rows[idx].data = r.Data
			continue
		}
		index[key] = len(next.rows)
		next.rows = append(next.rows, row{key: key, data: r.Data})
	}
	return next, nil
}

// Read implements persist.Backend. Rows come back in file order.
func (b *Backend) Read(_ context.Context, name string) ([]persist.Row, error) {
	if err := checkTableName(name); err != nil {
		return nil, err
	}
	t, err := b.load(name)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("read %s: %w", name, persist.ErrTableMissing)
	}
	rows := make([]persist.Row, 0, len(t.rows))
	for _, r := range t.rows {
		line, err := codec.BuildRow(t.meta.KeyColumn, r.key, t.meta.DataColumn, r.data)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		rows = append(rows, line)
	}
	return rows, nil
}

// IsStorageFull implements persist.Backend.
func (b *Backend) IsStorageFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

func checkTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}
