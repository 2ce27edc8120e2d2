// Package sqltable stores collections in an embedded SQLite database, one
// table per collection.
//
// The database is opened in WAL mode through the ncruces/go-sqlite3
// database/sql driver. Each table has a primary key column and a data column
// holding one JSON record per row:
//
//	CREATE TABLE "items" ("key" TEXT PRIMARY KEY NOT NULL, "data" TEXT NOT NULL)
//
// Creating or dropping tables is a schema change. Every Modify call that
// carries one bumps PRAGMA user_version by exactly one and runs the
// OnUpgrade hook inside the same transaction. Data-only changes never touch
// the version.
package sqltable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tidwall/sjson"

	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/persist"
)

// Kind is the backend kind reported by Backend.Kind.
const Kind = "sqlite"

// UpgradeFunc runs inside the schema-change transaction after the version
// was bumped from oldVersion to newVersion. Returning an error aborts the
// whole transaction.
type UpgradeFunc func(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) error

// Options configures Open.
type Options struct {
	// Path is the database file. Parent directories are created.
	Path string
	// BusyTimeout defaults to 5s.
	BusyTimeout time.Duration
	OnUpgrade   UpgradeFunc
	Logger      *slog.Logger
}

// Backend is a persist.Backend over SQLite.
type Backend struct {
	conn *sql.DB
	path string
	opts Options
	log  *slog.Logger
}

var _ persist.Backend = (*Backend)(nil)

// Open opens or creates the database at opts.Path.
//
// The pool is limited to one connection: SQLite allows a single writer, and
// the adapter issues several insert transactions at once, which would
// otherwise fail with SQLITE_BUSY.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, opts Options) (*Backend, error) {
	if opts.Path == "" {
		return nil, errors.New("sqltable: empty database path")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", opts.Path, opts.BusyTimeout.Milliseconds())
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	b := &Backend{conn: conn, path: opts.Path, opts: opts, log: logger.With("backend", Kind)}
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return b, nil
}

// Kind implements persist.Backend.
func (b *Backend) Kind() string {
	return Kind
}

// Path returns the database file path.
func (b *Backend) Path() string {
	return b.path
}

// RawDB returns the underlying sql.DB.
func (b *Backend) RawDB() *sql.DB {
	return b.conn
}

// Close checkpoints the WAL and closes the database.
func (b *Backend) Close() error {
	if b.conn == nil {
		return nil
	}
	if _, err := b.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		b.log.Error("failed to checkpoint WAL", "err", err)
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	b.conn = nil
	return nil
}

// Version returns the schema version.
func (b *Backend) Version(ctx context.Context) (int, error) {
	var v int
	if err := b.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// Tables implements persist.Backend.
func (b *Backend) Tables(ctx context.Context) ([]string, error) {
	rows, err := b.conn.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Modify implements persist.Backend. Deletes run before creates, creates
// before inserts. Each table step runs in its own savepoint, so a failing
// step is rolled back alone and recorded in the ChangeResult.
func (b *Backend) Modify(ctx context.Context, req persist.ModifyRequest) (persist.ChangeResult, error) {
	var cr persist.ChangeResult

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return cr, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.IsSchemaChange() {
		var oldVersion int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&oldVersion); err != nil {
			return cr, fmt.Errorf("failed to read schema version: %w", err)
		}

		for _, d := range req.Deletes {
			if err := b.step(ctx, tx, &cr, d.Name, func() error {
				return dropTable(ctx, tx, d.Name)
			}); err != nil {
				return cr, err
			}
		}
		for _, c := range req.Creates {
			if err := b.step(ctx, tx, &cr, c.Name, func() error {
				return createTable(ctx, tx, c)
			}); err != nil {
				return cr, err
			}
		}

		newVersion := oldVersion + 1
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", newVersion)); err != nil {
			return cr, fmt.Errorf("failed to bump schema version: %w", err)
		}
		if b.opts.OnUpgrade != nil {
			if err := b.opts.OnUpgrade(ctx, tx, oldVersion, newVersion); err != nil {
				return cr, fmt.Errorf("upgrade hook failed: %w", err)
			}
		}
		b.log.Debug("schema upgraded", "from", oldVersion, "to", newVersion,
			"deletes", len(req.Deletes), "creates", len(req.Creates))
	}

	for _, ins := range req.Inserts {
		if err := b.step(ctx, tx, &cr, ins.Name, func() error {
			return insertRecords(ctx, tx, ins)
		}); err != nil {
			return cr, err
		}
	}

	if err := tx.Commit(); err != nil {
		return persist.ChangeResult{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return cr, nil
}

// step runs fn inside a savepoint. A failure of fn is recorded against table;
// the returned error means the transaction itself is unusable.
func (b *Backend) step(ctx context.Context, tx *sql.Tx, cr *persist.ChangeResult, table string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT table_step"); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO table_step"); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back table %s: %w", table, rerr))
		}
		cr.Fail(table, err)
		b.log.Debug("table step failed", "table", table, "err", err)
	}
	if _, err := tx.ExecContext(ctx, "RELEASE table_step"); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func dropTable(ctx context.Context, tx *sql.Tx, name string) error {
	if err := checkTableName(name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(name)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", name, err)
	}
	return nil
}

func createTable(ctx context.Context, tx *sql.Tx, c persist.CreateRequest) error {
	if err := checkTableName(c.Name); err != nil {
		return err
	}
	if !codec.ValidIdentifier(c.KeyColumn) || !codec.ValidIdentifier(c.DataColumn) {
		return fmt.Errorf("invalid columns %q/%q for table %s", c.KeyColumn, c.DataColumn, c.Name)
	}
	keyDef := "TEXT PRIMARY KEY NOT NULL"
	if c.AutoIncrement {
		keyDef = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s %s, %s TEXT NOT NULL)",
		quote(c.Name), quote(c.KeyColumn), keyDef, quote(c.DataColumn))
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", c.Name, err)
	}
	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, ins persist.InsertRequest) error {
	exists, err := tableExists(ctx, tx, ins.Name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("insert into %s: %w", ins.Name, persist.ErrTableMissing)
	}
	if ins.Clear {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+quote(ins.Name)); err != nil {
			return fmt.Errorf("failed to clear table %s: %w", ins.Name, err)
		}
	}
	if len(ins.Records) == 0 {
		return nil
	}
	if !codec.ValidIdentifier(ins.KeyColumn) || !codec.ValidIdentifier(ins.DataColumn) {
		return fmt.Errorf("invalid columns %q/%q for table %s", ins.KeyColumn, ins.DataColumn, ins.Name)
	}

	table, key, data := quote(ins.Name), quote(ins.KeyColumn), quote(ins.DataColumn)
	keyed := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", table, key, data)
	if ins.Overwrite {
		keyed += fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s = excluded.%s", key, data, data)
	}
	auto := fmt.Sprintf("INSERT INTO %s (%s) VALUES (?)", table, data)

	for i, r := range ins.Records {
		if r.Key == "" {
			_, err = tx.ExecContext(ctx, auto, string(r.Data))
		} else {
			_, err = tx.ExecContext(ctx, keyed, r.Key, string(r.Data))
		}
		if err != nil {
			return fmt.Errorf("failed to insert record %d into %s: %w", i, ins.Name, err)
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", name, err)
	}
	return n > 0, nil
}

// Read implements persist.Backend. Rows come back in rowid order, which is
// insertion order for both key layouts.
func (b *Backend) Read(ctx context.Context, table string) ([]persist.Row, error) {
	exists, err := tableExists(ctx, b.conn, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("read %s: %w", table, persist.ErrTableMissing)
	}

	keyColumn, err := primaryKey(ctx, b.conn, table)
	if err != nil {
		return nil, err
	}

	rows, err := b.conn.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY rowid", quote(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	var out []persist.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row of %s: %w", table, err)
		}
		row, err := buildRow(cols, vals, keyColumn)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// buildRow renders one SQL row as a JSON object. The key column keeps its
// SQL type; every other column holds JSON text and is embedded raw.
func buildRow(cols []string, vals []any, keyColumn string) (persist.Row, error) {
	row := []byte("{}")
	var err error
	for i, col := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		if v == nil {
			continue
		}
		if col == keyColumn {
			row, err = sjson.SetBytes(row, col, v)
		} else if s, ok := v.(string); ok {
			row, err = sjson.SetRawBytes(row, col, []byte(s))
		} else {
			row, err = sjson.SetBytes(row, col, v)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to set column %s: %w", col, err)
		}
	}
	return row, nil
}

func primaryKey(ctx context.Context, db *sql.DB, table string) (string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quote(table)))
	if err != nil {
		return "", fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return "", fmt.Errorf("failed to scan column info of %s: %w", table, err)
		}
		if pk == 1 {
			return name, nil
		}
	}
	return "", rows.Err()
}

// IsStorageFull implements persist.Backend.
func (b *Backend) IsStorageFull(err error) bool {
	return errors.Is(err, sqlite3.FULL)
}

func checkTableName(name string) error {
	if name == "" {
		return errors.New("empty table name")
	}
	if strings.HasPrefix(strings.ToLower(name), "sqlite_") {
		return fmt.Errorf("table name %q is reserved", name)
	}
	return nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
