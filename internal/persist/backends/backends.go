// Package backends opens a persist.Persister for a configured backend kind.
package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble/vfs"
	"github.com/spf13/afero"

	"github.com/steveyegge/collsync/internal/persist"
	"github.com/steveyegge/collsync/internal/persist/filestore"
	"github.com/steveyegge/collsync/internal/persist/kvstore"
	"github.com/steveyegge/collsync/internal/persist/sqltable"
)

// Kind selects a storage backend.
type Kind int

const (
	// KindSQLite stores tables in a SQLite database at DataDir/collsync.db.
	KindSQLite Kind = iota
	// KindPebble stores tables in a Pebble key-value store at DataDir/pebble.
	KindPebble
	// KindRedis stores tables in Redis under a key namespace.
	KindRedis
	// KindMemory keeps tables in process memory.
	KindMemory
	// KindFile stores one JSONL file per table in DataDir.
	KindFile
)

var kindNames = []string{"sqlite", "pebble", "redis", "memory", "file"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind resolves a backend name. The empty string selects sqlite.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return KindSQLite, nil
	}
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown backend %q (supported: %s)", s, strings.Join(kindNames, ", "))
}

// SQLiteFile and PebbleDir are the names used inside DataDir.
const (
	SQLiteFile = "collsync.db"
	PebbleDir  = "pebble"
)

// DefaultRedisNamespace prefixes every Redis key.
const DefaultRedisNamespace = "collsync/"

// Options configures Open.
type Options struct {
	Kind    Kind
	DataDir string

	// RedisURL is a redis:// URL, required for KindRedis.
	RedisURL       string
	RedisNamespace string

	// Fs backs KindFile. Defaults to the OS file system.
	Fs afero.Fs

	// OnUpgrade is passed to the SQLite backend.
	OnUpgrade sqltable.UpgradeFunc

	Adapter persist.AdapterConfig

	// Access, when set, wraps the adapter in a permission gate.
	Access   *persist.Access
	Settings persist.StoreSettings

	Logger *slog.Logger
}

// Handle is an opened backend with its persister.
type Handle struct {
	Kind    Kind
	Backend persist.Backend
	Adapter *persist.Adapter

	// Persister is the gate when Options.Access was set, else Adapter.
	Persister persist.Persister

	closer func() error
}

// Close releases the backend.
func (h *Handle) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer()
}

// Open creates the backend selected by opts.Kind and wraps it in an adapter.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, opts Options) (*Handle, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DataDir == "" && (opts.Kind == KindSQLite || opts.Kind == KindPebble || opts.Kind == KindFile) {
		return nil, fmt.Errorf("backend %s requires a data directory", opts.Kind)
	}

	h := &Handle{Kind: opts.Kind}
	switch opts.Kind {
	case KindSQLite:
		b, err := sqltable.Open(ctx, sqltable.Options{
			Path:      filepath.Join(opts.DataDir, SQLiteFile),
			OnUpgrade: opts.OnUpgrade,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		h.Backend, h.closer = b, b.Close

	case KindPebble:
		s, err := kvstore.OpenPebble(filepath.Join(opts.DataDir, PebbleDir), vfs.Default, logger)
		if err != nil {
			return nil, err
		}
		b := kvstore.New(s, logger)
		h.Backend, h.closer = b, b.Close

	case KindRedis:
		if opts.RedisURL == "" {
			return nil, errors.New("backend redis requires a redis URL")
		}
		ns := opts.RedisNamespace
		if ns == "" {
			ns = DefaultRedisNamespace
		}
		s, err := kvstore.OpenRedis(ctx, opts.RedisURL, ns)
		if err != nil {
			return nil, err
		}
		b := kvstore.New(s, logger)
		h.Backend, h.closer = b, b.Close

	case KindMemory:
		h.Backend = kvstore.New(kvstore.NewMemoryStore(), logger)

	case KindFile:
		fs := opts.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		b, err := filestore.New(fs, opts.DataDir, logger)
		if err != nil {
			return nil, err
		}
		h.Backend = b

	default:
		return nil, fmt.Errorf("unknown backend kind %d", opts.Kind)
	}

	cfg := opts.Adapter
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	h.Adapter = persist.NewAdapter(h.Backend, cfg)
	h.Persister = h.Adapter
	if opts.Access != nil {
		h.Persister = persist.NewGate(h.Adapter, *opts.Access, opts.Settings)
	}
	logger.Debug("opened backend", "kind", opts.Kind.String(), "dir", opts.DataDir)
	return h, nil
}
