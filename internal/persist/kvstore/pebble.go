package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// PebbleStore is a Store over an embedded pebble database.
type PebbleStore struct {
	db  *pebble.DB
	log *slog.Logger
}

var _ Store = (*PebbleStore)(nil)

// OpenPebble opens or creates a pebble database at path. A nil fs uses the
// operating system; tests pass vfs.NewMem().
func OpenPebble(path string, fs vfs.FS, logger *slog.Logger) (*PebbleStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleStore{db: db, log: logger.With("store", "pebble")}, nil
}

// Kind implements Store.
func (s *PebbleStore) Kind() string { return "pebble" }

func (s *PebbleStore) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	value, closer, err := s.db.Get(key)
	if closer != nil {
		defer closer.Close()
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("pebble get: %w", err)
	}
	return bytes.Clone(value), true, nil
}

func (s *PebbleStore) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("pebble iter start: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("pebble iter: %w", err)
		}
		if err := fn(bytes.Clone(iter.Key()), bytes.Clone(value)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) Apply(_ context.Context, ops []Op) error {
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpSet:
			err = batch.Set(op.Key, op.Value, nil)
		case OpDelete:
			err = batch.Delete(op.Key, nil)
		case OpDeletePrefix:
			end := prefixUpperBound(op.Key)
			if end == nil {
				return fmt.Errorf("pebble: cannot delete unbounded prefix %q", op.Key)
			}
			err = batch.DeleteRange(op.Key, end, nil)
		}
		if err != nil {
			return fmt.Errorf("pebble batch: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

// Close flushes and closes the database.
func (s *PebbleStore) Close() error {
	if err := s.db.Flush(); err != nil {
		s.log.Error("pebble flush", "err", err)
	}
	return s.db.Close()
}
