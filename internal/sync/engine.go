package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/changes"
	"github.com/steveyegge/collsync/internal/collection"
)

// DefaultTolerance is how much later than its selected version a document
// may have been modified and still be marked synced after a push.
const DefaultTolerance = 50 * time.Millisecond

// NoTolerance disables the window: only documents left exactly at their
// selected version are marked synced.
const NoTolerance time.Duration = -1

// Config configures an Engine.
type Config struct {
	// SyncedField holds the per-document synced flag.
	SyncedField string
	// LastModifiedField holds the modification time, either in Unix
	// milliseconds or as a time.Time.
	LastModifiedField string
	// DeletedField flags remote items deleted on the service side.
	DeletedField string

	// Tolerance widens the modification check of sync up. Zero selects
	// DefaultTolerance; any negative value, such as NoTolerance, means none.
	Tolerance time.Duration

	// SetLastSyncDown records a successful sync down of a collection.
	SetLastSyncDown func(collection string, at time.Time)

	Tracker *changes.Tracker
	Logger  *slog.Logger
	Now     func() time.Time
}

// DefaultConfig returns the field names used across the repo.
func DefaultConfig() Config {
	return Config{
		SyncedField:       "synced",
		LastModifiedField: "lastModified",
		DeletedField:      "deleted",
		Tolerance:         DefaultTolerance,
	}
}

// Engine runs sync down and sync up. It holds no per-collection state and is
// safe for concurrent use.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New returns an Engine. Empty fields of cfg take their DefaultConfig value.
func New(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.SyncedField == "" {
		cfg.SyncedField = def.SyncedField
	}
	if cfg.LastModifiedField == "" {
		cfg.LastModifiedField = def.LastModifiedField
	}
	if cfg.DeletedField == "" {
		cfg.DeletedField = def.DeletedField
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = def.Tolerance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, log: logger.With("component", "sync")}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// SyncDownResult counts what a sync down did to the local collection.
// Skipped items were null, or converted to nothing, and never reached the
// collection.
type SyncDownResult struct {
	Collection string
	Received   int
	Added      int
	Merged     int
	Removed    int
	Skipped    int
	Cleared    bool
}

// SyncUpResult counts what a sync up pushed. Rejected documents lacked a
// primary key and were left out of the push.
type SyncUpResult struct {
	Collection string
	Selected   int
	Pushed     int
	Rejected   int
}

// SyncDownCollection pulls the remote items of one collection and applies
// them according to op.
func (e *Engine) SyncDownCollection(ctx context.Context, params Params, s *Settings, op SyncDownOp) (SyncDownResult, error) {
	res, err := e.syncDown(ctx, params, s, op)
	countRun("down", err)
	return res, err
}

func (e *Engine) syncDown(ctx context.Context, params Params, s *Settings, op SyncDownOp) (SyncDownResult, error) {
	name := s.Name()
	res := SyncDownResult{Collection: name}
	fail := func(stage string, err error) (SyncDownResult, error) {
		e.log.Error("sync down failed", "collection", name, "stage", stage, "error", err)
		return res, &SyncError{Collection: name, SyncingDown: true, Stage: stage, Err: err}
	}

	if s.LocalCollection == nil {
		return fail("", ErrNoCollection)
	}
	if s.Down == nil || s.Down.Func == nil {
		return fail("", errors.New("no sync down function configured"))
	}
	if !op.Valid() {
		return fail("", fmt.Errorf("invalid sync down op %d", op))
	}

	items, err := async.Go(func() ([]collection.Document, error) {
		return s.Down.Func(ctx, params)
	}).Await(ctx)
	if err != nil {
		return fail("pull", err)
	}
	res.Received = len(items)
	e.log.Debug("pulled items", "collection", name, "count", len(items), "op", op.String())

	if err := e.apply(s, op, items, &res); err != nil {
		return fail("apply", err)
	}

	if e.cfg.SetLastSyncDown != nil {
		e.cfg.SetLastSyncDown(name, e.cfg.Now())
	}
	if e.cfg.Tracker != nil {
		e.cfg.Tracker.AddChange(changes.Counts{Added: res.Added, Modified: res.Merged, Removed: res.Removed})
	}
	syncItems.WithLabelValues("down", "added").Add(float64(res.Added))
	syncItems.WithLabelValues("down", "merged").Add(float64(res.Merged))
	syncItems.WithLabelValues("down", "removed").Add(float64(res.Removed))
	syncItems.WithLabelValues("down", "skipped").Add(float64(res.Skipped))
	return res, nil
}

func (e *Engine) apply(s *Settings, op SyncDownOp, items []collection.Document, res *SyncDownResult) error {
	coll := s.LocalCollection
	findFilter := s.FindFilterFunc
	if findFilter == nil {
		findFilter = func(item collection.Document) collection.Filter {
			f, _ := keyFilter(s.PrimaryKeys, item)
			return f
		}
	}

	var removeDeleted, merge bool
	switch op {
	case RemoveAllAndAddNew:
		if err := coll.ClearCollection(); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		res.Cleared = true
	case RemoveNoneAndAddNew:
	case RemoveDeletedAndAddNew:
		removeDeleted = true
	case RemoveNoneAndMergeNew:
		merge = true
	case RemoveDeletedAndMergeNew:
		removeDeleted, merge = true, true
	}

	var pending []collection.Document
	for i, item := range items {
		if item == nil {
			e.log.Warn("skipping null item", "collection", s.Name(), "index", i)
			res.Skipped++
			continue
		}
		if removeDeleted && e.isDeleted(item) {
			f := findFilter(item)
			if len(f) == 0 {
				return fmt.Errorf("item %d: deleted item has no find filter", i)
			}
			before := len(coll.Data(f))
			if err := coll.RemoveWhere(f); err != nil {
				return fmt.Errorf("item %d: remove: %w", i, err)
			}
			res.Removed += before
			continue
		}

		local := collection.Clone(item)
		if s.Down.ConvertToLocal != nil {
			local = s.Down.ConvertToLocal(local)
		}
		if local == nil {
			e.log.Warn("skipping item converted to nil", "collection", s.Name(), "index", i)
			res.Skipped++
			continue
		}
		local[e.cfg.SyncedField] = true

		if !merge {
			pending = append(pending, local)
			continue
		}
		f := findFilter(item)
		if len(f) == 0 {
			return fmt.Errorf("item %d: no find filter for merge", i)
		}
		if err := coll.AddOrUpdateWhereNoModify(f, local); err != nil {
			return fmt.Errorf("item %d: merge: %w", i, err)
		}
		res.Merged++
	}

	if len(pending) > 0 {
		if err := coll.AddAll(pending); err != nil {
			return fmt.Errorf("add: %w", err)
		}
		res.Added = len(pending)
	}
	return nil
}

func (e *Engine) isDeleted(item collection.Document) bool {
	switch v := item[e.cfg.DeletedField].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	default:
		return false
	}
}

// SyncDownCollections starts one sync down per settings entry and returns
// their futures by collection name.
func (e *Engine) SyncDownCollections(ctx context.Context, params Params, settings []*Settings, op SyncDownOp) map[string]*async.Future[SyncDownResult] {
	out := make(map[string]*async.Future[SyncDownResult], len(settings))
	for _, s := range settings {
		out[s.Name()] = async.Go(func() (SyncDownResult, error) {
			return e.SyncDownCollection(ctx, params, s, op)
		})
	}
	return out
}

// SyncUpCollection pushes the unsynced documents of one collection and marks
// them synced. Documents modified again after selection, beyond the
// configured tolerance, stay unsynced and are pushed next time.
func (e *Engine) SyncUpCollection(ctx context.Context, params Params, s *Settings) (SyncUpResult, error) {
	res, err := e.syncUp(ctx, params, s)
	countRun("up", err)
	return res, err
}

func (e *Engine) syncUp(ctx context.Context, params Params, s *Settings) (SyncUpResult, error) {
	name := s.Name()
	res := SyncUpResult{Collection: name}
	fail := func(stage string, err error) (SyncUpResult, error) {
		e.log.Error("sync up failed", "collection", name, "stage", stage, "error", err)
		return res, &SyncError{Collection: name, SyncingUp: true, Stage: stage, Err: err}
	}

	if s.LocalCollection == nil {
		return fail("", ErrNoCollection)
	}
	if s.Up == nil || s.Up.Func == nil {
		return fail("", errors.New("no sync up function configured"))
	}
	if len(s.PrimaryKeys) == 0 {
		return fail("", ErrNoPrimaryKeys)
	}

	selected := s.LocalCollection.Data(collection.Filter{e.cfg.SyncedField: false})
	res.Selected = len(selected)
	if len(selected) == 0 {
		return res, nil
	}

	copyFn := s.CopyObjectFunc
	if copyFn == nil {
		copyFn = collection.Clone
	}

	var (
		originals []collection.Document
		converted []collection.Document
	)
	for i, doc := range selected {
		c := copyFn(doc)
		if _, ok := keyFilter(s.PrimaryKeys, c); !ok {
			e.log.Error("document missing primary key, not pushed",
				"collection", name, "index", i, "primaryKeys", s.PrimaryKeys)
			res.Rejected++
			continue
		}
		originals = append(originals, c)
		out := collection.Clone(c)
		if s.Up.ConvertToSvc != nil {
			out = s.Up.ConvertToSvc(out)
		}
		converted = append(converted, out)
	}
	syncItems.WithLabelValues("up", "rejected").Add(float64(res.Rejected))
	if len(converted) == 0 {
		return res, nil
	}

	_, err := async.Go(func() (struct{}, error) {
		return struct{}{}, s.Up.Func(ctx, params, converted)
	}).Await(ctx)
	if err != nil {
		return fail("push", err)
	}
	res.Pushed = len(converted)
	e.log.Debug("pushed items", "collection", name, "count", len(converted))

	for _, doc := range originals {
		f, _ := keyFilter(s.PrimaryKeys, doc)
		f[e.cfg.SyncedField] = false
		if bound, ok := e.modifiedBound(doc[e.cfg.LastModifiedField]); ok {
			f[e.cfg.LastModifiedField] = collection.Lte(bound)
		}
		if err := s.LocalCollection.UpdateWhere(f, collection.Document{e.cfg.SyncedField: true}); err != nil {
			return fail("mark", err)
		}
	}

	if e.cfg.Tracker != nil {
		e.cfg.Tracker.AddChangeItemsModified(originals)
	}
	syncItems.WithLabelValues("up", "pushed").Add(float64(res.Pushed))
	return res, nil
}

// modifiedBound returns v plus the tolerance, keeping v's representation.
// Numbers are taken as Unix milliseconds.
func (e *Engine) modifiedBound(v any) (any, bool) {
	tol := max(e.cfg.Tolerance, 0)
	tolMs := float64(tol) / float64(time.Millisecond)
	switch t := v.(type) {
	case time.Time:
		return t.Add(tol), true
	case int64:
		return t + tol.Milliseconds(), true
	case int:
		return t + int(tol.Milliseconds()), true
	case float64:
		return t + tolMs, true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, false
		}
		return f + tolMs, true
	default:
		return nil, false
	}
}

// SyncUpCollections starts one sync up per settings entry and returns their
// futures by collection name.
func (e *Engine) SyncUpCollections(ctx context.Context, params Params, settings []*Settings) map[string]*async.Future[SyncUpResult] {
	out := make(map[string]*async.Future[SyncUpResult], len(settings))
	for _, s := range settings {
		out[s.Name()] = async.Go(func() (SyncUpResult, error) {
			return e.SyncUpCollection(ctx, params, s)
		})
	}
	return out
}
