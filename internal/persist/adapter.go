package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/changes"
	"github.com/steveyegge/collsync/internal/codec"
	"github.com/steveyegge/collsync/internal/collection"
)

// Transformer rewrites serialized records on their way to and from storage.
// Its output must itself be a JSON value, for example a quoted base64 string.
type Transformer interface {
	Compress(data json.RawMessage) (json.RawMessage, error)
	Decompress(data json.RawMessage) (json.RawMessage, error)
}

// AdapterConfig configures an Adapter. The zero value is usable.
type AdapterConfig struct {
	// Defaults and ReadDefaults apply to the single-collection operations.
	// Persist and Restore take their defaults per call.
	Defaults     WriteOptions
	ReadDefaults ReadOptions

	// ExcludeTables are never restored, listed or dropped by ClearPersistentDb.
	ExcludeTables []string

	// OnStorageFull is invoked, before the error is returned, whenever the
	// backend reports that it is out of space.
	OnStorageFull func(err error)

	Transformer Transformer
	Tracker     *changes.Tracker
	Logger      *slog.Logger
}

// Adapter implements Persister over a Backend.
type Adapter struct {
	backend Backend
	cfg     AdapterConfig
	exclude map[string]struct{}
	log     *slog.Logger
}

var _ Persister = (*Adapter)(nil)

// NewAdapter wraps backend.
func NewAdapter(backend Backend, cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exclude := make(map[string]struct{}, len(cfg.ExcludeTables))
	for _, name := range cfg.ExcludeTables {
		exclude[name] = struct{}{}
	}
	return &Adapter{
		backend: backend,
		cfg:     cfg,
		exclude: exclude,
		log:     logger.With("backend", backend.Kind()),
	}
}

// Backend returns the wrapped backend.
func (a *Adapter) Backend() Backend {
	return a.backend
}

func (a *Adapter) excluded(name string) bool {
	_, ok := a.exclude[name]
	return ok
}

// GetCollectionNames lists stored tables, minus the excluded ones.
func (a *Adapter) GetCollectionNames(ctx context.Context) ([]string, error) {
	tables, err := a.backend.Tables(ctx)
	if err != nil {
		return nil, a.backendErr("get collection names", err)
	}
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		if !a.excluded(t) {
			names = append(names, t)
		}
	}
	return names, nil
}

type writePlan struct {
	desc     *Descriptor
	opts     ResolvedWriteOptions
	existed  bool
	recreate bool
	failed   bool
}

type insertOutcome struct {
	result   CollectionResult
	tableErr error
}

// Persist writes every dirty collection of host. Tables are created for
// collections that have none. With DeleteIfExists, the table of a dirty
// collection is dropped and recreated in the same schema change.
func (a *Adapter) Persist(ctx context.Context, host Host, defaults WriteOptions, perCollection map[string]WriteOptions) (PersistResult, error) {
	res := newPersistResult()
	if err := ctx.Err(); err != nil {
		return res, err
	}

	tables, err := a.backend.Tables(ctx)
	if err != nil {
		return res, a.backendErr("persist", err)
	}
	existing := toSet(tables)

	var (
		schema ModifyRequest
		plans  []*writePlan
	)
	for _, desc := range host.Collections() {
		opts := ResolveWrite(perCollection[desc.Name], defaults)
		if err := opts.Validate(); err != nil {
			res.Failed[desc.Name] = fmt.Errorf("collection %s: %w", desc.Name, err)
			continue
		}
		_, existed := existing[desc.Name]
		p := &writePlan{desc: desc, opts: opts, existed: existed}
		switch {
		case !existed:
			schema.Creates = append(schema.Creates, createFor(desc.Name, opts))
		case opts.DeleteIfExists && desc.Dirty:
			p.recreate = true
			schema.Deletes = append(schema.Deletes, DeleteRequest{Name: desc.Name})
			schema.Creates = append(schema.Creates, createFor(desc.Name, opts))
		}
		plans = append(plans, p)
	}

	if schema.IsSchemaChange() {
		cr, err := a.backend.Modify(ctx, schema)
		if err != nil {
			return res, a.backendErr("persist", err)
		}
		for _, p := range plans {
			if err := cr.Err(p.desc.Name); err != nil {
				p.failed = true
				res.Failed[p.desc.Name] = a.tableErr(p.desc.Name, err)
				collectionsWritten.WithLabelValues(a.backend.Kind(), "error").Inc()
			}
		}
	}

	var (
		pending []*writePlan
		futures []*async.Future[insertOutcome]
	)
	for _, p := range plans {
		if p.failed || !p.desc.Dirty {
			continue
		}
		ins, cres, err := a.insertFor(p.desc.Name, p.desc.Data, p.opts, p.existed && !p.recreate, 0)
		if err != nil {
			res.Failed[p.desc.Name] = err
			continue
		}
		pending = append(pending, p)
		futures = append(futures, async.Go(func() (insertOutcome, error) {
			cr, err := a.backend.Modify(ctx, ModifyRequest{Inserts: []InsertRequest{ins}})
			if err != nil {
				return insertOutcome{}, err
			}
			return insertOutcome{result: cres, tableErr: cr.Err(ins.Name)}, nil
		}))
	}

	var (
		txErrs []error
		cc     *changes.CompoundChange
	)
	for i, r := range async.AwaitAllSettled(ctx, futures) {
		p := pending[i]
		name := p.desc.Name
		switch {
		case r.Err != nil:
			err := a.backendErr("persist "+name, r.Err)
			res.Failed[name] = err
			txErrs = append(txErrs, err)
			collectionsWritten.WithLabelValues(a.backend.Kind(), "error").Inc()
		case r.Value.tableErr != nil:
			res.Failed[name] = a.tableErr(name, r.Value.tableErr)
			collectionsWritten.WithLabelValues(a.backend.Kind(), "error").Inc()
		default:
			p.desc.Dirty = false
			if p.desc.OnClean != nil {
				p.desc.OnClean()
			}
			res.Collections[name] = r.Value.result
			collectionsWritten.WithLabelValues(a.backend.Kind(), "ok").Inc()
			bytesWritten.WithLabelValues(a.backend.Kind()).Add(float64(r.Value.result.DataSizeBytes))
			if a.cfg.Tracker != nil {
				if cc == nil {
					cc = a.cfg.Tracker.CreateCompoundChange()
				}
				cc.AddChange(changes.Counts{Modified: r.Value.result.Size})
			}
			a.log.Debug("persisted collection",
				"collection", name,
				"size", r.Value.result.Size,
				"bytes", r.Value.result.DataSizeBytes,
				"mode", p.opts.Mode().String())
		}
	}
	for name, err := range res.Failed {
		a.log.Error("failed to persist collection", "collection", name, "err", err)
	}
	return res, errors.Join(txErrs...)
}

// Restore reads every stored table and hands the documents to host. Tables
// without rows or with rows lacking the data column are skipped and reported
// in RestoreResult.Skipped. Restore never writes to the backend.
func (a *Adapter) Restore(ctx context.Context, host Host, defaults ReadOptions, perCollection map[string]ReadOptions) (RestoreResult, error) {
	res := newRestoreResult()
	names, err := a.GetCollectionNames(ctx)
	if err != nil {
		return res, err
	}

	futures := make([]*async.Future[[]Row], len(names))
	for i, name := range names {
		futures[i] = async.Go(func() ([]Row, error) {
			return a.backend.Read(ctx, name)
		})
	}

	var txErrs []error
	for i, r := range async.AwaitAllSettled(ctx, futures) {
		name := names[i]
		if r.Err != nil {
			err := a.backendErr("restore "+name, r.Err)
			res.Failed[name] = err
			txErrs = append(txErrs, err)
			collectionsRestored.WithLabelValues(a.backend.Kind(), "error").Inc()
			continue
		}
		if len(r.Value) == 0 {
			res.Skipped[name] = ErrEmptyTable
			collectionsRestored.WithLabelValues(a.backend.Kind(), "skipped").Inc()
			a.log.Debug("skipping empty table", "table", name)
			continue
		}

		docs, n, err := a.decode(name, r.Value, ResolveRead(perCollection[name], defaults))
		if err != nil {
			var shape *ShapeError
			if errors.As(err, &shape) {
				res.Skipped[name] = shape
				collectionsRestored.WithLabelValues(a.backend.Kind(), "skipped").Inc()
				a.log.Error("skipping table with unexpected record shape", "table", name, "err", shape.Err)
				continue
			}
			res.Failed[name] = err
			collectionsRestored.WithLabelValues(a.backend.Kind(), "error").Inc()
			continue
		}
		if err := host.AddCollection(name, docs); err != nil {
			res.Failed[name] = fmt.Errorf("failed to add collection %s: %w", name, err)
			collectionsRestored.WithLabelValues(a.backend.Kind(), "error").Inc()
			continue
		}
		res.Collections[name] = CollectionResult{Size: len(docs), DataSizeBytes: n}
		collectionsRestored.WithLabelValues(a.backend.Kind(), "ok").Inc()
		a.log.Debug("restored collection", "collection", name, "size", len(docs), "bytes", n)
	}
	return res, errors.Join(txErrs...)
}

// GetCollectionRecords reads one table. A missing table yields an error
// matching ErrTableMissing; an unreadable record layout a *ShapeError.
func (a *Adapter) GetCollectionRecords(ctx context.Context, name string, opts ReadOptions) ([]collection.Document, error) {
	rows, err := a.backend.Read(ctx, name)
	if err != nil {
		return nil, a.backendErr("get collection records", err)
	}
	docs, _, err := a.decode(name, rows, ResolveRead(opts, a.cfg.ReadDefaults))
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// AddCollectionRecords writes docs into the table name, creating it when
// needed. With removeExisting the stored rows are cleared first; otherwise
// chunks are appended after the stored ones and keyed or grouped records
// replace stored records with the same key.
func (a *Adapter) AddCollectionRecords(ctx context.Context, name string, opts WriteOptions, docs []collection.Document, removeExisting bool) (CollectionResult, error) {
	ro := ResolveWrite(opts, a.cfg.Defaults)
	if err := ro.Validate(); err != nil {
		return CollectionResult{}, fmt.Errorf("collection %s: %w", name, err)
	}

	tables, err := a.backend.Tables(ctx)
	if err != nil {
		return CollectionResult{}, a.backendErr("add collection records", err)
	}
	_, existed := toSet(tables)[name]
	recreate := existed && ro.DeleteIfExists

	if !existed || recreate {
		var schema ModifyRequest
		if recreate {
			schema.Deletes = []DeleteRequest{{Name: name}}
		}
		schema.Creates = []CreateRequest{createFor(name, ro)}
		cr, err := a.backend.Modify(ctx, schema)
		if err != nil {
			return CollectionResult{}, a.backendErr("add collection records", err)
		}
		if err := cr.Err(name); err != nil {
			return CollectionResult{}, a.tableErr(name, err)
		}
	}

	clear := existed && !recreate && removeExisting
	first := 0
	if existed && !recreate && !clear && !ro.autoKey() {
		if m := ro.Mode(); m == codec.ModeChunked || m == codec.ModeSingle {
			rows, err := a.backend.Read(ctx, name)
			if err != nil {
				return CollectionResult{}, a.backendErr("add collection records", err)
			}
			first = nextChunkIndex(rows, ro.KeyColumn)
		}
	}

	ins, cres, err := a.insertFor(name, docs, ro, clear, first)
	if err != nil {
		return CollectionResult{}, err
	}
	cr, err := a.backend.Modify(ctx, ModifyRequest{Inserts: []InsertRequest{ins}})
	if err != nil {
		return CollectionResult{}, a.backendErr("add collection records", err)
	}
	if err := cr.Err(name); err != nil {
		return CollectionResult{}, a.tableErr(name, err)
	}
	if a.cfg.Tracker != nil {
		a.cfg.Tracker.AddChangeItemsAdded(docs)
	}
	bytesWritten.WithLabelValues(a.backend.Kind()).Add(float64(cres.DataSizeBytes))
	return cres, nil
}

// ClearCollections removes every row of the named tables. Names without a
// stored table are ignored.
func (a *Adapter) ClearCollections(ctx context.Context, names []string) error {
	tables, err := a.backend.Tables(ctx)
	if err != nil {
		return a.backendErr("clear collections", err)
	}
	existing := toSet(tables)

	var req ModifyRequest
	for _, name := range names {
		if _, ok := existing[name]; !ok {
			a.log.Debug("clear skipped missing table", "table", name)
			continue
		}
		req.Inserts = append(req.Inserts, InsertRequest{Name: name, Clear: true})
	}
	if len(req.Inserts) == 0 {
		return nil
	}
	cr, err := a.backend.Modify(ctx, req)
	if err != nil {
		return a.backendErr("clear collections", err)
	}
	return a.joinTableErrs(req.Inserts, cr)
}

// ClearPersistentDb drops every stored table except the excluded ones.
func (a *Adapter) ClearPersistentDb(ctx context.Context) error {
	names, err := a.GetCollectionNames(ctx)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}
	var req ModifyRequest
	for _, name := range names {
		req.Deletes = append(req.Deletes, DeleteRequest{Name: name})
	}
	cr, err := a.backend.Modify(ctx, req)
	if err != nil {
		return a.backendErr("clear persistent db", err)
	}
	var errs []error
	for _, name := range names {
		if err := cr.Err(name); err != nil {
			errs = append(errs, a.tableErr(name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) joinTableErrs(inserts []InsertRequest, cr ChangeResult) error {
	var errs []error
	for _, ins := range inserts {
		if err := cr.Err(ins.Name); err != nil {
			errs = append(errs, a.tableErr(ins.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (a *Adapter) insertFor(name string, docs []collection.Document, opts ResolvedWriteOptions, clear bool, first int) (InsertRequest, CollectionResult, error) {
	eo := opts.encodeOptions()
	eo.AutoKey = opts.autoKey()
	eo.FirstChunk = first
	enc, err := codec.Encode(docs, eo)
	if err != nil {
		return InsertRequest{}, CollectionResult{}, fmt.Errorf("failed to encode collection %s: %w", name, err)
	}

	if opts.Compress {
		if a.cfg.Transformer == nil {
			return InsertRequest{}, CollectionResult{}, fmt.Errorf("collection %s: %w", name, ErrNoTransformer)
		}
		enc.ByteSize = 0
		for i := range enc.Records {
			data, err := a.cfg.Transformer.Compress(enc.Records[i].Data)
			if err != nil {
				return InsertRequest{}, CollectionResult{}, fmt.Errorf("failed to compress collection %s: %w", name, err)
			}
			enc.Records[i].Data = data
			enc.ByteSize += len(data)
		}
	}

	ins := InsertRequest{
		Name:       name,
		Clear:      clear,
		Overwrite:  true,
		Records:    enc.Records,
		KeyColumn:  opts.KeyColumn,
		DataColumn: opts.DataColumnName,
	}
	return ins, CollectionResult{Size: enc.ItemCount, DataSizeBytes: enc.ByteSize}, nil
}

type transformError struct{ err error }

func (e *transformError) Error() string { return e.err.Error() }
func (e *transformError) Unwrap() error { return e.err }

func (a *Adapter) decode(table string, rows []Row, opts ResolvedReadOptions) ([]collection.Document, int, error) {
	do := codec.DecodeOptions{
		IsChunks:   opts.IsChunks,
		DataColumn: opts.DataColumnName,
		Convert:    opts.Convert,
	}
	if opts.Decompress {
		if a.cfg.Transformer == nil {
			return nil, 0, fmt.Errorf("table %s: %w", table, ErrNoTransformer)
		}
		do.Transform = func(data json.RawMessage) (json.RawMessage, error) {
			out, err := a.cfg.Transformer.Decompress(data)
			if err != nil {
				return nil, &transformError{err: err}
			}
			return out, nil
		}
	}

	docs, n, err := codec.Decode(rows, do)
	if err != nil {
		var te *transformError
		if errors.As(err, &te) {
			return nil, 0, fmt.Errorf("failed to decompress table %s: %w", table, te.err)
		}
		return nil, 0, &ShapeError{Table: table, Err: err}
	}
	return docs, n, nil
}

// backendErr wraps a transaction-level failure, firing the storage-full
// callback when the backend reports exhaustion.
func (a *Adapter) backendErr(op string, err error) error {
	if a.backend.IsStorageFull(err) {
		err = a.storageFull(err)
	}
	return async.Wrap(op, a.backend.Kind()+" transaction failed", err)
}

func (a *Adapter) tableErr(table string, err error) error {
	if a.backend.IsStorageFull(err) {
		err = a.storageFull(err)
	}
	return fmt.Errorf("table %s: %w", table, err)
}

func (a *Adapter) storageFull(err error) error {
	storageFullEvents.WithLabelValues(a.backend.Kind()).Inc()
	if a.cfg.OnStorageFull != nil {
		a.cfg.OnStorageFull(err)
	}
	if errors.Is(err, ErrStorageFull) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageFull, err)
}

func createFor(name string, opts ResolvedWriteOptions) CreateRequest {
	return CreateRequest{
		Name:          name,
		KeyColumn:     opts.KeyColumn,
		AutoIncrement: opts.autoKey(),
		DataColumn:    opts.DataColumnName,
	}
}

// nextChunkIndex returns one past the highest numeric chunk key in rows.
func nextChunkIndex(rows []Row, keyColumn string) int {
	next := 0
	for _, row := range rows {
		key, ok := codec.RowKey(row, keyColumn)
		if !ok {
			continue
		}
		if i, err := strconv.Atoi(key); err == nil && i >= next {
			next = i + 1
		}
	}
	return next
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
