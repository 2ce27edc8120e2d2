// Package autosave persists dirty collections in the background.
//
// The daemon:
// 1. Persists on every Interval tick when a collection is dirty
// 2. Persists Debounce after the last Notify call, batching bursts of changes
// 3. Flushes once more on Stop
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/collsync/internal/persist"
)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often dirty collections are persisted. Zero disables
	// periodic saves.
	Interval time.Duration

	// Debounce is how long Notify waits for further changes before saving.
	// Zero disables Notify-triggered saves.
	Debounce time.Duration

	// Defaults and PerCollection are passed to every Persist call.
	Defaults      persist.WriteOptions
	PerCollection map[string]persist.WriteOptions

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Debounce: 500 * time.Millisecond,
	}
}

// Source is the collection host the daemon saves.
type Source interface {
	persist.Host
	HasDirty() bool
}

// Stats summarizes the daemon's work so far.
type Stats struct {
	Saves     int
	Failures  int
	LastSave  time.Time
	LastError error
}

// Daemon persists a Source through a Persister.
type Daemon struct {
	persister persist.Persister
	source    Source
	cfg       Config
	log       *slog.Logger

	notify chan struct{}

	// flushMu serializes Persist calls.
	flushMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	stats   Stats
}

// New creates a daemon. Use Start to begin saving.
func New(p persist.Persister, source Source, cfg Config) (*Daemon, error) {
	if p == nil {
		return nil, errors.New("persister cannot be nil")
	}
	if source == nil {
		return nil, errors.New("source cannot be nil")
	}
	if cfg.Interval < 0 || cfg.Debounce < 0 {
		return nil, errors.New("autosave durations must not be negative")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		persister: p,
		source:    source,
		cfg:       cfg,
		log:       logger.With("component", "autosave"),
		notify:    make(chan struct{}, 1),
	}, nil
}

// Start launches the background loops. They run until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("autosave already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	if d.cfg.Interval > 0 {
		g.Go(func() error { return d.tickLoop(gctx) })
	}
	if d.cfg.Debounce > 0 {
		g.Go(func() error { return d.debounceLoop(gctx) })
	}

	d.running = true
	d.cancel = cancel
	d.group = g
	d.log.Debug("started", "interval", d.cfg.Interval, "debounce", d.cfg.Debounce)
	return nil
}

// Notify tells the daemon a collection changed. It never blocks.
func (d *Daemon) Notify() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Stop ends the loops and persists whatever is still dirty.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	cancel, g := d.cancel, d.group
	d.mu.Unlock()

	cancel()
	loopErr := g.Wait()
	if errors.Is(loopErr, context.Canceled) {
		loopErr = nil
	}

	_, err := d.Flush(context.Background())
	d.log.Debug("stopped")
	return errors.Join(loopErr, err)
}

// IsRunning reports whether the loops are active.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Stats returns a snapshot of the counters.
func (d *Daemon) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Flush persists now if any collection is dirty. It reports whether a
// Persist call was made.
func (d *Daemon) Flush(ctx context.Context) (bool, error) {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	if !d.source.HasDirty() {
		return false, nil
	}
	res, err := d.persister.Persist(ctx, d.source, d.cfg.Defaults, d.cfg.PerCollection)
	if err == nil && len(res.Failed) > 0 {
		errs := make([]error, 0, len(res.Failed))
		for name, ferr := range res.Failed {
			errs = append(errs, fmt.Errorf("%s: %w", name, ferr))
		}
		err = errors.Join(errs...)
	}

	d.mu.Lock()
	if err != nil {
		d.stats.Failures++
		d.stats.LastError = err
	} else {
		d.stats.Saves++
		d.stats.LastSave = time.Now()
		d.stats.LastError = nil
	}
	d.mu.Unlock()

	if err != nil {
		d.log.Error("autosave failed", "error", err)
		return true, err
	}
	d.log.Debug("saved", "collections", len(res.Collections))
	return true, nil
}

func (d *Daemon) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Failures are recorded in Stats and retried on the next tick.
			_, _ = d.Flush(ctx)
		}
	}
}

func (d *Daemon) debounceLoop(ctx context.Context) error {
	timer := time.NewTimer(d.cfg.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.notify:
			timer.Reset(d.cfg.Debounce)
		case <-timer.C:
			_, _ = d.Flush(ctx)
		}
	}
}
