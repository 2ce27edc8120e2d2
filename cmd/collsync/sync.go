package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/steveyegge/collsync/internal/autosave"
	"github.com/steveyegge/collsync/internal/collection"
	"github.com/steveyegge/collsync/internal/memdb"
	csync "github.com/steveyegge/collsync/internal/sync"
	"github.com/steveyegge/collsync/internal/sync/httpsync"
	"github.com/steveyegge/collsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Sync stored collections with a remote service",
	Long: `Pull documents from, or push local changes to, the HTTP endpoints
configured under sync.collections.<name>.

Each run restores the collection from the backend, syncs it, and writes the
changes back.`,
}

var syncDownCmd = &cobra.Command{
	Use:   "down <collection>...",
	Short: "Pull remote documents into stored collections",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		op, err := syncDownOpFromFlags(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		runSync(cmd, args, func(ctx context.Context, e *csync.Engine, params csync.Params, settings []*csync.Settings) bool {
			ok := true
			futures := e.SyncDownCollections(ctx, params, settings, op)
			for _, s := range settings {
				res, err := futures[s.Name()].Await(ctx)
				if err != nil {
					fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), s.Name(), err)
					ok = false
					continue
				}
				line := fmt.Sprintf("%s %s: received %d, added %d, merged %d, removed %d",
					ui.RenderPass("✓"), ui.RenderAccent(s.Name()),
					res.Received, res.Added, res.Merged, res.Removed)
				if res.Skipped > 0 {
					line += ui.RenderWarn(fmt.Sprintf(", skipped %d null", res.Skipped))
				}
				fmt.Println(line, ui.RenderMuted("("+op.String()+")"))
			}
			return ok
		})
	},
}

var syncUpCmd = &cobra.Command{
	Use:   "up <collection>...",
	Short: "Push unsynced local documents to the remote service",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd, args, func(ctx context.Context, e *csync.Engine, params csync.Params, settings []*csync.Settings) bool {
			ok := true
			futures := e.SyncUpCollections(ctx, params, settings)
			for _, s := range settings {
				res, err := futures[s.Name()].Await(ctx)
				if err != nil {
					fmt.Printf("%s %s: %v\n", ui.RenderFail("✗"), s.Name(), err)
					ok = false
					continue
				}
				line := fmt.Sprintf("%s %s: pushed %d of %d", ui.RenderPass("✓"), ui.RenderAccent(s.Name()), res.Pushed, res.Selected)
				if res.Rejected > 0 {
					line += ui.RenderWarn(fmt.Sprintf(", %d without primary key", res.Rejected))
				}
				fmt.Println(line)
			}
			return ok
		})
	},
}

type syncRun func(ctx context.Context, e *csync.Engine, params csync.Params, settings []*csync.Settings) bool

func syncDownOpFromFlags(cmd *cobra.Command) (csync.SyncDownOp, error) {
	if cmd.Flags().Changed("op") {
		name, _ := cmd.Flags().GetString("op")
		return csync.ParseSyncDownOp(name)
	}
	clearData, _ := cmd.Flags().GetBool("clear")
	removeDeleted, _ := cmd.Flags().GetBool("remove-deleted")
	merge, _ := cmd.Flags().GetBool("merge")
	return csync.CreateSyncDownOp(clearData, removeDeleted, merge), nil
}

// runSync restores the store into memory, runs fn once or every --every
// interval, and persists whatever it changed.
func runSync(cmd *cobra.Command, names []string, fn syncRun) {
	every, _ := cmd.Flags().GetDuration("every")
	rawParams, _ := cmd.Flags().GetStringToString("param")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	db := memdb.New(collection.MemoryOptions{
		LastModifiedField: cfg.Sync.LastModifiedField,
		SyncedField:       cfg.Sync.SyncedField,
	})
	restored, err := s.Persister.Restore(ctx, db, cfg.ReadDefaults(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to restore collections: %v\n", err)
		os.Exit(1)
	}
	for name, ferr := range restored.Failed {
		logger.Warn("collection not restored", "collection", name, "error", ferr)
	}

	client := httpsync.NewClient(
		httpsync.WithMaxRetries(cfg.Sync.Retries),
		httpsync.WithTimeout(cfg.Sync.Timeout),
		httpsync.WithLogger(logger),
	)
	settings, err := buildSettings(db, client, names)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ecfg := cfg.SyncEngineConfig()
	ecfg.Tracker = tracker
	ecfg.Logger = logger
	ecfg.SetLastSyncDown = func(name string, at time.Time) {
		logger.Debug("sync down complete", "collection", name, "at", at)
	}
	engine := csync.New(ecfg)

	params := make(csync.Params, len(rawParams))
	for k, v := range rawParams {
		params[k] = v
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", metricsAddr, "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	if every <= 0 {
		ok := fn(ctx, engine, params, settings)
		if err := persistChanges(ctx, s, db); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
		return
	}

	acfg := autosave.Config{
		Interval: cfg.Autosave.Interval,
		Debounce: cfg.Autosave.Debounce,
		Defaults: cfg.WriteDefaults(),
		Logger:   logger,
	}
	daemon, err := autosave.New(s.Persister, db, acfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := daemon.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Syncing every %v (Ctrl+C to stop)\n", every)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		fn(ctx, engine, params, settings)
		daemon.Notify()
		select {
		case <-ctx.Done():
			if err := daemon.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: final save failed: %v\n", err)
				os.Exit(1)
			}
			stats := daemon.Stats()
			fmt.Printf("%s Stopped after %d saves\n", ui.RenderPass("✓"), stats.Saves)
			return
		case <-ticker.C:
		}
	}
}

func buildSettings(db *memdb.Database, client *httpsync.Client, names []string) ([]*csync.Settings, error) {
	out := make([]*csync.Settings, 0, len(names))
	for _, name := range names {
		ep, ok := cfg.Sync.Collections[name]
		if !ok {
			return nil, fmt.Errorf("no sync endpoint configured for %s (set sync.collections.%s)", name, name)
		}
		s, err := csync.NewSettingsBuilder().
			Collection(db.Collection(name)).
			PrimaryKeys(ep.PrimaryKeys...).
			WithURLs(ep.DownURL, ep.UpURL, client).
			Build()
		if err != nil {
			return nil, fmt.Errorf("collection %s: %w", name, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func persistChanges(ctx context.Context, s *store, db *memdb.Database) error {
	if !db.HasDirty() {
		return nil
	}
	res, err := s.Persister.Persist(ctx, db, cfg.WriteDefaults(), nil)
	if err != nil {
		return fmt.Errorf("failed to persist collections: %w", err)
	}
	var errs []error
	for name, ferr := range res.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", name, ferr))
	}
	return errors.Join(errs...)
}

func init() {
	syncDownCmd.Flags().String("op", "", "Sync down operation, e.g. REMOVE_DELETED_AND_MERGE_NEW")
	syncDownCmd.Flags().Bool("clear", false, "Remove all local documents before adding")
	syncDownCmd.Flags().Bool("remove-deleted", false, "Remove local documents the service marks deleted")
	syncDownCmd.Flags().Bool("merge", false, "Merge into existing documents instead of adding")

	for _, c := range []*cobra.Command{syncDownCmd, syncUpCmd} {
		c.Flags().Duration("every", 0, "Repeat at this interval until interrupted")
		c.Flags().StringToString("param", nil, "Query parameter passed to the service (key=value)")
		c.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	}

	syncCmd.AddCommand(syncDownCmd)
	syncCmd.AddCommand(syncUpCmd)
	rootCmd.AddCommand(syncCmd)
}
