// Command collsync inspects and synchronizes persisted document collections.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/collsync/internal/async"
	"github.com/steveyegge/collsync/internal/changes"
	"github.com/steveyegge/collsync/internal/config"
	"github.com/steveyegge/collsync/internal/persist"
	"github.com/steveyegge/collsync/internal/persist/backends"
)

var (
	configPath string
	logLevel   string
	backendArg string
	dataDirArg string

	cfg     *config.Config
	logger  *slog.Logger
	tracker *changes.Tracker
)

var rootCmd = &cobra.Command{
	Use:   "collsync",
	Short: "Persist and sync document collections",
	Long: `collsync manages collections persisted by the collsync storage layer.

Collections live in one of several backends (sqlite, pebble, redis, memory or
file) and can be synced with a remote service over HTTP.

Configuration is read from collsync.yaml (or .toml/.json) in the working
directory or $XDG_CONFIG_HOME/collsync, and from COLLSYNC_* environment
variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.Log.Level = logLevel
		}
		if backendArg != "" {
			loaded.Backend = backendArg
		}
		if dataDirArg != "" {
			loaded.DataDir = dataDirArg
		}
		if err := loaded.Validate(); err != nil {
			return err
		}
		cfg = loaded
		logger = async.NewLogger(cfg.LogOptions())
		slog.SetDefault(logger)
		tracker = changes.NewTracker(cfg.Changes.MaxTracked)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./collsync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: none, error or debug")
	rootCmd.PersistentFlags().StringVar(&backendArg, "backend", "", "Storage backend: sqlite, pebble, redis, memory or file")
	rootCmd.PersistentFlags().StringVar(&dataDirArg, "data-dir", "", "Data directory for local backends")

	rootCmd.AddGroup(
		&cobra.Group{ID: "data", Title: "Stored collections:"},
		&cobra.Group{ID: "sync", Title: "Remote sync:"},
	)
}

// store is an opened backend plus whatever it needs released on exit.
type store struct {
	*backends.Handle
	transformer *persist.ZstdTransformer
}

func (s *store) Close() {
	if err := s.Handle.Close(); err != nil {
		logger.Error("failed to close backend", "error", err)
	}
	if s.transformer != nil {
		s.transformer.Close()
	}
}

func openStore(ctx context.Context) (*store, error) {
	opts, err := cfg.BackendOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	opts.Adapter.Logger = logger
	opts.Adapter.Tracker = tracker
	opts.Adapter.OnStorageFull = func(err error) {
		fmt.Fprintf(os.Stderr, "Error: backend is out of space: %v\n", err)
	}

	s := &store{}
	if cfg.Persist.Compress {
		z, err := persist.NewZstdTransformer()
		if err != nil {
			return nil, err
		}
		s.transformer = z
		opts.Adapter.Transformer = z
	}

	h, err := backends.Open(ctx, opts)
	if err != nil {
		if s.transformer != nil {
			s.transformer.Close()
		}
		return nil, fmt.Errorf("failed to open %s backend: %w", cfg.Backend, err)
	}
	s.Handle = h
	return s, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
