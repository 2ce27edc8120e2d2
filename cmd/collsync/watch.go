package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/collsync/internal/persist/backends"
	"github.com/steveyegge/collsync/internal/persist/filestore"
	"github.com/steveyegge/collsync/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "data",
	Short:   "Report changes to a file backend as they happen",
	Long: `Watch the data directory of a file backend and print one line per table
created, modified or removed. Runs until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		kind, err := backends.ParseKind(cfg.Backend)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if kind != backends.KindFile {
			fmt.Fprintf(os.Stderr, "Error: watch needs the file backend, configured backend is %s\n", kind)
			os.Exit(1)
		}

		w, err := filestore.NewWatcher(cfg.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := w.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to watch %s: %v\n", cfg.DataDir, err)
			os.Exit(1)
		}
		defer func() { _ = w.Stop() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Watching %s (Ctrl+C to stop)\n", ui.RenderAccent(cfg.DataDir))
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-w.Events():
				fmt.Printf("%s %-6s %s\n",
					ui.RenderMuted(time.Now().Format(time.TimeOnly)), renderOp(ev.Op), ev.Table)
			case err := <-w.Errors():
				logger.Warn("watcher error", "error", err)
			}
		}
	},
}

func renderOp(op filestore.EventOp) string {
	switch op {
	case filestore.OpCreate:
		return ui.RenderPass(op.String())
	case filestore.OpDelete:
		return ui.RenderFail(op.String())
	default:
		return ui.RenderWarn(op.String())
	}
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
