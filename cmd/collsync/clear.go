package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/collsync/internal/ui"
)

var clearCmd = &cobra.Command{
	Use:     "clear <collection>...",
	GroupID: "data",
	Short:   "Remove stored collections",
	Args:    cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		if err := s.Persister.ClearCollections(ctx, args); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to clear %s: %v\n", strings.Join(args, ", "), err)
			os.Exit(1)
		}
		fmt.Printf("%s Cleared %s\n", ui.RenderPass("✓"), strings.Join(args, ", "))
	},
}

var dropCmd = &cobra.Command{
	Use:     "drop",
	GroupID: "data",
	Short:   "Remove every stored collection",
	Long: `Remove every collection from the configured backend. Tables listed in
persist.exclude_tables are left alone. Requires --yes.`,
	Run: func(cmd *cobra.Command, args []string) {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			fmt.Fprintf(os.Stderr, "%s drop removes all stored collections; pass --yes to confirm\n", ui.RenderWarn("!"))
			os.Exit(1)
		}

		ctx := context.Background()
		s, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		if err := s.Persister.ClearPersistentDb(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to drop collections: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Dropped all collections from %s\n", ui.RenderPass("✓"), s.Kind)
	},
}

func init() {
	dropCmd.Flags().Bool("yes", false, "Confirm removal")
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(dropCmd)
}
