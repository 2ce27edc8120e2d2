package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/steveyegge/collsync/internal/persist"
	"github.com/steveyegge/collsync/internal/ui"
)

var tablesCmd = &cobra.Command{
	Use:     "tables",
	GroupID: "data",
	Short:   "List persisted collections",
	Long: `List every collection stored in the configured backend together with
the number of documents it holds.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		s, err := openStore(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer s.Close()

		names, err := s.Persister.GetCollectionNames(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to list collections: %v\n", err)
			os.Exit(1)
		}
		if len(names) == 0 {
			fmt.Println(ui.RenderMuted("No collections stored."))
			return
		}

		namesOnly, _ := cmd.Flags().GetBool("names")
		if namesOnly {
			for _, n := range names {
				fmt.Println(n)
			}
			return
		}

		rows := make([][]string, 0, len(names))
		for _, n := range names {
			docs, err := s.Persister.GetCollectionRecords(ctx, n, persist.ReadOptions{})
			count := strconv.Itoa(len(docs))
			if err != nil {
				count = ui.RenderFail("unreadable")
				logger.Debug("failed to read collection", "collection", n, "error", err)
			}
			rows = append(rows, []string{n, count})
		}
		fmt.Printf("%s %s\n\n", ui.RenderHeader("Backend:"), ui.RenderAccent(s.Kind.String()))
		fmt.Print(ui.Table([]string{"COLLECTION", "DOCUMENTS"}, rows))
	},
}

func init() {
	tablesCmd.Flags().Bool("names", false, "Print collection names only")
	rootCmd.AddCommand(tablesCmd)
}
