package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.fluxgraph.dev/stagehand/internal/core"
	"go.fluxgraph.dev/stagehand/internal/history"
)

func NewHistoryCommand() *cobra.Command {
	var path string
	var limit int

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent attempt events from the history log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = core.GetHistoryPath()
			}
			if path == "" {
				return fmt.Errorf("no history log configured (use --history or set history in the config)")
			}

			log, err := history.Open(path)
			if err != nil {
				return err
			}
			defer log.Close()

			events, err := log.RecentEvents(limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No attempt events recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tRUN\tEVENT\tATTEMPT\tPORT\tPID")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\n",
					e.Timestamp.Format("2006-01-02 15:04:05"),
					e.RunID, e.EventType, e.Attempt, e.Port, e.Pid)
			}
			return w.Flush()
		},
	}
	historyCmd.Flags().StringVar(&path, "history", "", "SQLite history file")
	historyCmd.Flags().IntVar(&limit, "limit", 20, "max events to show")

	return historyCmd
}
