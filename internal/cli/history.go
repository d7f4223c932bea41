package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-orchestrator/internal/config"
	"github.com/ChuLiYu/beaver-orchestrator/internal/storage/journal"
)

func buildHistoryCommand() *cobra.Command {
	var last int
	var path string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded passes from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				path = cfg.Journal.Path
			}
			return showHistory(cmd.OutOrStdout(), path, last, asJSON)
		},
	}

	cmd.Flags().IntVarP(&last, "last", "n", 10, "number of most recent passes (0 = all)")
	cmd.Flags().StringVar(&path, "journal", "", "journal file (default: journal.path from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print entries as JSON")

	return cmd
}

func showHistory(w io.Writer, path string, last int, asJSON bool) error {
	entries, err := journal.Tail(path, last)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(w, "No passes recorded (%s does not exist)\n", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	if asJSON {
		return printJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No passes recorded")
		return nil
	}

	for _, e := range entries {
		r := e.Report
		fmt.Fprintf(w, "#%d  %s  %s  items=%d failed=%d timed_out=%d  %s\n",
			e.Seq, r.StartedAt.Format("2006-01-02 15:04:05"), r.PassID,
			r.Items, r.Failed, r.TimedOut, r.Duration)
		for i, o := range r.Outcomes {
			branch := "├─"
			if i == len(r.Outcomes)-1 {
				branch = "└─"
			}
			line := fmt.Sprintf("  %s %s %s (priority %d, %s)", branch, statusIcon(o.Status), o.ID, o.Priority, o.Duration)
			if o.Error != "" {
				line += ": " + o.Error
			}
			fmt.Fprintln(w, line)
		}
	}
	return nil
}
