package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-orchestrator/internal/config"
	"github.com/ChuLiYu/beaver-orchestrator/internal/storage/journal"
)

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and journal status",
		Long:  "Display the effective configuration and journal summary, or live sessions of a server with --addr.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				return queryStatus(ctx, cmd.OutOrStdout(), addr)
			}
			return showStatus(cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "query a running server instead of local files")
	return cmd
}

func showStatus(w io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           Beaver Orchestrator Status                      ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:      %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Session:          %s\n", cfg.Orchestrator.Session)
	fmt.Fprintf(w, "  ├─ Default Timeout:  %s\n", timeoutLabel(cfg.Orchestrator.DefaultTimeout))
	fmt.Fprintf(w, "  ├─ Debug:            %t\n", cfg.Orchestrator.Debug)
	fmt.Fprintf(w, "  └─ Server Address:   %s\n", cfg.Server.Addr)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Journal:")
	if !cfg.Journal.Enabled {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	} else {
		fmt.Fprintf(w, "  ├─ Path:  %s\n", cfg.Journal.Path)
		entries, err := journal.ReadAll(cfg.Journal.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintln(w, "  └─ Passes: 0 (no journal yet)")
		case err != nil:
			fmt.Fprintf(w, "  └─ ❌ Unreadable: %v\n", err)
		default:
			fmt.Fprintf(w, "  ├─ Passes: %d\n", len(entries))
			if n := len(entries); n > 0 {
				last := entries[n-1].Report
				fmt.Fprintf(w, "  └─ Last:   %s at %s (%d items, %d failed)\n",
					last.PassID, last.StartedAt.Format(time.RFC3339), last.Items, last.Failed)
			} else {
				fmt.Fprintln(w, "  └─ Last:   -")
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://localhost%s/metrics\n", cfg.Metrics.Addr)
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func timeoutLabel(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.String()
}
