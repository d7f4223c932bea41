package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-orchestrator/internal/config"
	"github.com/ChuLiYu/beaver-orchestrator/internal/plan"
	"github.com/ChuLiYu/beaver-orchestrator/internal/server"
)

func buildSubmitCommand() *cobra.Command {
	var planFile, addr, sessionID string
	var noExecute, asJSON bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a plan to a running server",
		Long:  "Register a plan's effects on a remote server, apply its cancel list and (unless --no-execute) execute.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}

			p, err := plan.Load(planFile)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = sessionName(p, cfg.Orchestrator.Session)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return submitPlan(ctx, cmd.OutOrStdout(), addr, sessionID, p, !noExecute, asJSON)
		},
	}

	cmd.Flags().StringVarP(&planFile, "file", "f", "", "YAML plan file")
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default: server.addr from config)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (default: plan session, then orchestrator.session)")
	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "only register, do not execute")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "overall RPC deadline")
	cmd.MarkFlagRequired("file")

	return cmd
}

func submitPlan(ctx context.Context, w io.Writer, addr, sessionID string, p *plan.Plan, execute, asJSON bool) error {
	client, err := server.Dial(addr, sessionID)
	if err != nil {
		return err
	}
	defer client.Close()

	results, err := client.Submit(ctx, p, execute)
	if err != nil {
		return err
	}
	if !execute {
		fmt.Fprintf(w, "Registered %d effects in session %q on %s\n", len(p.Effects), sessionID, addr)
		return nil
	}
	return printRemoteResults(w, results, asJSON)
}

// queryStatus 查詢遠端 server 上所有 session
func queryStatus(ctx context.Context, w io.Writer, addr string) error {
	client, err := server.Dial(addr, "")
	if err != nil {
		return err
	}
	defer client.Close()

	sessions, err := client.Status(ctx, true)
	if err != nil {
		return err
	}
	return printJSON(w, map[string]any{"addr": addr, "sessions": sessions})
}
