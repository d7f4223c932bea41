package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/beaver-orchestrator/internal/plan"
	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

func buildRunCommand() *cobra.Command {
	var planFile string
	var callers int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Register a plan and execute it once",
		Long: `Register every effect of a YAML plan, apply its cancel list, then execute.
With --callers N, N goroutines call Execute concurrently: the first runs the
pass, the others queue and run whatever is pending when their turn comes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), planFile, callers, asJSON)
		},
	}

	cmd.Flags().StringVarP(&planFile, "file", "f", "", "YAML plan file")
	cmd.Flags().IntVar(&callers, "callers", 1, "number of concurrent Execute callers")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runPlan(ctx context.Context, stdout, stderr io.Writer, planFile string, callers int, asJSON bool) error {
	rt, err := newRuntime(stderr)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.serveMetrics(ctx)

	p, err := plan.Load(planFile)
	if err != nil {
		return err
	}
	p.WithDefaultTimeout(rt.cfg.Orchestrator.DefaultTimeout)

	orch := rt.newOrchestrator(sessionName(p, rt.cfg.Orchestrator.Session))
	all, err := executePlan(ctx, orch, p, callers)
	if err != nil {
		return err
	}

	for i, results := range all {
		if len(all) > 1 {
			fmt.Fprintf(stdout, "caller %d:\n", i+1)
		}
		if err := printResults(stdout, results, asJSON); err != nil {
			return err
		}
	}
	return nil
}

// executePlan 註冊 plan 後以 callers 個 goroutine 同時呼叫 Execute
//
// 回傳每個呼叫者各自拿到的 ResultMap（依呼叫者編號）。
func executePlan(ctx context.Context, orch *orchestrator.Orchestrator, p *plan.Plan, callers int) ([]types.ResultMap, error) {
	if err := p.Apply(orch); err != nil {
		return nil, err
	}
	if callers < 1 {
		callers = 1
	}

	out := make([]types.ResultMap, callers)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			results, err := orch.Execute(gctx)
			if err != nil {
				return fmt.Errorf("caller %d: %w", i+1, err)
			}
			out[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// sessionName plan 指定的 session 優先，否則使用配置值
func sessionName(p *plan.Plan, fallback string) string {
	if p.Session != "" {
		return p.Session
	}
	return fallback
}
