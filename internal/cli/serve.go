package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/beaver-orchestrator/internal/server"
	"github.com/ChuLiYu/beaver-orchestrator/internal/session"
)

func buildServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gRPC orchestrator server",
		Long: `Serve beaver.orchestrator.v1.Orchestrator over gRPC. Each request names a
session; every session owns an independent orchestrator. Prometheus metrics
are exposed on metrics.addr when metrics.enabled is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.ErrOrStderr(), addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr from config)")
	return cmd
}

func runServe(ctx context.Context, stderr io.Writer, addr string) error {
	rt, err := newRuntime(stderr)
	if err != nil {
		return err
	}
	defer rt.close()

	if addr == "" {
		addr = rt.cfg.Server.Addr
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.serveMetrics(ctx)

	registry := session.NewRegistry(func(id string) *orchestrator.Orchestrator {
		rt.log.Info("Session opened", "session", id)
		return rt.newOrchestrator(id)
	})
	srv := server.NewServer(registry, server.Config{
		DefaultSession:  rt.cfg.Orchestrator.Session,
		DefaultTimeout:  rt.cfg.Orchestrator.DefaultTimeout,
		ShutdownTimeout: rt.cfg.Server.ShutdownTimeout,
		Logger:          rt.log,
	})

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if err := srv.Serve(ctx, lis); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	rt.log.Info("Server stopped")
	return nil
}
