// ============================================================================
// Beaver-Orchestrator CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running, serving and inspecting effect plans
//
// Command Structure:
//   beaver                         # Root command
//   ├── run -f plan.yaml           # Register a plan and execute it locally
//   │   └── --callers N           # N concurrent Execute callers
//   ├── watch -f plan.yaml         # Re-run the plan whenever the file changes
//   ├── serve                      # gRPC server (+ /metrics when enabled)
//   ├── submit -f plan.yaml        # Send a plan to a running server
//   ├── history                    # Print the pass journal
//   ├── status                     # Config summary, or live sessions with --addr
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// Configuration:
//   Loaded through internal/config (viper): defaults, config file, then
//   BEAVER_* environment variables.
//
// Signal Handling:
//   watch and serve stop on SIGINT / SIGTERM. A pass that has already
//   started always runs to completion before the process exits.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-orchestrator/internal/config"
	"github.com/ChuLiYu/beaver-orchestrator/internal/logging"
	"github.com/ChuLiYu/beaver-orchestrator/internal/metrics"
	"github.com/ChuLiYu/beaver-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/beaver-orchestrator/internal/storage/journal"
)

// Version reported by --version
const Version = "1.0.0"

var configFile string

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "beaver",
		Short: "Beaver: a prioritized, serialized effect orchestrator",
		Long: `Beaver runs registered effects in passes:
- highest priority first, registration order on ties
- one pass at a time, later Execute calls queue FIFO
- per-effect delays, timeouts and failure isolation
- pass history journal and Prometheus metrics`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWatchCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildHistoryCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

// ============================================================================
// runtime: 命令共用的 logger / metrics / journal
// ============================================================================

type runtime struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	journal  *journal.Journal
}

// newRuntime 讀取配置並建立共用元件；呼叫者負責 close()
func newRuntime(stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if cfg.Orchestrator.Debug {
		// debug 模式的逐項紀錄是 Debug 等級
		level = "debug"
	}
	logger, err := logging.Setup(level, cfg.Log.Format, stderr)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logger}

	if cfg.Metrics.Enabled {
		rt.registry = prometheus.NewRegistry()
		rt.metrics = metrics.NewCollector(rt.registry)
	}

	if cfg.Journal.Enabled {
		if err := ensureDir(cfg.Journal.Path); err != nil {
			return nil, err
		}
		j, err := journal.Open(cfg.Journal.Path, cfg.Journal.Sync)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		rt.journal = j
	}

	return rt, nil
}

// newOrchestrator 以 runtime 的設定建立 session 的編排器
func (rt *runtime) newOrchestrator(sessionID string) *orchestrator.Orchestrator {
	cfg := orchestrator.Config{
		Logger:  rt.log.With("session", sessionID),
		Debug:   rt.cfg.Orchestrator.Debug,
	}
	if rt.metrics != nil {
		cfg.Metrics = rt.metrics.ForSession(sessionID)
	}
	// 避免 typed-nil 介面
	if rt.journal != nil {
		cfg.Recorder = rt.journal
	}
	return orchestrator.NewOrchestrator(cfg)
}

// serveMetrics 在 metrics 啟用時於背景提供 /metrics，ctx 結束時關閉
func (rt *runtime) serveMetrics(ctx context.Context) {
	if rt.metrics == nil {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", rt.metrics.Handler())
	srv := &http.Server{Addr: rt.cfg.Metrics.Addr, Handler: mux}

	go func() {
		rt.log.Info("Starting metrics server", "addr", rt.cfg.Metrics.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Error("Metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func (rt *runtime) close() {
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.log.Warn("Failed to close journal", "error", err)
		}
	}
}
