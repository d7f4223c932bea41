package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/beaver-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/beaver-orchestrator/internal/plan"
)

// defaultDebounce 編輯器存檔常連續觸發多個事件
const defaultDebounce = 200 * time.Millisecond

func buildWatchCommand() *cobra.Command {
	var planFile string
	var debounce time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Execute a plan now and again every time the file changes",
		Long: `Watch a plan file. On every change the plan is reloaded and re-registered
into the same orchestrator (same ids replace their pending entries) and a pass
is executed. Stops on SIGINT / SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), planFile, debounce, asJSON)
		},
	}

	cmd.Flags().StringVarP(&planFile, "file", "f", "", "YAML plan file")
	cmd.Flags().DurationVar(&debounce, "debounce", defaultDebounce, "quiet period before reloading")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runWatch(ctx context.Context, stdout, stderr io.Writer, planFile string, debounce time.Duration, asJSON bool) error {
	rt, err := newRuntime(stderr)
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	rt.serveMetrics(ctx)

	var orch *orchestrator.Orchestrator
	reload := func() {
		p, err := plan.Load(planFile)
		if err != nil {
			// 存檔到一半的檔案常常無法解析，等下一次變更
			rt.log.Warn("Plan reload failed", "file", planFile, "error", err)
			return
		}
		p.WithDefaultTimeout(rt.cfg.Orchestrator.DefaultTimeout)
		if orch == nil {
			orch = rt.newOrchestrator(sessionName(p, rt.cfg.Orchestrator.Session))
		}

		all, err := executePlan(ctx, orch, p, 1)
		if err != nil {
			rt.log.Error("Plan execution failed", "file", planFile, "error", err)
			return
		}
		fmt.Fprintf(stdout, "%s %s\n", time.Now().Format(time.TimeOnly), planFile)
		if err := printResults(stdout, all[0], asJSON); err != nil {
			rt.log.Error("Failed to print results", "error", err)
		}
	}

	reload()
	return watchFile(ctx, planFile, debounce, rt.log, reload)
}

// watchFile 監看 path 所在目錄，path 變更並靜止 debounce 後呼叫 onChange
//
// 監看目錄而不是檔案本身：許多編輯器以 rename 取代原檔。
// onChange 在本 goroutine 內依序執行，不會重疊。
func watchFile(ctx context.Context, path string, debounce time.Duration, log *slog.Logger, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	log.Info("Watching plan", "file", abs)

	fire := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			log.Debug("fsnotify event", "op", event.Op.String(), "file", event.Name)
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("fsnotify error", "error", err)

		case <-fire:
			onChange()
		}
	}
}
