// Command demo walks through the orchestrator API without any config files:
// priorities, re-registration, cancellation, delays, failure isolation and
// concurrent Execute callers queueing behind a running pass.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/ChuLiYu/beaver-orchestrator/internal/orchestrator"
	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := len(os.Args) > 1 && os.Args[1] == "debug"
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	orch := orchestrator.NewOrchestrator(orchestrator.Config{Logger: logger, Debug: debug})

	say := func(msg string) types.Effect {
		return func(context.Context) (any, error) {
			fmt.Printf("  ▶ %s\n", msg)
			return msg, nil
		}
	}

	must(orch.Register("cleanup", say("cleanup"), types.WithPriority(-1)))
	must(orch.Register("load", say("load v1"), types.WithPriority(5)))
	must(orch.Register("load", say("load v2"), types.WithPriority(5))) // replaces v1
	must(orch.Register("notify", say("notify"), types.WithPostDelay(200*time.Millisecond)))
	must(orch.Register("flaky", func(context.Context) (any, error) {
		return nil, errors.New("upstream unavailable")
	}, types.WithPriority(1)))
	must(orch.Register("hang", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, types.WithTimeout(100*time.Millisecond)))
	must(orch.Register("unwanted", say("never printed")))
	must(orch.Cancel("unwanted"))

	fmt.Printf("✓ Registered %d effects\n\n", orch.Pending())

	// 三個呼叫者同時 Execute：第一個執行 pass，其餘排隊
	var wg sync.WaitGroup
	results := make([]types.ResultMap, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := orch.Execute(ctx)
			if err != nil {
				log.Printf("caller %d: %v", i+1, err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	fmt.Println()
	for i, res := range results {
		fmt.Printf("📊 Caller %d received %d results\n", i+1, len(res))
		ids := make([]string, 0, len(res))
		for id := range res {
			ids = append(ids, string(id))
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %-8s %v\n", id, res[types.EffectID(id)])
		}
	}

	st := orch.Status()
	fmt.Printf("\n✓ Passes: %d, Pending: %d, Running: %t\n", st.Passes, st.Pending, st.Running)
}

func must(err error) {
	if err != nil {
		log.Fatalf("demo: %v", err)
	}
}
