// ============================================================================
// Beaver-Orchestrator Executor - Sequential Pass Runner
// ============================================================================
//
// Package: internal/executor
// File: executor.go
// Function: Runs one pass over a snapshot of pending items
//
// How it works:
//   1. Empty snapshot returns an empty ResultMap immediately
//   2. Run order = stable sort by priority (desc), ties by registration seq (asc)
//   3. For each item, strictly one at a time:
//        preDelay ──> invoke effect ──> record value / ItemError ──> postDelay
//
// Execution Model:
//   ┌───────────────────────────────────────────┐
//   │  RunPass                                   │
//   │  for item := range runOrder               │
//   │    ├─ sleep(preDelay)                     │
//   │    ├─ invoke (timeout race, recover)      │
//   │    ├─ results[id] = value | ItemError     │
//   │    └─ sleep(postDelay)                    │
//   └───────────────────────────────────────────┘
//
// Timeout Control:
//   Items with Timeout > 0 run in their own goroutine under
//   context.WithTimeout. Whichever of (effect result, deadline) arrives first
//   wins; a lost race is recorded as ItemError{"timeout"}.
//   The losing goroutine is not waited for: an effect that ignores ctx keeps
//   running while the pass moves on, so it can overlap later items.
//
// Error Handling:
//   - Returned error: recorded as ItemError{err.Error()}
//   - Panic: recovered and recorded as ItemError{"panic: ..."}
//   - No failure aborts the pass
//
// ============================================================================

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// ErrTimeout 項目超過 Options.Timeout 未完成
var ErrTimeout = errors.New(types.TimeoutMessage)

// Config Executor 配置
type Config struct {
	Sleeper Sleeper      // nil 時使用 TimerSleeper
	Logger  *slog.Logger // nil 時使用 slog.Default()
	Debug   bool         // 輸出每個項目的除錯紀錄
}

// Executor 依序執行一次 pass 的所有項目
type Executor struct {
	sleeper Sleeper
	log     *slog.Logger
	debug   bool
	now     func() time.Time
	passID  func() string
}

// New 建立 Executor
func New(cfg Config) *Executor {
	sleeper := cfg.Sleeper
	if sleeper == nil {
		sleeper = TimerSleeper{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		sleeper: sleeper,
		log:     logger.With("category", "executor"),
		debug:   cfg.Debug,
		now:     time.Now,
		passID:  func() string { return uuid.NewString() },
	}
}

// RunOrder 回傳 pass 的執行順序，不修改輸入
func RunOrder(items []types.Item) []types.Item {
	ordered := make([]types.Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Options.Priority != ordered[j].Options.Priority {
			return ordered[i].Options.Priority > ordered[j].Options.Priority
		}
		return ordered[i].Seq < ordered[j].Seq
	})
	return ordered
}

// RunPass 執行一次 pass
//
// 參數：
//   - ctx: 傳給每個 Effect 的父 context
//   - snapshot: pass 開始時取得的項目
//
// 返回值：
//   - types.ResultMap: 每個項目一筆結果
//   - types.PassReport: pass 摘要
func (e *Executor) RunPass(ctx context.Context, snapshot []types.Item) (types.ResultMap, types.PassReport) {
	results := make(types.ResultMap, len(snapshot))
	report := types.PassReport{
		PassID:    e.passID(),
		StartedAt: e.now(),
		Items:     len(snapshot),
	}
	if len(snapshot) == 0 {
		return results, report
	}

	order := RunOrder(snapshot)
	report.Outcomes = make([]types.Outcome, 0, len(order))

	for _, item := range order {
		e.delay(ctx, item, "pre_delay", item.Options.PreDelay)

		outcome := e.runItem(ctx, item, results)
		report.Outcomes = append(report.Outcomes, outcome)
		switch outcome.Status {
		case types.StatusFailed:
			report.Failed++
		case types.StatusTimedOut:
			report.TimedOut++
		}

		e.delay(ctx, item, "post_delay", item.Options.PostDelay)
	}

	report.Duration = e.now().Sub(report.StartedAt)
	return results, report
}

// runItem 執行單一項目並寫入結果
func (e *Executor) runItem(ctx context.Context, item types.Item, results types.ResultMap) types.Outcome {
	start := e.now()
	r, timedOut := e.invoke(ctx, item)

	outcome := types.Outcome{
		ID:       item.ID,
		Priority: item.Options.Priority,
		Status:   types.StatusSucceeded,
		Duration: e.now().Sub(start),
	}

	switch {
	case timedOut:
		outcome.Status = types.StatusTimedOut
		outcome.Error = types.TimeoutMessage
		results[item.ID] = types.ItemError{Error: types.TimeoutMessage}
	case r.err != nil:
		outcome.Status = types.StatusFailed
		outcome.Error = r.err.Error()
		results[item.ID] = types.ItemError{Error: r.err.Error()}
	default:
		results[item.ID] = r.value
	}

	if e.debug {
		e.log.Debug("Item finished",
			"id", item.ID,
			"priority", item.Options.Priority,
			"status", outcome.Status,
			"duration", outcome.Duration,
			"error", outcome.Error)
	}
	return outcome
}

type callResult struct {
	value any
	err   error
}

// invoke 呼叫 Effect；Timeout > 0 時與計時器競賽，第二個返回值表示是否超時
func (e *Executor) invoke(ctx context.Context, item types.Item) (callResult, bool) {
	timeout := item.Options.Timeout
	if timeout <= 0 {
		v, err := safeCall(ctx, item.Effect)
		return callResult{value: v, err: err}, false
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		v, err := safeCall(tctx, item.Effect)
		done <- callResult{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && errors.Is(tctx.Err(), context.DeadlineExceeded) {
			return callResult{err: ErrTimeout}, true
		}
		return r, false
	case <-tctx.Done():
		// effect 可能剛好同時完成
		select {
		case r := <-done:
			if r.err == nil {
				return r, false
			}
		default:
		}
		if ctx.Err() != nil {
			return callResult{err: ctx.Err()}, false
		}
		return callResult{err: ErrTimeout}, true
	}
}

// safeCall 執行 Effect 並把 panic 轉為錯誤
func safeCall(ctx context.Context, effect types.Effect) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return effect(ctx)
}

func (e *Executor) delay(ctx context.Context, item types.Item, kind string, d time.Duration) {
	if d <= 0 {
		return
	}
	if e.debug {
		e.log.Debug("Waiting", "id", item.ID, "kind", kind, "duration", d)
	}
	if err := e.sleeper.Sleep(ctx, d); err != nil {
		e.log.Warn("Delay interrupted", "id", item.ID, "kind", kind, "error", err)
	}
}
