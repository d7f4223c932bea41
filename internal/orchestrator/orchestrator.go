// ============================================================================
// Beaver-Orchestrator 編排器 - 對外的唯一入口
// ============================================================================
//
// Package: internal/orchestrator
// 文件: orchestrator.go
// 功能: 組合 Store、Executor 與 Pass Serializer，提供 Register / Cancel /
//       Execute / IsRunning 四個公開操作
//
// 架構設計:
//   - Store: 待執行項目（同 id 只保留最後一次註冊）
//   - Executor: 依優先權依序執行一次 pass
//   - serializer: 同一時間最多一個 pass，其餘 Execute 呼叫 FIFO 排隊
//   - Collector / PassRecorder: 選用的指標與歷史紀錄
//
// Execute 流程:
//   1. acquire() 取得准入權杖（忙碌時排隊）
//   2. Snapshot() 取得當下所有項目；為空則立即返回空結果
//   3. running = true，Executor.RunPass()
//   4. Release(snapshot) 只移除本次執行的項目
//   5. running = false，release() 把權杖交給下一位等待者
//
// 排隊者的結果語意:
//   排隊的呼叫者拿到的是「輪到它時所執行的那次 pass」的結果，
//   不一定只包含它呼叫 Execute 當下看到的項目（at-least-the-next-pass）。
//
// 取消語意:
//   pass 一旦開始就不會被中斷：Effect 收到的 context 脫離了呼叫者的取消
//   （context.WithoutCancel），只保留單一項目的 Timeout。
//
// ============================================================================

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-orchestrator/internal/executor"
	"github.com/ChuLiYu/beaver-orchestrator/internal/metrics"
	"github.com/ChuLiYu/beaver-orchestrator/internal/store"
	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNoOrchestrator 在沒有有效編排器實例時呼叫操作
	ErrNoOrchestrator = errors.New("orchestrator: no live orchestrator instance")
	// ErrEmptyID 註冊時 id 為空
	ErrEmptyID = store.ErrEmptyID
	// ErrNilEffect 註冊時 effect 為 nil
	ErrNilEffect = store.ErrNilEffect
)

// PassRecorder 接收每次完成的 pass 摘要（例如 journal）
type PassRecorder interface {
	Record(report types.PassReport) error
}

// Config 編排器配置
type Config struct {
	Logger   *slog.Logger       // nil 時使用 slog.Default()
	Debug    bool               // 輸出每個項目與排隊的除錯紀錄
	Sleeper  executor.Sleeper   // nil 時使用真實計時器
	Metrics  *metrics.Collector // 選用
	Recorder PassRecorder       // 選用
}

// Status 編排器當下狀態
type Status struct {
	Running  bool              `json:"running"`
	Pending  int               `json:"pending"`
	Waiting  int               `json:"waiting"`
	Passes   uint64            `json:"passes"`
	LastPass *types.PassReport `json:"last_pass,omitempty"`
}

// Orchestrator 編排器，每個邏輯 session 一個實例
type Orchestrator struct {
	store    *store.Store
	exec     *executor.Executor
	serial   *serializer
	metrics  *metrics.Collector
	recorder PassRecorder
	log      *slog.Logger
	debug    bool

	running atomic.Bool
	passes  atomic.Uint64

	mu       sync.Mutex
	lastPass *types.PassReport
}

// NewOrchestrator 建立新的編排器
func NewOrchestrator(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		store: store.New(),
		exec: executor.New(executor.Config{
			Sleeper: cfg.Sleeper,
			Logger:  logger,
			Debug:   cfg.Debug,
		}),
		serial:   &serializer{},
		metrics:  cfg.Metrics,
		recorder: cfg.Recorder,
		log:      logger,
		debug:    cfg.Debug,
	}
	if o.metrics != nil {
		o.serial.onChange = o.metrics.SetWaiting
	}
	return o
}

// ============================================================================
// 公開方法
// ============================================================================

// Register 註冊一個 Effect；同 id 已存在時取代之（最後一次註冊為準）
//
// 參數：
//   - id: 項目唯一識別碼，不可為空
//   - effect: 要執行的工作
//   - opts: WithPriority / WithPreDelay / WithPostDelay / WithTimeout
//
// 返回值：
//   - error: ErrNoOrchestrator、ErrEmptyID 或 ErrNilEffect
func (o *Orchestrator) Register(id types.EffectID, effect types.Effect, opts ...types.Option) error {
	if o == nil {
		return ErrNoOrchestrator
	}

	item, replaced, err := o.store.Register(id, effect, types.BuildOptions(opts...))
	if err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordRegister(replaced)
		o.metrics.SetPending(o.store.Len())
	}
	if o.debug {
		o.log.Debug("Effect registered",
			"category", "store",
			"id", id,
			"seq", item.Seq,
			"priority", item.Options.Priority,
			"replaced", replaced)
	}
	return nil
}

// Cancel 移除尚未執行的項目；id 不存在時為 no-op
//
// 已被 pass 取走的項目不受影響。
func (o *Orchestrator) Cancel(id types.EffectID) error {
	if o == nil {
		return ErrNoOrchestrator
	}

	removed := o.store.Cancel(id)
	if removed && o.metrics != nil {
		o.metrics.RecordCancel()
		o.metrics.SetPending(o.store.Len())
	}
	if o.debug {
		o.log.Debug("Effect cancel", "category", "store", "id", id, "removed", removed)
	}
	return nil
}

// Execute 執行所有待執行項目並回傳結果
//
// 同一時間只有一個 pass；忙碌時呼叫者排隊，輪到時執行新的 pass 並取得其結果。
// 單一項目的失敗只會出現在 ResultMap 中，不會成為返回的 error。
//
// 返回值：
//   - types.ResultMap: id → 返回值或 types.ItemError
//   - error: ErrNoOrchestrator，或排隊期間 ctx 結束時的 ctx.Err()
func (o *Orchestrator) Execute(ctx context.Context) (types.ResultMap, error) {
	if o == nil {
		return nil, ErrNoOrchestrator
	}

	if o.debug && o.serial.held() {
		o.log.Debug("Execute deferred, pass in progress", "category", "serializer", "waiting", o.serial.waiting()+1)
	}
	if err := o.serial.acquire(ctx); err != nil {
		o.log.Warn("Execute abandoned while waiting", "category", "serializer", "error", err)
		return nil, err
	}
	defer o.serial.release()

	return o.runPass(ctx), nil
}

// IsRunning 是否有 pass 正在執行（含延遲）
func (o *Orchestrator) IsRunning() bool {
	if o == nil {
		return false
	}
	return o.running.Load()
}

// Pending 待執行項目數
func (o *Orchestrator) Pending() int {
	if o == nil {
		return 0
	}
	return o.store.Len()
}

// PendingItems 以註冊順序回傳待執行項目
func (o *Orchestrator) PendingItems() []types.Item {
	if o == nil {
		return nil
	}
	return o.store.Snapshot()
}

// Status 取得編排器狀態
func (o *Orchestrator) Status() Status {
	if o == nil {
		return Status{}
	}

	o.mu.Lock()
	last := o.lastPass
	o.mu.Unlock()

	return Status{
		Running:  o.running.Load(),
		Pending:  o.store.Len(),
		Waiting:  o.serial.waiting(),
		Passes:   o.passes.Load(),
		LastPass: last,
	}
}

// Stats 取得 store 計數（pending / registered / replaced / cancelled / released）
func (o *Orchestrator) Stats() map[string]int {
	if o == nil {
		return nil
	}
	stats := o.store.Stats()
	stats["passes"] = int(o.passes.Load())
	return stats
}

// ============================================================================
// 內部方法
// ============================================================================

// runPass 在持有准入權杖時執行一次 pass
func (o *Orchestrator) runPass(ctx context.Context) types.ResultMap {
	snapshot := o.store.Snapshot()
	if len(snapshot) == 0 {
		return types.ResultMap{}
	}

	o.setRunning(true)
	defer o.setRunning(false)

	results, report := o.exec.RunPass(context.WithoutCancel(ctx), snapshot)
	released := o.store.Release(snapshot)
	o.finishPass(report, released)

	return results
}

func (o *Orchestrator) finishPass(report types.PassReport, released int) {
	o.passes.Add(1)
	o.mu.Lock()
	o.lastPass = &report
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RecordPass(report)
		o.metrics.SetPending(o.store.Len())
	}
	if o.recorder != nil {
		if err := o.recorder.Record(report); err != nil {
			o.log.Error("Failed to record pass", "pass_id", report.PassID, "error", err)
		}
	}

	o.log.Info("Pass completed",
		"pass_id", report.PassID,
		"items", report.Items,
		"failed", report.Failed,
		"timed_out", report.TimedOut,
		"released", released,
		"duration", report.Duration)
}

func (o *Orchestrator) setRunning(running bool) {
	o.running.Store(running)
	if o.metrics != nil {
		o.metrics.SetRunning(running)
	}
	if o.debug {
		o.log.Debug("Running state changed", "category", "serializer", "running", running)
	}
}
