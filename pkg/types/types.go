// Package types 定義了 beaver-orchestrator 系統中使用的核心領域模型
package types

import (
	"context"
	"time"
)

// EffectID 工作項目唯一識別碼
type EffectID string

// Effect 一個可被編排執行的工作單元
//
// ctx 僅在設定 Timeout 時帶有截止時間；Effect 應在 ctx 結束時盡快返回。
//
// 超時後 pass 不會等待 Effect 結束：該項目立即記為 ItemError{"timeout"}，
// 下一個項目隨即開始。忽略 ctx 的 Effect 會在背景繼續執行，
// 可能與之後的項目（甚至下一次 pass）同時運行，其返回值會被丟棄。
type Effect func(ctx context.Context) (any, error)

// ItemStatus 單一項目在一次 pass 中的執行結果狀態
type ItemStatus string

// 定義項目結果狀態常數
const (
	StatusSucceeded ItemStatus = "succeeded" // 成功：Effect 正常返回
	StatusFailed    ItemStatus = "failed"    // 失敗：Effect 返回錯誤或 panic
	StatusTimedOut  ItemStatus = "timed_out" // 超時：Effect 未在 Timeout 內完成
)

// TimeoutMessage 超時項目寫入 ResultMap 的錯誤訊息
const TimeoutMessage = "timeout"

// Options 註冊項目時的執行選項
//
// 預設值：Priority=0、PreDelay=0、PostDelay=0、Timeout=0（不限制）。
// 負數延遲等同於零，不做驗證，由呼叫者負責。
type Options struct {
	Priority  int           `json:"priority" yaml:"priority"`     // 數值越大越先執行
	PreDelay  time.Duration `json:"pre_delay" yaml:"pre_delay"`   // 執行 Effect 前的等待
	PostDelay time.Duration `json:"post_delay" yaml:"post_delay"` // 執行 Effect 後的等待
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`       // 單一 Effect 的執行上限
}

// Option 以函式形式修改 Options
type Option func(*Options)

// WithPriority 設定優先權
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithPreDelay 設定執行前延遲
func WithPreDelay(d time.Duration) Option {
	return func(o *Options) { o.PreDelay = d }
}

// WithPostDelay 設定執行後延遲
func WithPostDelay(d time.Duration) Option {
	return func(o *Options) { o.PostDelay = d }
}

// WithTimeout 設定單一 Effect 的超時
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithOptions 整組覆寫 Options（plan 檔與 gRPC 使用）
func WithOptions(opts Options) Option {
	return func(o *Options) { *o = opts }
}

// BuildOptions 套用所有 Option，回傳最終設定
func BuildOptions(opts ...Option) Options {
	var o Options
	for _, apply := range opts {
		if apply != nil {
			apply(&o)
		}
	}
	return o
}

// Item 已註冊、等待 pass 執行的工作項目
type Item struct {
	ID           EffectID  `json:"id"`
	Effect       Effect    `json:"-"`
	Options      Options   `json:"options"`
	Seq          uint64    `json:"seq"`           // 註冊序號，相同優先權時的排序依據
	RegisteredAt time.Time `json:"registered_at"` // 註冊時間
}

// ItemError 被捕捉的單一項目錯誤描述
type ItemError struct {
	Error string `json:"error"`
}

// ResultMap 一次 pass 的結果：值為 Effect 的返回值或 ItemError
type ResultMap map[EffectID]any

// Failed 判斷某項目是否以 ItemError 結束
func (r ResultMap) Failed(id EffectID) bool {
	_, ok := r[id].(ItemError)
	return ok
}

// Outcome 單一項目在 pass 中的執行紀錄
type Outcome struct {
	ID       EffectID      `json:"id"`
	Priority int           `json:"priority"`
	Status   ItemStatus    `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"` // 僅計算 Effect 本身，不含延遲
}

// PassReport 一次 pass 的摘要
type PassReport struct {
	PassID    string        `json:"pass_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Items     int           `json:"items"`
	Failed    int           `json:"failed"`
	TimedOut  int           `json:"timed_out"`
	Outcomes  []Outcome     `json:"outcomes"`
}
