// ============================================================================
// Beaver-Orchestrator Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露編排器運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - orchestrator_effects_registered_total: 註冊次數（含取代）
//      - orchestrator_effects_replaced_total: 取代既有 id 的次數
//      - orchestrator_effects_cancelled_total: 取消次數
//      - orchestrator_effects_completed_total: 成功完成的項目
//      - orchestrator_effects_failed_total: 失敗的項目（錯誤或 panic）
//      - orchestrator_effects_timed_out_total: 超時的項目
//      - orchestrator_passes_total: 完成的 pass 數
//
//   2. 分佈 (Histogram)：
//      - orchestrator_effect_duration_seconds: 單一 Effect 執行時間
//      - orchestrator_pass_duration_seconds: 整個 pass（含延遲）時間
//
//   3. 狀態 (Gauge，以 session 標籤區分)：
//      - orchestrator_effects_pending{session}: 待執行項目數
//      - orchestrator_pass_running{session}: 是否有 pass 執行中（0/1）
//      - orchestrator_execute_waiting{session}: 排隊等待的 Execute 呼叫數
//
//   計數器與分佈由所有 session 共用；狀態指標是每個 session 各自的值，
//   以 ForSession 取得綁定 session 標籤的 Collector。
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(orchestrator_effects_failed_total[5m]) / rate(orchestrator_passes_total[5m])
//
//   # 95 分位 pass 時間
//   histogram_quantile(0.95, orchestrator_pass_duration_seconds_bucket)
//
//   # 所有 session 的待執行項目總數
//   sum(orchestrator_effects_pending)
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/beaver-orchestrator/pkg/types"
)

// DefaultSession 未以 ForSession 綁定時狀態指標使用的 session 標籤值
const DefaultSession = "default"

// Collector Prometheus 指標收集器
type Collector struct {
	// 項目計數
	effectsRegistered prometheus.Counter
	effectsReplaced   prometheus.Counter
	effectsCancelled  prometheus.Counter
	effectsCompleted  prometheus.Counter
	effectsFailed     prometheus.Counter
	effectsTimedOut   prometheus.Counter
	passes            prometheus.Counter

	// 效能指標
	effectDuration prometheus.Histogram
	passDuration   prometheus.Histogram

	// 狀態指標
	effectsPending *prometheus.GaugeVec
	passRunning    *prometheus.GaugeVec
	executeWaiting *prometheus.GaugeVec

	session  string
	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		effectsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_effects_registered_total",
			Help: "Total number of effect registrations, including replacements",
		}),
		effectsReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_effects_replaced_total",
			Help: "Total number of registrations that replaced a pending effect with the same id",
		}),
		effectsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_effects_cancelled_total",
			Help: "Total number of pending effects cancelled before their pass",
		}),
		effectsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_effects_completed_total",
			Help: "Total number of effects completed successfully",
		}),
		effectsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_effects_failed_total",
			Help: "Total number of effects that returned an error or panicked",
		}),
		effectsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_effects_timed_out_total",
			Help: "Total number of effects that exceeded their timeout",
		}),
		passes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_passes_total",
			Help: "Total number of execution passes completed",
		}),
		effectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_effect_duration_seconds",
			Help:    "Effect execution time in seconds, delays excluded",
			Buckets: prometheus.DefBuckets,
		}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_pass_duration_seconds",
			Help:    "Pass execution time in seconds, delays included",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		effectsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_effects_pending",
			Help: "Current number of pending effects per session",
		}, []string{"session"}),
		passRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_pass_running",
			Help: "1 while a pass is executing in the session, 0 otherwise",
		}, []string{"session"}),
		executeWaiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_execute_waiting",
			Help: "Current number of execute requests waiting for admission per session",
		}, []string{"session"}),
		session: DefaultSession,
	}

	// 註冊所有指標
	reg.MustRegister(
		c.effectsRegistered,
		c.effectsReplaced,
		c.effectsCancelled,
		c.effectsCompleted,
		c.effectsFailed,
		c.effectsTimedOut,
		c.passes,
		c.effectDuration,
		c.passDuration,
		c.effectsPending,
		c.passRunning,
		c.executeWaiting,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}

	return c
}

// ForSession 回傳共用同一組指標、但狀態指標綁定到 session 標籤的 Collector
//
// 多個 session 共用一個 Collector 時，各自的 pending / running / waiting
// 不會互相覆蓋。
func (c *Collector) ForSession(session string) *Collector {
	if session == "" {
		session = DefaultSession
	}
	scoped := *c
	scoped.session = session
	return &scoped
}

// RecordRegister 記錄一次註冊
func (c *Collector) RecordRegister(replaced bool) {
	c.effectsRegistered.Inc()
	if replaced {
		c.effectsReplaced.Inc()
	}
}

// RecordCancel 記錄一次成功的取消
func (c *Collector) RecordCancel() {
	c.effectsCancelled.Inc()
}

// RecordPass 依 pass 摘要更新計數與分佈
func (c *Collector) RecordPass(report types.PassReport) {
	c.passes.Inc()
	c.passDuration.Observe(report.Duration.Seconds())

	for _, o := range report.Outcomes {
		c.effectDuration.Observe(o.Duration.Seconds())
		switch o.Status {
		case types.StatusSucceeded:
			c.effectsCompleted.Inc()
		case types.StatusFailed:
			c.effectsFailed.Inc()
		case types.StatusTimedOut:
			c.effectsTimedOut.Inc()
		}
	}
}

// SetPending 更新待執行項目數
func (c *Collector) SetPending(n int) {
	c.effectsPending.WithLabelValues(c.session).Set(float64(n))
}

// SetRunning 更新 pass 執行狀態
func (c *Collector) SetRunning(running bool) {
	g := c.passRunning.WithLabelValues(c.session)
	if running {
		g.Set(1)
		return
	}
	g.Set(0)
}

// SetWaiting 更新排隊中的 Execute 呼叫數
func (c *Collector) SetWaiting(n int) {
	c.executeWaiting.WithLabelValues(c.session).Set(float64(n))
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
