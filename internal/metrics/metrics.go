// ============================================================================
// turnsmc Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露選擇引擎的運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 計數器 (Counter) - 累計值，只增不減：
//      - turnsmc_batches_total: 收集的 batch 總數
//      - turnsmc_proposals_total: 產生的 proposal 總數
//      - turnsmc_selections_total: 成功選出候選的次數
//      - turnsmc_no_selection_total: 沒有選出候選的次數
//      - turnsmc_commits_total: 提交到 live state 的 turn 數
//      - turnsmc_reverts_total: 撤銷的 turn 數
//      - turnsmc_step_errors_total: Step 失敗次數（收集錯誤、stale base、journal 錯誤）
//
//   2. 性能指標 (Histogram)：
//      - turnsmc_collect_latency_seconds: 一次 Collect 的耗時分佈
//
//   3. 狀態指標 (Gauge) - 瞬時值：
//      - turnsmc_effective_sample_size: 最近一次選擇的有效樣本數
//      - turnsmc_history_length: live history 長度
//      - turnsmc_pending_events: 所有 mailbox 中待處理的事件數
//      - turnsmc_recovery_time_seconds: 最近一次恢復時間
//
// Prometheus 查詢示例:
//
//   # 每分鐘提交數
//   rate(turnsmc_commits_total[1m])
//
//   # 選擇失敗率
//   rate(turnsmc_no_selection_total[5m]) / rate(turnsmc_batches_total[5m])
//
//   # 95 分位收集延遲
//   histogram_quantile(0.95, turnsmc_collect_latency_seconds_bucket)
//
// HTTP 端點:
//   通過 /metrics 端點暴露，由 Prometheus 定期抓取
//
// 所有記錄方法在 nil *Collector 上都是 no-op，引擎可以在關閉監控時直接傳 nil
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 選擇相關指標
	batches     prometheus.Counter
	proposals   prometheus.Counter
	selections  prometheus.Counter
	noSelection prometheus.Counter

	// live state 相關指標
	commits    prometheus.Counter
	reverts    prometheus.Counter
	stepErrors prometheus.Counter

	// 效能指標
	collectLatency prometheus.Histogram
	recoveryTime   prometheus.Gauge

	// 狀態指標
	ess           prometheus.Gauge
	historyLength prometheus.Gauge
	pending       prometheus.Gauge
}

// NewCollector 創建新的指標收集器並註冊到 reg
// reg 為 nil 時使用 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnsmc_batches_total",
			Help: "Total number of proposal batches collected",
		}),
		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnsmc_proposals_total",
			Help: "Total number of proposals generated",
		}),
		selections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnsmc_selections_total",
			Help: "Total number of batches that produced a selection",
		}),
		noSelection: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnsmc_no_selection_total",
			Help: "Total number of batches that produced no selection",
		}),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnsmc_commits_total",
			Help: "Total number of turns committed to the live state",
		}),
		reverts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnsmc_reverts_total",
			Help: "Total number of turns reverted from the live state",
		}),
		stepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnsmc_step_errors_total",
			Help: "Total number of failed steps",
		}),
		collectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "turnsmc_collect_latency_seconds",
			Help:    "Time taken to collect one proposal batch in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turnsmc_recovery_time_seconds",
			Help: "Time taken to recover the live state in seconds",
		}),
		ess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turnsmc_effective_sample_size",
			Help: "Effective sample size of the most recent weighted batch",
		}),
		historyLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turnsmc_history_length",
			Help: "Number of committed turns in the live history",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "turnsmc_pending_events",
			Help: "Number of events waiting in all mailboxes",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.batches,
		c.proposals,
		c.selections,
		c.noSelection,
		c.commits,
		c.reverts,
		c.stepErrors,
		c.collectLatency,
		c.recoveryTime,
		c.ess,
		c.historyLength,
		c.pending,
	)

	return c
}

// RecordBatch 記錄一次收集：proposal 數量與耗時
func (c *Collector) RecordBatch(proposals int, latencySeconds float64) {
	if c == nil {
		return
	}
	c.batches.Inc()
	c.proposals.Add(float64(proposals))
	c.collectLatency.Observe(latencySeconds)
}

// RecordSelection 記錄一次選擇結果與有效樣本數
func (c *Collector) RecordSelection(selected bool, ess float64) {
	if c == nil {
		return
	}
	if selected {
		c.selections.Inc()
	} else {
		c.noSelection.Inc()
	}
	c.ess.Set(ess)
}

// RecordCommit 記錄提交
func (c *Collector) RecordCommit() {
	if c == nil {
		return
	}
	c.commits.Inc()
}

// RecordRevert 記錄撤銷
func (c *Collector) RecordRevert() {
	if c == nil {
		return
	}
	c.reverts.Inc()
}

// RecordStepError 記錄 Step 失敗
func (c *Collector) RecordStepError() {
	if c == nil {
		return
	}
	c.stepErrors.Inc()
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// UpdateStateStats 更新 live state 統計
func (c *Collector) UpdateStateStats(historyLen, pending int) {
	if c == nil {
		return
	}
	c.historyLength.Set(float64(historyLen))
	c.pending.Set(float64(pending))
}

// Handler 返回 gatherer 的 /metrics handler；gatherer 為 nil 時使用預設 registry
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - gatherer: 要暴露的 registry（nil 使用預設）
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
