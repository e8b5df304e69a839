// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hitoshi/newsmcp/internal/resilience"
)

// Collector はフェッチ系と分析系のPrometheusメトリクスを収集する。
type Collector struct {
	fetchSuccess    prometheus.Counter
	fetchFail       prometheus.Counter
	fetchNotMod     prometheus.Counter
	httpStatus      *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	itemsInserted   prometheus.Counter
	itemsDuplicate  prometheus.Counter
	analysisSuccess *prometheus.CounterVec
	analysisFail    *prometheus.CounterVec
	analysisTokens  *prometheus.CounterVec
	analysisCost    *prometheus.CounterVec
	analysisLatency prometheus.Histogram
	runsStarted     *prometheus.CounterVec
	runsRejected    prometheus.Counter
	staleReclaimed  prometheus.Counter
	coverage        *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmcp_fetch_success_total",
			Help: "フィードフェッチ成功の合計数",
		}),
		fetchFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmcp_fetch_fail_total",
			Help: "フィードフェッチ失敗の合計数",
		}),
		fetchNotMod: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmcp_fetch_not_modified_total",
			Help: "304 Not Modified応答の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmcp_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsmcp_fetch_latency_seconds",
			Help:    "フィードフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmcp_items_inserted_total",
			Help: "新規挿入された記事の合計数",
		}),
		itemsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmcp_items_duplicate_total",
			Help: "content_hash重複でスキップされた記事の合計数",
		}),
		analysisSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmcp_analysis_success_total",
			Help: "分析成功の合計数（モデル別）",
		}, []string{"model_tag"}),
		analysisFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmcp_analysis_fail_total",
			Help: "分析失敗の合計数（エラー分類別）",
		}, []string{"error_kind"}),
		analysisTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmcp_analysis_tokens_total",
			Help: "消費トークンの合計数（モデル別）",
		}, []string{"model_tag"}),
		analysisCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmcp_analysis_cost_usd_total",
			Help: "分析コストの合計（USD、モデル別）",
		}, []string{"model_tag"}),
		analysisLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "newsmcp_analysis_latency_seconds",
			Help:    "LLM呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsmcp_runs_started_total",
			Help: "開始された分析ランの合計数（起動契機別）",
		}, []string{"triggered_by"}),
		runsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmcp_runs_rejected_total",
			Help: "入場制御で拒否されたランの合計数",
		}),
		staleReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsmcp_stale_items_reclaimed_total",
			Help: "再回収されたprocessing行の合計数",
		}),
		coverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsmcp_analysis_coverage_ratio",
			Help: "分析カバレッジSLOゲージ（時間窓別）",
		}, []string{"window"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "newsmcp_circuit_breaker_state",
			Help: "サーキットブレーカーの状態（0=closed, 1=half_open, 2=open）",
		}, []string{"name"}),
	}

	reg.MustRegister(
		c.fetchSuccess,
		c.fetchFail,
		c.fetchNotMod,
		c.httpStatus,
		c.fetchLatency,
		c.itemsInserted,
		c.itemsDuplicate,
		c.analysisSuccess,
		c.analysisFail,
		c.analysisTokens,
		c.analysisCost,
		c.analysisLatency,
		c.runsStarted,
		c.runsRejected,
		c.staleReclaimed,
		c.coverage,
		c.breakerState,
	)

	return c
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess() {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure() {
	c.fetchFail.Inc()
}

// RecordFetchNotModified は304応答を記録する。
func (c *Collector) RecordFetchNotModified() {
	c.fetchNotMod.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItemsInserted は新規挿入された記事数を記録する。
func (c *Collector) RecordItemsInserted(count int) {
	c.itemsInserted.Add(float64(count))
}

// RecordItemsDuplicate は重複スキップされた記事数を記録する。
func (c *Collector) RecordItemsDuplicate(count int) {
	c.itemsDuplicate.Add(float64(count))
}

// RecordAnalysisSuccess は分析成功1件のトークン/コストを記録する。
func (c *Collector) RecordAnalysisSuccess(modelTag string, tokens int, costUSD float64, duration time.Duration) {
	c.analysisSuccess.WithLabelValues(modelTag).Inc()
	c.analysisTokens.WithLabelValues(modelTag).Add(float64(tokens))
	c.analysisCost.WithLabelValues(modelTag).Add(costUSD)
	c.analysisLatency.Observe(duration.Seconds())
}

// RecordAnalysisFailure は分析失敗をエラー分類付きで記録する。
func (c *Collector) RecordAnalysisFailure(kind resilience.ErrorKind) {
	c.analysisFail.WithLabelValues(string(kind)).Inc()
}

// RecordRunStarted はランの開始を記録する。
func (c *Collector) RecordRunStarted(triggeredBy string) {
	c.runsStarted.WithLabelValues(triggeredBy).Inc()
}

// RecordRunRejected は入場拒否を記録する。
func (c *Collector) RecordRunRejected() {
	c.runsRejected.Inc()
}

// RecordStaleReclaimed は再回収されたprocessing行数を記録する。
func (c *Collector) RecordStaleReclaimed(count int64) {
	c.staleReclaimed.Add(float64(count))
}

// SetCoverage はカバレッジSLOゲージを更新する。windowは"10m"/"60m"。
func (c *Collector) SetCoverage(window string, ratio float64) {
	c.coverage.WithLabelValues(window).Set(ratio)
}

// SetBreakerStates はレジストリ内の全ブレーカー状態をゲージへ反映する。
func (c *Collector) SetBreakerStates(states map[string]resilience.BreakerState) {
	for name, state := range states {
		var v float64
		switch state {
		case resilience.BreakerHalfOpen:
			v = 1
		case resilience.BreakerOpen:
			v = 2
		}
		c.breakerState.WithLabelValues(name).Set(v)
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
