package model

import "time"

// FeedMetrics はフィードごと日次の加算ロールアップを表す。
// (feed_id, metric_date)をキーとし、平均値フィールドは
// 件数加重の逐次平均で更新される（上書きしない）。
type FeedMetrics struct {
	FeedID                   string
	MetricDate               time.Time
	TotalItemsProcessed      int
	SuccessfulItems          int
	FailedItems              int
	TotalRuns                int
	TotalCostUSD             float64
	TotalTokens              int64
	AvgProcessingTimeSeconds float64
	AvgItemsPerRun           float64
	ModelBreakdown           map[string]ModelUsage
	UpdatedAt                time.Time
}

// ModelUsage はモデル別の使用量サブ集計を表す。
type ModelUsage struct {
	Items   int     `json:"items"`
	Tokens  int64   `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
}

// QueueMetrics はキュー処理の時間別ロールアップを表す。
// (metric_date, metric_hour)をキーとする。
type QueueMetrics struct {
	MetricDate               time.Time
	MetricHour               int
	ItemsProcessed           int
	SuccessfulItems          int
	FailedItems              int
	TotalCostUSD             float64
	TotalTokens              int64
	AvgProcessingTimeSeconds float64
	UpdatedAt                time.Time
}

// AnalysisSample はラン記事1件の完了時にアグリゲータへ送る構造化レコード。
type AnalysisSample struct {
	FeedID            string
	ModelTag          string
	Success           bool
	TokensUsed        int
	CostUSD           float64
	ProcessingSeconds float64
	CompletedAt       time.Time
}

// SystemOverview はコスト/処理量のシステム全体サマリを表す。
type SystemOverview struct {
	TotalItemsProcessed int
	TotalCostUSD        float64
	TotalTokens         int64
	ActiveFeeds         int
	Days                int
}

// FeedSpend はフィード別の累計コストを表す。上位支出フィードの読み出しに使用する。
type FeedSpend struct {
	FeedID         string
	FeedTitle      string
	TotalCostUSD   float64
	ItemsProcessed int
}
