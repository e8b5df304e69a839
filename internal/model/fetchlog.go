package model

import "time"

// FetchLog はフィードフェッチ1試行の追記専用レコードを表す。
type FetchLog struct {
	ID             string
	FeedID         string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Status         FetchLogStatus
	ItemsFound     int
	ItemsNew       int
	ResponseTimeMS int64
	ErrorMessage   string
}

// FetchLogStatus はフェッチ試行の結果状態を表す。
type FetchLogStatus string

const (
	// FetchLogStatusRunning はフェッチ実行中。
	FetchLogStatusRunning FetchLogStatus = "running"
	// FetchLogStatusSuccess はフェッチ成功。
	FetchLogStatusSuccess FetchLogStatus = "success"
	// FetchLogStatusNotModified は304によるコンテンツ未変更。
	FetchLogStatusNotModified FetchLogStatus = "not_modified"
	// FetchLogStatusError はフェッチ失敗。
	FetchLogStatusError FetchLogStatus = "error"
)

// FeedHealth はフィードごとのフェッチ成功率のローリング統計を表す。
// フェッチ完了のたびにFetchLogのウィンドウから再計算される。
type FeedHealth struct {
	FeedID              string
	OKRatio             float64
	ConsecutiveFailures int
	AvgResponseTimeMS   float64
	LastSuccess         *time.Time
	LastFailure         *time.Time
	Uptime24h           float64
	Uptime7d            float64
	UpdatedAt           time.Time
}

// FetchWindowStats はFetchLogの時間ウィンドウ集計を表す。
// FeedHealthの再計算に使用される。
type FetchWindowStats struct {
	Total             int
	OK                int
	AvgResponseTimeMS float64
	LastSuccess       *time.Time
	LastFailure       *time.Time
}

// Ratio は成功率を返す。試行が0件の場合は1.0を返す。
func (s FetchWindowStats) Ratio() float64 {
	if s.Total == 0 {
		return 1.0
	}
	return float64(s.OK) / float64(s.Total)
}
