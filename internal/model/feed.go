// Package model はドメインモデルを定義する。
package model

import "time"

// Feed は定期フェッチ対象のRSS/Atomフィードを表す。
type Feed struct {
	ID                   string
	URL                  string
	Title                string
	Description          string
	FetchIntervalMinutes int
	Status               FeedStatus
	LastFetched          *time.Time
	ETag                 string
	LastModified         string
	AutoAnalyzeEnabled   bool
	ScrapeFullContent    bool
	ConfigurationHash    string
	IsCritical           bool
	ArchivedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// FeedStatus はフィードの状態を表す。
type FeedStatus string

const (
	// FeedStatusActive はアクティブなフィード。スケジューラのフェッチ対象となる。
	FeedStatusActive FeedStatus = "active"
	// FeedStatusInactive は非アクティブなフィード。スケジュールから除外される。
	FeedStatusInactive FeedStatus = "inactive"
	// FeedStatusError はフェッチエラーが発生したフィード。
	FeedStatusError FeedStatus = "error"
)

const (
	// MinFetchIntervalMinutes はフェッチ間隔の最小値（分）。
	MinFetchIntervalMinutes = 5
	// MaxFetchIntervalMinutes はフェッチ間隔の最大値（分）。
	MaxFetchIntervalMinutes = 1440
)

// ValidFetchInterval はフェッチ間隔が許容範囲内かを判定する。
func ValidFetchInterval(minutes int) bool {
	return minutes >= MinFetchIntervalMinutes && minutes <= MaxFetchIntervalMinutes
}

// FeedDeletePreflight はクリティカルフィード削除の事前確認結果を表す。
// is_criticalなフィードに参照行が存在する場合、削除は拒否される。
type FeedDeletePreflight struct {
	FeedID        string
	IsCritical    bool
	ItemCount     int
	FetchLogCount int
	RunItemCount  int
	CanDelete     bool
}
