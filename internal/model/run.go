package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ScopeType は分析対象の選択方式を表す。
type ScopeType string

const (
	// ScopeTypeItems は記事IDの明示指定。
	ScopeTypeItems ScopeType = "items"
	// ScopeTypeArticles は記事IDの明示指定（itemsの別名として受理する）。
	ScopeTypeArticles ScopeType = "articles"
	// ScopeTypeFeeds はフィードID指定。
	ScopeTypeFeeds ScopeType = "feeds"
	// ScopeTypeTimerange は作成日時の範囲指定。
	ScopeTypeTimerange ScopeType = "timerange"
	// ScopeTypeGlobal は全記事。
	ScopeTypeGlobal ScopeType = "global"
)

// RunScope は分析ランの対象範囲を表す。
// Typeで判別されるタグ付きレコードとして扱い、未知のTypeは入口で拒否する。
type RunScope struct {
	Type               ScopeType  `json:"type"`
	ItemIDs            []string   `json:"item_ids,omitempty"`
	ArticleIDs         []string   `json:"article_ids,omitempty"`
	FeedIDs            []string   `json:"feed_ids,omitempty"`
	StartTime          *time.Time `json:"start_time,omitempty"`
	EndTime            *time.Time `json:"end_time,omitempty"`
	UnanalyzedOnly     bool       `json:"unanalyzed_only,omitempty"`
	OverrideExisting   bool       `json:"override_existing,omitempty"`
	MinImpactThreshold *float64   `json:"min_impact_threshold,omitempty"`
	MaxImpactThreshold *float64   `json:"max_impact_threshold,omitempty"`
}

// Validate はスコープの判別子と内容を検証する。
// 未知のTypeや必須フィールド欠落はエラーを返す。
func (s *RunScope) Validate() error {
	switch s.Type {
	case ScopeTypeItems, ScopeTypeArticles:
		if len(s.ItemIDs) == 0 && len(s.ArticleIDs) == 0 {
			return fmt.Errorf("スコープ %s には item_ids または article_ids が必要です", s.Type)
		}
	case ScopeTypeFeeds:
		if len(s.FeedIDs) == 0 {
			return fmt.Errorf("スコープ feeds には feed_ids が必要です")
		}
	case ScopeTypeTimerange:
		if s.StartTime == nil || s.EndTime == nil {
			return fmt.Errorf("スコープ timerange には start_time と end_time が必要です")
		}
	case ScopeTypeGlobal:
	default:
		return fmt.Errorf("未知のスコープ種別です: %q", s.Type)
	}
	return nil
}

// EffectiveItemIDs はitem_idsとarticle_idsを統合して返す。
func (s *RunScope) EffectiveItemIDs() []string {
	ids := make([]string, 0, len(s.ItemIDs)+len(s.ArticleIDs))
	ids = append(ids, s.ItemIDs...)
	ids = append(ids, s.ArticleIDs...)
	return ids
}

// レート制限とlimitの境界値。
const (
	// DefaultRatePerSecond はLLM呼び出しのデフォルトレート（回/秒）。
	DefaultRatePerSecond = 1.0
	// MinRatePerSecond はレートの下限。
	MinRatePerSecond = 0.2
	// MaxRatePerSecond はレートの上限。
	MaxRatePerSecond = 3.0
	// MaxRunLimit は1ランあたりの記事数上限。
	MaxRunLimit = 5000
	// DefaultRunLimit はlimit未指定時のデフォルト値。
	DefaultRunLimit = 200
)

// RunParams は分析ランの実行パラメータを表す。
type RunParams struct {
	ModelTag         string  `json:"model_tag"`
	RatePerSecond    float64 `json:"rate_per_second"`
	Limit            int     `json:"limit"`
	OverrideExisting bool    `json:"override_existing,omitempty"`
}

// Normalize はパラメータを許容範囲内に丸めた正規化済みコピーを返す。
func (p RunParams) Normalize() RunParams {
	if p.ModelTag == "" {
		p.ModelTag = "gpt-4.1-nano"
	}
	if p.RatePerSecond == 0 {
		p.RatePerSecond = DefaultRatePerSecond
	}
	if p.RatePerSecond < MinRatePerSecond {
		p.RatePerSecond = MinRatePerSecond
	}
	if p.RatePerSecond > MaxRatePerSecond {
		p.RatePerSecond = MaxRatePerSecond
	}
	if p.Limit <= 0 {
		p.Limit = DefaultRunLimit
	}
	if p.Limit > MaxRunLimit {
		p.Limit = MaxRunLimit
	}
	return p
}

// TriggeredBy は分析ランの起動契機を表す。
type TriggeredBy string

const (
	// TriggeredByManual は手動起動。優先度HIGHに対応する。
	TriggeredByManual TriggeredBy = "manual"
	// TriggeredByScheduled はスケジュール起動。優先度MEDIUMに対応する。
	TriggeredByScheduled TriggeredBy = "scheduled"
	// TriggeredByAuto はフェッチャー由来の自動起動。優先度LOWに対応する。
	TriggeredByAuto TriggeredBy = "auto"
)

// scopeHashPayload はスコープハッシュの正規化対象フィールド。
// item_ids/feed_ids/article_idsはソートされ、並び順はハッシュに影響しない。
type scopeHashPayload struct {
	Type      ScopeType  `json:"type"`
	ItemIDs   []string   `json:"item_ids,omitempty"`
	FeedIDs   []string   `json:"feed_ids,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	ModelTag  string     `json:"model_tag"`
	Limit     int        `json:"limit"`
}

// ComputeScopeHash は(scope, params)の正規形からSHA-256を計算し、
// 先頭16文字の16進文字列を返す。重複ラン抑止のキーとして使用される。
func ComputeScopeHash(scope RunScope, params RunParams) string {
	params = params.Normalize()

	itemIDs := scope.EffectiveItemIDs()
	sort.Strings(itemIDs)
	feedIDs := append([]string(nil), scope.FeedIDs...)
	sort.Strings(feedIDs)

	typ := scope.Type
	if typ == ScopeTypeArticles {
		typ = ScopeTypeItems
	}

	payload := scopeHashPayload{
		Type:      typ,
		ItemIDs:   itemIDs,
		FeedIDs:   feedIDs,
		StartTime: scope.StartTime,
		EndTime:   scope.EndTime,
		ModelTag:  params.ModelTag,
		Limit:     params.Limit,
	}

	// マップを含まない構造体のため、jsonエンコードは決定的。
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

// RunStatus は分析ランの状態を表す。
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsActive はランが進行中（pending/running/paused）かを判定する。
func (s RunStatus) IsActive() bool {
	return s == RunStatusPending || s == RunStatusRunning || s == RunStatusPaused
}

// AnalysisRun は1つのバッチ分析ジョブを表す。
// 不変条件: 同一scope_hashのアクティブなランは高々1つ。
type AnalysisRun struct {
	ID             string
	Scope          RunScope
	Params         RunParams
	ScopeHash      string
	Status         RunStatus
	StartedAt      *time.Time
	CompletedAt    *time.Time
	TriggeredBy    TriggeredBy
	CostEstimate   float64
	ActualCost     float64
	LastError      string
	QueuedCount    int
	ProcessedCount int
	FailedCount    int
	ItemsPerMinute float64
	ErrorRate      float64
	Coverage10m    float64
	Coverage60m    float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RunItemState はラン内の記事1件の状態を表す。
// 遷移は単調: queued → processing → {completed|failed|skipped}。
// 例外はResetStaleProcessingによるprocessing→queuedのみ。
type RunItemState string

const (
	RunItemQueued     RunItemState = "queued"
	RunItemProcessing RunItemState = "processing"
	RunItemCompleted  RunItemState = "completed"
	RunItemFailed     RunItemState = "failed"
	RunItemSkipped    RunItemState = "skipped"
)

// AnalysisRunItem はラン内の記事1件の処理レコードを表す。
type AnalysisRunItem struct {
	ID           string
	RunID        string
	ItemID       string
	State        RunItemState
	StartedAt    *time.Time
	CompletedAt  *time.Time
	TokensUsed   int
	CostUSD      float64
	ErrorMessage string
	CreatedAt    time.Time
}

// RunItemCounts はランの状態別件数集計を表す。
type RunItemCounts struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
	Skipped    int
}

// Total は全状態の合計件数を返す。
func (c RunItemCounts) Total() int {
	return c.Queued + c.Processing + c.Completed + c.Failed + c.Skipped
}
