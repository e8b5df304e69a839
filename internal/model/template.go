package model

import "time"

// DynamicFeedTemplate はフィードごとの抽出オーバーライドを表す。
// フィールドマッピング、コンテンツ処理ルール、品質フィルタを含む。
type DynamicFeedTemplate struct {
	ID             string
	Name           string
	Description    string
	FieldMappings  map[string]string
	ContentRules   []ContentRule
	QualityFilters QualityFilters
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContentRule は抽出テキストに適用する処理ルールを表す。
// typeが未知のルールはエラーとせず無視される。
type ContentRule struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// コンテンツ処理ルールのtype値。
const (
	// ContentRuleHTMLExtract はHTMLタグ除去とmax_lengthによる切り詰めを行う。
	ContentRuleHTMLExtract = "html_extract"
	// ContentRuleTextNormalize は選択されたサブルール（fix_umlauts、normalize_quotes）を適用する。
	ContentRuleTextNormalize = "text_normalize"
	// ContentRuleRemoveTracking はutm_*クエリパラメータを除去する。
	ContentRuleRemoveTracking = "remove_tracking"
)

// QualityFilters は記事の品質フィルタを表す。
// 条件を満たさない記事は保存せずスキップされる。
type QualityFilters struct {
	MinTitleLength int `json:"min_title_length,omitempty"`
	MaxTitleLength int `json:"max_title_length,omitempty"`
}

// FeedTemplateAssignment はフィードとテンプレートの割り当てを表す。
// 1フィードに複数割り当てがある場合、priorityが最大の有効な割り当てが適用される。
type FeedTemplateAssignment struct {
	ID         string
	FeedID     string
	TemplateID string
	Priority   int
	IsActive   bool
	CreatedAt  time.Time
}
