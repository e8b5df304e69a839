// Package cost はLLM呼び出しのコスト計算と集計を提供する。
package cost

import "sort"

// Pricing はモデル1つの100万トークンあたりの単価（USD）を表す。
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
	CachedPerMillion float64
}

// pricingTable は対応モデルの単価表。未知のモデルはdefaultModelの単価で計算する。
var pricingTable = map[string]Pricing{
	"gpt-5":        {InputPerMillion: 2.50, OutputPerMillion: 20.00, CachedPerMillion: 0.25},
	"gpt-5-mini":   {InputPerMillion: 0.45, OutputPerMillion: 3.60, CachedPerMillion: 0.045},
	"gpt-4.1":      {InputPerMillion: 3.50, OutputPerMillion: 14.00, CachedPerMillion: 0.875},
	"gpt-4.1-mini": {InputPerMillion: 0.70, OutputPerMillion: 2.80, CachedPerMillion: 0.175},
	"gpt-4.1-nano": {InputPerMillion: 0.20, OutputPerMillion: 0.80, CachedPerMillion: 0.05},
	"gpt-4o":       {InputPerMillion: 4.25, OutputPerMillion: 17.00, CachedPerMillion: 2.125},
	"gpt-4o-mini":  {InputPerMillion: 0.25, OutputPerMillion: 1.00, CachedPerMillion: 0.125},
}

// defaultModel は単価表に存在しないモデルタグのフォールバック。
const defaultModel = "gpt-4.1-nano"

const (
	// AvgTokensPerItem は記事1件あたりの平均トークン数の見積もり。
	AvgTokensPerItem = 500
	// MaxCostPerRunUSD は1ランあたりのコストのソフト上限。
	// 超過しても実行は止めず、警告のみ発する。
	MaxCostPerRunUSD = 25.0
)

// TokenUsage はLLM呼び出し1回のトークン消費を表す。
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Cached int `json:"cached"`
}

// Total は全種別の合計トークン数を返す。
func (u TokenUsage) Total() int {
	return u.Input + u.Output + u.Cached
}

// PricingFor は指定モデルの単価を返す。未知のモデルはデフォルト単価を返す。
func PricingFor(modelTag string) Pricing {
	if p, ok := pricingTable[modelTag]; ok {
		return p
	}
	return pricingTable[defaultModel]
}

// KnownModels は単価表に登録されたモデルタグを昇順で返す。
func KnownModels() []string {
	models := make([]string, 0, len(pricingTable))
	for tag := range pricingTable {
		models = append(models, tag)
	}
	sort.Strings(models)
	return models
}

// ItemCost は記事1件のコスト（USD）を計算する。
// cost = Σ (tokens_kind / 1e6) * price_kind
func ItemCost(modelTag string, usage TokenUsage) float64 {
	p := PricingFor(modelTag)
	return float64(usage.Input)/1e6*p.InputPerMillion +
		float64(usage.Output)/1e6*p.OutputPerMillion +
		float64(usage.Cached)/1e6*p.CachedPerMillion
}

// EstimateRunCost はラン作成時のコスト見積もり（USD）を返す。
// 記事1件あたりAvgTokensPerItemトークンを入力単価のみで見積もる保守的な値。
func EstimateRunCost(modelTag string, itemCount int) float64 {
	p := PricingFor(modelTag)
	return float64(itemCount) * float64(AvgTokensPerItem) / 1e6 * p.InputPerMillion
}

// ExceedsSoftCap はコストがソフト上限を超えているかを判定する。
// capUSDが0以下の場合はMaxCostPerRunUSDを上限として使う。
func ExceedsSoftCap(costUSD, capUSD float64) bool {
	if capUSD <= 0 {
		capUSD = MaxCostPerRunUSD
	}
	return costUSD > capUSD
}
