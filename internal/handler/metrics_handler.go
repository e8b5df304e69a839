package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/newsmcp/internal/model"
)

// MetricsSummaryInterface はコスト/処理量ロールアップの読み取りを定義する。
type MetricsSummaryInterface interface {
	DailyFeedSummary(ctx context.Context, feedID string, date time.Time) (*model.FeedMetrics, error)
	Rollup7d(ctx context.Context, feedID string) (*model.FeedMetrics, error)
	TopSpendFeeds(ctx context.Context, days, limit int) ([]model.FeedSpend, error)
	Overview(ctx context.Context, days int) (*model.SystemOverview, error)
}

// MetricsHandler はコスト/処理量サマリエンドポイントのハンドラー。
type MetricsHandler struct {
	store MetricsSummaryInterface
}

// NewMetricsHandler はMetricsHandlerを生成する。
func NewMetricsHandler(store MetricsSummaryInterface) *MetricsHandler {
	return &MetricsHandler{store: store}
}

// feedMetricsResponse はフィードメトリクスのAPIレスポンス表現。
type feedMetricsResponse struct {
	FeedID                   string                      `json:"feed_id"`
	MetricDate               string                      `json:"metric_date,omitempty"`
	TotalItemsProcessed      int                         `json:"total_items_processed"`
	SuccessfulItems          int                         `json:"successful_items"`
	FailedItems              int                         `json:"failed_items"`
	TotalRuns                int                         `json:"total_runs"`
	TotalCostUSD             float64                     `json:"total_cost_usd"`
	TotalTokens              int64                       `json:"total_tokens"`
	AvgProcessingTimeSeconds float64                     `json:"avg_processing_time_seconds"`
	AvgItemsPerRun           float64                     `json:"avg_items_per_run"`
	ModelBreakdown           map[string]model.ModelUsage `json:"model_breakdown,omitempty"`
}

// DailyFeedSummary はGET /api/metrics/feeds/{id}/dailyを処理する。
// dateクエリパラメータ（YYYY-MM-DD、省略時は本日）の日次サマリを返す。
func (h *MetricsHandler) DailyFeedSummary(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	date := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
				Code:     "INVALID_DATE",
				Message:  "無効な日付形式です: " + raw,
				Category: "validation",
				Action:   "dateはYYYY-MM-DD形式で指定してください。",
			})
			return
		}
		date = parsed
	}

	summary, err := h.store.DailyFeedSummary(r.Context(), feedID, date)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if summary == nil {
		// サンプルのない日はゼロ値のサマリを返す
		summary = &model.FeedMetrics{FeedID: feedID, MetricDate: date}
	}

	writeJSON(w, http.StatusOK, toFeedMetricsResponse(summary))
}

// WeeklyFeedSummary はGET /api/metrics/feeds/{id}/weeklyを処理する。
// 直近7日間の合算ロールアップを返す。
func (h *MetricsHandler) WeeklyFeedSummary(w http.ResponseWriter, r *http.Request) {
	feedID := chi.URLParam(r, "id")

	rollup, err := h.store.Rollup7d(r.Context(), feedID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if rollup == nil {
		rollup = &model.FeedMetrics{FeedID: feedID}
	}

	resp := toFeedMetricsResponse(rollup)
	resp.MetricDate = ""
	writeJSON(w, http.StatusOK, resp)
}

// TopSpendFeeds はGET /api/metrics/top-feedsを処理する。
// days（デフォルト7）とlimit（デフォルト10）で上位支出フィードを返す。
func (h *MetricsHandler) TopSpendFeeds(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	limit := queryInt(r, "limit", 10)

	feeds, err := h.store.TopSpendFeeds(r.Context(), days, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	type spendResponse struct {
		FeedID         string  `json:"feed_id"`
		FeedTitle      string  `json:"feed_title,omitempty"`
		TotalCostUSD   float64 `json:"total_cost_usd"`
		ItemsProcessed int     `json:"items_processed"`
	}
	results := make([]spendResponse, len(feeds))
	for i, f := range feeds {
		results[i] = spendResponse{
			FeedID:         f.FeedID,
			FeedTitle:      f.FeedTitle,
			TotalCostUSD:   f.TotalCostUSD,
			ItemsProcessed: f.ItemsProcessed,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "feeds": results})
}

// Overview はGET /api/metrics/overviewを処理する。
func (h *MetricsHandler) Overview(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)

	overview, err := h.store.Overview(r.Context(), days)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if overview == nil {
		overview = &model.SystemOverview{Days: days}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"days":                  overview.Days,
		"total_items_processed": overview.TotalItemsProcessed,
		"total_cost_usd":        overview.TotalCostUSD,
		"total_tokens":          overview.TotalTokens,
		"active_feeds":          overview.ActiveFeeds,
	})
}

// toFeedMetricsResponse はドメインのFeedMetricsをAPIレスポンス型に変換する。
func toFeedMetricsResponse(m *model.FeedMetrics) feedMetricsResponse {
	resp := feedMetricsResponse{
		FeedID:                   m.FeedID,
		TotalItemsProcessed:      m.TotalItemsProcessed,
		SuccessfulItems:          m.SuccessfulItems,
		FailedItems:              m.FailedItems,
		TotalRuns:                m.TotalRuns,
		TotalCostUSD:             m.TotalCostUSD,
		TotalTokens:              m.TotalTokens,
		AvgProcessingTimeSeconds: m.AvgProcessingTimeSeconds,
		AvgItemsPerRun:           m.AvgItemsPerRun,
		ModelBreakdown:           m.ModelBreakdown,
	}
	if !m.MetricDate.IsZero() {
		resp.MetricDate = m.MetricDate.Format("2006-01-02")
	}
	return resp
}
